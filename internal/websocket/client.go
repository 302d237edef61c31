// Package websocket provides the streaming client for the market-data feed.
//
// The client owns at most one live connection at a time. It keeps the set of
// symbol subscriptions, runs every inbound frame through a processing pipeline
// (heartbeat short-circuit, deduplication, ordering check, data-quality
// validation), delivers accepted updates to a Handler and re-emits them as
// typed events. Transport failures never surface as call failures: they drive
// the reconnection state machine, which retries the current endpoint with
// exponential backoff and fails over to the next endpoint of the pool once
// the attempt ceiling is reached or the endpoint is rejected.
//
// Each connection runs four goroutines: a read loop, a writer draining the
// outbound queue (the only goroutine writing data frames to the socket), a
// heartbeat loop and a health-check loop.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketfeed/internal/endpoint"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/wire"
)

const (
	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultEventBuffer is the capacity of the event channel.
	defaultEventBuffer = 1000

	// closeWaitTimeout bounds how long Close waits for goroutines.
	closeWaitTimeout = 5 * time.Second

	// outboundSlack is extra queue capacity for heartbeats on top of the
	// flushed buffer and resubscriptions.
	outboundSlack = 64
)

// Common errors returned by the streaming client.
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrConnectInProgress is returned when a connection attempt is already running.
	ErrConnectInProgress = errors.New("connection attempt already in progress")

	// ErrAlreadySubscribed is returned when subscribing to a symbol twice.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed is returned for operations on a symbol without a subscription.
	ErrNotSubscribed = errors.New("subscription not found")

	// ErrTooManySubscriptions is returned when the subscription ceiling is reached.
	ErrTooManySubscriptions = errors.New("maximum subscriptions per connection exceeded")

	// ErrBufferFull is returned when an outbound frame cannot be queued.
	ErrBufferFull = errors.New("message buffer full")

	// ErrAuthRejected marks a server rejection of our credentials. It is
	// never retried on the same endpoint.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrHealthCheckFailed is raised when nothing was received within the liveness timeout.
	ErrHealthCheckFailed = errors.New("connection health check failed: no messages received within timeout")
)

// Config defines settings for the streaming client.
type Config struct {
	// Pool holds the candidate endpoints.
	// Required: This field must be provided and non-nil.
	Pool *endpoint.Pool

	// Handler receives every accepted frame. Defaults to NopHandler.
	Handler Handler

	// Policy, when set, is informed of connection errors, successes and
	// reconnect attempts.
	Policy *policy.Handler

	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration

	// HeartbeatInterval is the cadence of both the ping and the health check.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the liveness timeout. Zero means 3x HeartbeatInterval.
	HeartbeatTimeout time.Duration

	SubscriptionRateLimit int
	SubscriptionWindow    time.Duration
	MaxSubscriptions      int

	// MaxBufferSize bounds the frames held while disconnected.
	MaxBufferSize int

	DedupWindow time.Duration
	SendTimeout time.Duration

	EnableOrdering bool
	EnableDedup    bool
	QualityChecks  bool
	Quality        wire.QualityOptions
	AutoReconnect  bool

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// Header is sent with every handshake.
	Header http.Header

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// Now overrides the clock used for health and deduplication bookkeeping.
	Now func() time.Time
}

// DefaultConfig returns the production defaults. Pool must still be set.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts:  5,
		BaseReconnectDelay:    time.Second,
		MaxReconnectDelay:     60 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		SubscriptionRateLimit: 10,
		SubscriptionWindow:    time.Second,
		MaxSubscriptions:      100,
		MaxBufferSize:         1000,
		DedupWindow:           5 * time.Second,
		SendTimeout:           defaultSendTimeout,
		EnableOrdering:        true,
		EnableDedup:           true,
		QualityChecks:         true,
		Quality:               wire.QualityOptions{FlagDayRange: true},
		AutoReconnect:         true,
		EventBuffer:           defaultEventBuffer,
	}
}

// Client is a resilient streaming connection to the market-data feed.
// All methods are safe for concurrent use.
type Client struct {
	cfg        Config
	pool       *endpoint.Pool
	handler    Handler
	codec      *wire.Codec
	subLimiter *policy.RateLimiter
	now        func() time.Time

	mu            sync.Mutex
	status        Status
	session       *session
	attempts      int
	gen           uint64 // bumped to cancel pending reconnects
	autoReconnect bool
	stopped       bool
	subs          map[string]*model.Subscription
	order         []string // subscription symbols in insertion order
	buffer        [][]byte
	health        model.ConnectionHealth
	dedup         map[string]time.Time
	lastPrune     time.Time
	sequences     map[string]uint64

	eventsMu     sync.RWMutex
	events       chan model.StreamEvent
	eventsClosed bool

	ctx       context.Context
	cancel    context.CancelFunc
	stopAfter func() bool
	once      sync.Once
	wg        sync.WaitGroup
}

// New returns a configured client. It does not connect; call Connect.
// Cancelling ctx closes the client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Pool == nil {
		return nil, errors.New("endpoint pool is required")
	}

	def := DefaultConfig()
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = def.BaseReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.BaseReconnectDelay {
		cfg.MaxReconnectDelay = max(def.MaxReconnectDelay, cfg.BaseReconnectDelay)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.SubscriptionRateLimit <= 0 {
		cfg.SubscriptionRateLimit = def.SubscriptionRateLimit
	}
	if cfg.SubscriptionWindow <= 0 {
		cfg.SubscriptionWindow = def.SubscriptionWindow
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = def.MaxSubscriptions
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = def.MaxBufferSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Handler == nil {
		cfg.Handler = NopHandler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:           cfg,
		pool:          cfg.Pool,
		handler:       cfg.Handler,
		codec:         wire.NewCodec(),
		subLimiter:    policy.NewRateLimiter(cfg.SubscriptionRateLimit, cfg.SubscriptionWindow),
		now:           cfg.Now,
		status:        Status{State: StateDisconnected},
		autoReconnect: cfg.AutoReconnect,
		subs:          make(map[string]*model.Subscription),
		dedup:         make(map[string]time.Time),
		sequences:     make(map[string]uint64),
		events:        make(chan model.StreamEvent, cfg.EventBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.stopAfter = context.AfterFunc(ctx, c.Close)
	return c, nil
}

// Connect binds the highest-priority eligible endpoint and performs one
// connection attempt. A failed attempt is returned to the caller and also
// handed to the reconnection state machine, which keeps retrying in the
// background while auto-reconnect is enabled. Connecting an already
// connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.pool.Len() == 0 {
		return endpoint.ErrNoEndpoints
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClientShuttingDown
	}
	switch c.status.State {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.gen++
	c.mu.Unlock()

	ep, err := c.pool.Select(0)
	if err != nil {
		return err
	}
	return c.connectTo(ctx, ep)
}

// connectTo performs one connection attempt against ep.
func (c *Client) connectTo(ctx context.Context, ep endpoint.Endpoint) error {
	logger := log.With().
		Str("endpoint", ep.URL).
		Str("component", "connect").
		Logger()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClientShuttingDown
	}
	switch c.status.State {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.status = Status{State: StateConnecting}
	gen := c.gen
	c.mu.Unlock()

	c.emit(model.StreamEvent{Type: model.StreamConnecting, Endpoint: ep.URL})
	c.pool.MarkAttempt(ep.URL)

	conn, err := c.dial(ctx, ep.URL)
	if err != nil {
		if c.pool.MarkFailure(ep.URL) {
			logger.Warn().Msg("endpoint deactivated after repeated failures")
			c.emit(model.StreamEvent{Type: model.StreamEndpointDisabled, Endpoint: ep.URL})
		}
		c.handleConnectionError(err, nil)
		return err
	}

	c.mu.Lock()
	if c.stopped || c.gen != gen {
		c.mu.Unlock()
		logger.Info().Msg("connection no longer wanted, closing")
		_ = conn.Close()
		return ErrClientShuttingDown
	}

	sctx, scancel := context.WithCancel(c.ctx)
	s := &session{
		conn:   conn,
		url:    ep.URL,
		out:    make(chan []byte, c.cfg.MaxBufferSize+c.cfg.MaxSubscriptions+outboundSlack),
		ctx:    sctx,
		cancel: scancel,
	}
	c.session = s
	c.status = Status{State: StateConnected}
	c.attempts = 0
	now := c.now()
	c.health.MarkConnected(now)

	flushed := len(c.buffer)
	for _, frame := range c.buffer {
		s.out <- frame
	}
	c.buffer = nil

	resubscribed := 0
	for _, symbol := range c.order {
		sub := c.subs[symbol]
		if !sub.Active {
			continue
		}
		frame, err := wire.EncodeSubscribe(*sub, now)
		if err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("failed to encode resubscription")
			continue
		}
		s.out <- frame
		resubscribed++
	}

	c.installHandlers(s)
	c.wg.Add(4)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.readLoop(s)
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop(s)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(s)
	}()
	go func() {
		defer c.wg.Done()
		c.healthLoop(s)
	}()

	c.pool.MarkSuccess(ep.URL)
	if c.cfg.Policy != nil {
		c.cfg.Policy.RecordSuccess()
	}

	logger.Info().
		Int("flushed", flushed).
		Int("resubscribed", resubscribed).
		Msg("streaming connection established")

	c.emit(model.StreamEvent{Type: model.StreamConnected, Endpoint: ep.URL})
	if flushed > 0 {
		c.emit(model.StreamEvent{
			Type:     model.StreamBufferFlushed,
			Endpoint: ep.URL,
			Message:  fmt.Sprintf("%d buffered messages flushed", flushed),
		})
	}
	return nil
}

// dial establishes a WebSocket connection.
func (c *Client) dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", rawURL).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("handshakeTimeout", defaultHandshakeTimeout).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	header := c.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: handshake status %d from %s", ErrAuthRejected, resp.StatusCode, rawURL)
			}
			return nil, fmt.Errorf("connection to %s failed with status %d: %w", rawURL, resp.StatusCode, err)
		}
		logger.Error().Err(err).Msg("connection failed")
		return nil, fmt.Errorf("connection to %s failed: %w", rawURL, err)
	}

	conn.SetReadLimit(defaultReadLimit)
	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// Disconnect closes the live connection, cancels any pending reconnect and
// disables auto-reconnect. Subscriptions are kept and re-sent by the next
// successful Connect. Use SetAutoReconnect to turn reconnection back on.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.gen++
	s := c.session
	c.session = nil
	prev := c.status.State
	c.status = Status{State: StateDisconnected}
	c.health = model.ConnectionHealth{}
	c.mu.Unlock()

	if s != nil {
		c.closeSession(s)
	}
	if prev != StateDisconnected {
		log.Info().Str("component", "disconnect").Msg("streaming client disconnected")
		c.emit(model.StreamEvent{Type: model.StreamDisconnected})
	}
}

// Close disconnects, stops every goroutine and closes the event channel.
// It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("component", "close").
			Logger()

		logger.Info().Msg("initiating graceful shutdown")

		c.stopAfter()
		c.Disconnect()

		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info().Msg("all goroutines completed")
		case <-time.After(closeWaitTimeout):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()

		logger.Info().Msg("shutdown complete")
	})
}

// Events delivers typed notifications. The channel is closed by Close.
// Events are dropped when the channel is full.
func (c *Client) Events() <-chan model.StreamEvent {
	return c.events
}

// State returns the current position in the connection state machine.
func (c *Client) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Health returns a copy of the connection health with uptime derived now.
func (c *Client) Health() model.ConnectionHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health.At(c.now())
}

// SetAutoReconnect enables or disables the reconnection state machine.
func (c *Client) SetAutoReconnect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = enabled
}

// AddEndpoint adds a candidate endpoint to the pool.
func (c *Client) AddEndpoint(rawURL string, priority int) error {
	return c.pool.Add(endpoint.Config{URL: rawURL, Priority: priority})
}

// ReinstateEndpoint reactivates a deactivated endpoint.
func (c *Client) ReinstateEndpoint(rawURL string) error {
	return c.pool.Reinstate(rawURL)
}

// Endpoints returns every endpoint in priority order.
func (c *Client) Endpoints() []endpoint.Endpoint {
	return c.pool.Endpoints()
}

// CurrentEndpoint returns the endpoint the client is bound to.
func (c *Client) CurrentEndpoint() (endpoint.Endpoint, error) {
	return c.pool.Current()
}

// ClearMessageCaches forgets deduplication and sequence bookkeeping.
func (c *Client) ClearMessageCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.dedup)
	clear(c.sequences)
}

// emit publishes ev without blocking.
func (c *Client) emit(ev model.StreamEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Debug().Str("event", ev.Type.String()).Msg("event channel full, dropping event")
	}
}

// spawnLocked starts fn as a tracked goroutine unless the client stopped.
// c.mu must be held.
func (c *Client) spawnLocked(fn func()) bool {
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// Package cache implements the cache coordinator: three in-memory tiers
// (snapshots by symbol, candle history by symbol and period, merged order
// books by symbol) fed by the streaming client and, on a miss, by a fallback
// source. Every cached value carries its provenance and capture instant.
//
// The coordinator implements websocket.Handler so the streaming client can
// deliver accepted frames to it directly. Background loops sweep expired
// entries and refresh stale snapshots of subscribed symbols.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"marketfeed/internal/candles"
	"marketfeed/internal/metrics"
	"marketfeed/internal/model"
	"marketfeed/internal/orderbook"
	"marketfeed/internal/policy"
	"marketfeed/internal/source"
	"marketfeed/internal/utils"
)

var (
	// ErrNotInitialized is returned when neither a stream nor a fallback
	// source is configured.
	ErrNotInitialized = errors.New("cache coordinator has no data source configured")

	// ErrNotFound is returned when the source has no data for a symbol.
	ErrNotFound = source.ErrNotFound

	// ErrHistoryUnavailable is returned when more candles are requested than
	// can be provided.
	ErrHistoryUnavailable = source.ErrHistoryUnavailable

	// ErrWaitTimeout is returned when a subscribed symbol produced no data
	// within the wait timeout.
	ErrWaitTimeout = errors.New("timed out waiting for streamed data")

	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("cache coordinator is closed")
)

// Config configures the coordinator.
type Config struct {
	SnapshotTTL       time.Duration  `mapstructure:"snapshot_ttl" validate:"gt=0"`
	OrderBookTTL      time.Duration  `mapstructure:"order_book_ttl" validate:"gt=0"`
	HistoryTTL        time.Duration  `mapstructure:"history_ttl" validate:"gt=0"`
	MaxEntries        int            `mapstructure:"max_entries" validate:"gt=0"`
	MaxHistoryLen     int            `mapstructure:"max_history_len" validate:"gt=0"`
	RetentionMultiple int            `mapstructure:"retention_multiple" validate:"gte=1"`
	CleanupInterval   time.Duration  `mapstructure:"cleanup_interval" validate:"gte=0"`
	RefreshInterval   time.Duration  `mapstructure:"refresh_interval" validate:"gte=0"`
	AutoRefresh       bool           `mapstructure:"auto_refresh"`
	WaitTimeout       time.Duration  `mapstructure:"wait_timeout" validate:"gt=0"`
	OrderBookDepth    int            `mapstructure:"order_book_depth" validate:"gt=0"`
	CandlePeriods     []model.Period `mapstructure:"candle_periods"`

	// GateOutOfOrder refuses order-book updates older than the cached book.
	GateOutOfOrder bool `mapstructure:"gate_out_of_order"`

	EventBuffer int `mapstructure:"event_buffer" validate:"gte=0"`
	SinkBuffer  int `mapstructure:"sink_buffer" validate:"gte=0"`

	// Now overrides the clock.
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL:       60 * time.Second,
		OrderBookTTL:      5 * time.Second,
		HistoryTTL:        10 * time.Minute,
		MaxEntries:        1000,
		MaxHistoryLen:     1000,
		RetentionMultiple: 1,
		CleanupInterval:   5 * time.Minute,
		RefreshInterval:   30 * time.Second,
		AutoRefresh:       true,
		WaitTimeout:       5 * time.Second,
		OrderBookDepth:    orderbook.DefaultDepth,
		CandlePeriods:     []model.Period{model.Period1m, model.Period5m},
		EventBuffer:       1000,
		SinkBuffer:        1000,
	}
}

// Streamer is the subset of the streaming client the coordinator drives.
type Streamer interface {
	Subscribe(symbol string, kinds []model.MessageType) error
	Unsubscribe(symbol string) error
	IsSubscribed(symbol string) bool
}

// Sink receives every accepted snapshot, closed candle and order book.
// Writes run on a background worker and never block the stream.
type Sink interface {
	Name() string
	WriteSnapshot(ctx context.Context, snap model.Snapshot, prov model.Provenance) error
	WriteCandles(ctx context.Context, symbol string, period model.Period, candles []model.Candle) error
	WriteOrderBook(ctx context.Context, book model.OrderBook) error
}

// Cached is a value returned by the coordinator together with where it came
// from and when it was captured.
type Cached[T any] struct {
	Value      T
	Provenance model.Provenance
	CapturedAt time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithSource sets the fallback source queried on misses.
func WithSource(s source.Source) Option {
	return func(c *Coordinator) { c.source = s }
}

// WithStreamer sets the streaming client used for subscribe-and-wait.
func WithStreamer(s Streamer) Option {
	return func(c *Coordinator) { c.streamer = s }
}

// WithPolicy routes fetch failures through the failure policy.
func WithPolicy(h *policy.Handler) Option {
	return func(c *Coordinator) { c.policy = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSinks adds write-through sinks.
func WithSinks(sinks ...Sink) Option {
	return func(c *Coordinator) {
		for _, s := range sinks {
			if s != nil {
				c.sinks = append(c.sinks, s)
			}
		}
	}
}

type historyKey struct {
	symbol string
	period model.Period
}

type waitKey struct {
	tier   string
	symbol string
}

type sinkJob struct {
	sink Sink
	op   string
	fn   func(ctx context.Context) error
}

// Coordinator is the cache coordinator. All methods are safe for concurrent use.
type Coordinator struct {
	cfg     Config
	now     func() time.Time
	policy  *policy.Handler
	metrics *metrics.Metrics
	sinks   []Sink
	agg     *candles.Aggregator
	group   singleflight.Group

	mu          sync.Mutex
	source      source.Source
	streamer    Streamer
	snapshots   map[string]*entry[model.Snapshot]
	history     map[historyKey]*entry[[]model.Candle]
	books       map[string]*entry[*orderbook.Book]
	subscribed  map[string]struct{}
	waiters     map[waitKey][]chan struct{}
	totalAccess uint64
	closed      bool

	eventsMu     sync.RWMutex
	events       chan model.DataEvent
	eventsClosed bool

	sinkCh chan sinkJob

	ctx       context.Context
	cancel    context.CancelFunc
	stopAfter func() bool
	once      sync.Once
	wg        sync.WaitGroup
}

// New creates a coordinator and starts its background loops. Zero config
// fields are filled from DefaultConfig. Cancelling ctx closes the coordinator.
func New(ctx context.Context, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = def.SnapshotTTL
	}
	if cfg.OrderBookTTL <= 0 {
		cfg.OrderBookTTL = def.OrderBookTTL
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = def.HistoryTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxHistoryLen <= 0 {
		cfg.MaxHistoryLen = def.MaxHistoryLen
	}
	if cfg.RetentionMultiple <= 0 {
		cfg.RetentionMultiple = def.RetentionMultiple
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = def.OrderBookDepth
	}
	if cfg.CandlePeriods == nil {
		cfg.CandlePeriods = def.CandlePeriods
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = def.SinkBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		cfg:        cfg,
		now:        cfg.Now,
		agg:        candles.NewAggregator(cfg.CandlePeriods),
		snapshots:  make(map[string]*entry[model.Snapshot]),
		history:    make(map[historyKey]*entry[[]model.Candle]),
		books:      make(map[string]*entry[*orderbook.Book]),
		subscribed: make(map[string]struct{}),
		waiters:    make(map[waitKey][]chan struct{}),
		events:     make(chan model.DataEvent, cfg.EventBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if len(c.sinks) > 0 {
		c.sinkCh = make(chan sinkJob, cfg.SinkBuffer)
		c.spawn(c.sinkLoop)
	}
	if cfg.CleanupInterval > 0 {
		c.spawn(c.cleanupLoop)
	}
	if cfg.AutoRefresh && cfg.RefreshInterval > 0 {
		c.spawn(c.refreshLoop)
	}
	c.stopAfter = context.AfterFunc(ctx, c.Close)
	return c
}

func (c *Coordinator) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close stops the background loops and closes the event channel. Queued
// sink writes are abandoned. It can be called multiple times safely.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		if c.stopAfter != nil {
			c.stopAfter()
		}
		c.mu.Lock()
		c.closed = true
		for k, chans := range c.waiters {
			for _, ch := range chans {
				close(ch)
			}
			delete(c.waiters, k)
		}
		c.mu.Unlock()

		c.cancel()
		c.wg.Wait()

		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()

		log.Info().Str("component", "cache").Msg("cache coordinator stopped")
	})
}

// Events delivers data events. The channel is closed by Close. Events are
// dropped when the channel is full.
func (c *Coordinator) Events() <-chan model.DataEvent {
	return c.events
}

// SetStreamer attaches the streaming client. The client is usually built
// with the coordinator as its handler, so it is attached after construction.
func (c *Coordinator) SetStreamer(s Streamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamer = s
}

// SetSource switches the fallback source and clears every tier, since
// values from the old source must not be mixed with the new one.
func (c *Coordinator) SetSource(s source.Source) {
	c.mu.Lock()
	c.source = s
	clear(c.snapshots)
	clear(c.history)
	clear(c.books)
	c.mu.Unlock()
	c.agg.Reset("")

	name := "none"
	if s != nil {
		name = s.Name()
	}
	log.Info().Str("component", "cache").Str("source", name).Msg("data source changed, caches cleared")
	c.emit(model.DataEvent{Type: model.DataSourceChanged, Message: name})
}

// Subscribe asks the stream for symbol. Subscribing twice is a no-op.
func (c *Coordinator) Subscribe(symbol string) error {
	symbol, err := normalize(symbol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.subscribed[symbol]; ok {
		c.mu.Unlock()
		return nil
	}
	if c.streamer == nil && c.source == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.subscribed[symbol] = struct{}{}
	streamer := c.streamer
	n := len(c.subscribed)
	c.mu.Unlock()

	if streamer != nil && !streamer.IsSubscribed(symbol) {
		if err := streamer.Subscribe(symbol, model.DefaultKinds); err != nil {
			c.mu.Lock()
			delete(c.subscribed, symbol)
			n = len(c.subscribed)
			c.mu.Unlock()
			c.metrics.SetSubscriptions(n)
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	c.metrics.SetSubscriptions(n)
	c.emit(model.DataEvent{Type: model.DataSymbolSubscribed, Symbol: symbol})
	return nil
}

// Unsubscribe drops interest in symbol. Unknown symbols are a no-op.
// Cached values are kept until they expire.
func (c *Coordinator) Unsubscribe(symbol string) error {
	symbol, err := normalize(symbol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.subscribed[symbol]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subscribed, symbol)
	streamer := c.streamer
	n := len(c.subscribed)
	c.mu.Unlock()

	if streamer != nil {
		if err := streamer.Unsubscribe(symbol); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", symbol, err)
		}
	}
	c.agg.Reset(symbol)

	c.metrics.SetSubscriptions(n)
	c.emit(model.DataEvent{Type: model.DataSymbolUnsubscribed, Symbol: symbol})
	return nil
}

// IsSubscribed reports whether the coordinator holds interest in symbol.
func (c *Coordinator) IsSubscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribed[utils.NormalizeSymbol(symbol)]
	return ok
}

// Subscribed returns the subscribed symbols.
func (c *Coordinator) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		out = append(out, s)
	}
	return out
}

// emit publishes ev without blocking.
func (c *Coordinator) emit(ev model.DataEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.metrics.ObserveDataEvent(ev)

	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.metrics.Dropped("data_events")
		log.Debug().Str("event", ev.Type.String()).Msg("data event channel full, dropping event")
	}
}

// write queues fn for every sink without blocking.
func (c *Coordinator) write(op string, fn func(ctx context.Context, s Sink) error) {
	if c.sinkCh == nil {
		return
	}
	for _, s := range c.sinks {
		job := sinkJob{sink: s, op: op, fn: func(ctx context.Context) error { return fn(ctx, s) }}
		select {
		case c.sinkCh <- job:
		default:
			c.metrics.Dropped("sink")
			log.Warn().
				Str("component", "cache").
				Str("sink", s.Name()).
				Str("op", op).
				Msg("sink queue full, dropping write")
		}
	}
}

func (c *Coordinator) sinkLoop() {
	logger := log.With().Str("component", "sink").Logger()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.sinkCh:
			c.runSinkJob(logger, job)
		}
	}
}

func (c *Coordinator) runSinkJob(logger zerolog.Logger, job sinkJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("sink", job.sink.Name()).Msg("sink panic recovered")
		}
	}()
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	err := job.fn(ctx)
	c.metrics.SinkWrite(job.sink.Name(), err)
	if err != nil {
		logger.Warn().Err(err).Str("sink", job.sink.Name()).Str("op", job.op).Msg("sink write failed")
	}
}

func normalize(symbol string) (string, error) {
	symbol = utils.NormalizeSymbol(symbol)
	if err := utils.ValidateSymbol(symbol); err != nil {
		return "", err
	}
	return symbol, nil
}

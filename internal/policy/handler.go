package policy

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures a Handler.
type Config struct {
	RateLimit         int           `mapstructure:"rate_limit" validate:"gt=0"`
	RateWindow        time.Duration `mapstructure:"rate_window" validate:"gt=0"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff" validate:"gt=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gtefield=BaseBackoff"`
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts" validate:"gte=0"`
	AutoRetry         bool          `mapstructure:"auto_retry"`
	FallbackToCache   bool          `mapstructure:"fallback_to_cache"`
	HistorySize       int           `mapstructure:"history_size" validate:"gte=0"`
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:         100,
		RateWindow:        60 * time.Second,
		BaseBackoff:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        300 * time.Second,
		MaxRetryAttempts:  3,
		AutoRetry:         true,
		FallbackToCache:   true,
		HistorySize:       100,
	}
}

// ErrorRecord is one entry of the error history.
type ErrorRecord struct {
	Err      *NetworkError
	Decision Decision
	At       time.Time
}

// Handler combines the rate limiter, backoff state and connection status.
// It is safe for concurrent use. Status listeners run synchronously, in
// registration order, outside the handler lock.
type Handler struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *RateLimiter
	backoff   *Backoff
	status    ConnectionStatus
	offline   bool
	history   []ErrorRecord
	listeners []func(ConnectionStatus)
	now       func() time.Time
}

// NewHandler creates a handler, filling zero config fields from DefaultConfig.
func NewHandler(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &Handler{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		backoff: NewBackoff(cfg.BaseBackoff, cfg.BackoffMultiplier, cfg.MaxBackoff),
		status:  Online(),
		now:     time.Now,
	}
}

// OnStatusChange registers a listener for connection-status transitions.
func (h *Handler) OnStatusChange(fn func(ConnectionStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// HandleError records err, updates status and backoff, and returns the strategy.
func (h *Handler) HandleError(err error) Decision {
	ne := AsNetworkError(err)

	h.mu.Lock()
	prev := h.status
	switch ne.Kind {
	case KindConnectionFailed, KindTimeout:
		h.backoff.RecordFailure()
		if ne.Kind == KindConnectionFailed {
			h.status = Offline()
		}
	case KindRateLimit:
		h.status = RateLimited(ne.RetryAfter)
	case KindServiceUnavailable:
		h.status = Degraded("service temporarily unavailable")
	case KindOffline:
		h.status = Offline()
		h.offline = true
	}

	decision := Classify(ne, h.backoff.Failures(), h.backoff.Current(), StrategyConfig{
		AutoRetry:        h.cfg.AutoRetry,
		MaxRetryAttempts: h.cfg.MaxRetryAttempts,
		FallbackToCache:  h.cfg.FallbackToCache,
	})

	h.history = append(h.history, ErrorRecord{Err: ne, Decision: decision, At: h.now()})
	if over := len(h.history) - h.cfg.HistorySize; over > 0 {
		h.history = append(h.history[:0], h.history[over:]...)
	}
	cur := h.status
	listeners := h.snapshotListeners(prev, cur)
	h.mu.Unlock()

	log.Warn().
		Err(ne).
		Str("component", "policy").
		Str("kind", ne.Kind.String()).
		Str("strategy", decision.Strategy.String()).
		Dur("delay", decision.Delay).
		Msg("network error handled")

	notify(listeners, cur)
	return decision
}

// CheckRateLimit admits one request or returns the rate-limit error after
// routing it through HandleError.
func (h *Handler) CheckRateLimit() error {
	if err := h.limiter.Check(); err != nil {
		h.HandleError(err)
		return err
	}
	return nil
}

// RecordSuccess resets backoff and restores Online from any failure state.
func (h *Handler) RecordSuccess() {
	h.backoff.RecordSuccess()

	h.mu.Lock()
	prev := h.status
	if prev.State != StatusOnline {
		h.status = Online()
		h.offline = false
	}
	cur := h.status
	listeners := h.snapshotListeners(prev, cur)
	h.mu.Unlock()

	notify(listeners, cur)
}

// SetReconnecting publishes a reconnect attempt as the current status.
func (h *Handler) SetReconnecting(attempt, maxAttempts int) {
	h.setStatus(Reconnecting(attempt, maxAttempts))
}

// SetOffline forces or lifts offline mode.
func (h *Handler) SetOffline(enabled bool) {
	h.mu.Lock()
	h.offline = enabled
	h.mu.Unlock()
	if enabled {
		h.setStatus(Offline())
	} else {
		h.setStatus(Online())
	}
}

// Status returns the current connection status.
func (h *Handler) Status() ConnectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// IsOffline reports whether offline mode is on.
func (h *Handler) IsOffline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offline
}

// CurrentBackoff exposes the backoff that would be applied next.
func (h *Handler) CurrentBackoff() time.Duration {
	return h.backoff.Current()
}

// Failures returns the consecutive failure count.
func (h *Handler) Failures() int {
	return h.backoff.Failures()
}

// RecentErrors returns up to n most recent errors, newest first.
func (h *Handler) RecentErrors(n int) []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.history) {
		n = len(h.history)
	}
	out := make([]ErrorRecord, 0, n)
	for i := len(h.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.history[i])
	}
	return out
}

// ClearHistory drops the error history.
func (h *Handler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
}

func (h *Handler) setStatus(s ConnectionStatus) {
	h.mu.Lock()
	prev := h.status
	h.status = s
	listeners := h.snapshotListeners(prev, s)
	h.mu.Unlock()
	notify(listeners, s)
}

// snapshotListeners must be called with h.mu held.
func (h *Handler) snapshotListeners(prev, cur ConnectionStatus) []func(ConnectionStatus) {
	if prev == cur {
		return nil
	}
	return append([]func(ConnectionStatus)(nil), h.listeners...)
}

func notify(listeners []func(ConnectionStatus), s ConnectionStatus) {
	for _, fn := range listeners {
		fn(s)
	}
}

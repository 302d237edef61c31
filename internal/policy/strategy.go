package policy

import "time"

// Strategy is the action a caller should take after a failure.
type Strategy int

const (
	RetryWithBackoff Strategy = iota
	QueueRequest
	FallbackToCache
	ShowError
)

func (s Strategy) String() string {
	switch s {
	case RetryWithBackoff:
		return "retry_with_backoff"
	case QueueRequest:
		return "queue_request"
	case FallbackToCache:
		return "fallback_to_cache"
	case ShowError:
		return "show_error"
	default:
		return "unknown"
	}
}

// StrategyConfig holds the knobs the classification depends on.
type StrategyConfig struct {
	AutoRetry        bool
	MaxRetryAttempts int
	FallbackToCache  bool
}

// Decision is the outcome of classifying one error.
type Decision struct {
	Strategy    Strategy
	Delay       time.Duration // backoff or retry-after, when relevant
	MaxAttempts int
	Message     string // user-facing text for ShowError
}

// Classify maps an error onto a handling strategy. It is a pure function of
// the error kind, the configuration, the consecutive failure count (including
// this failure) and the current backoff.
func Classify(err *NetworkError, failures int, backoff time.Duration, cfg StrategyConfig) Decision {
	switch err.Kind {
	case KindConnectionFailed, KindTimeout:
		if cfg.AutoRetry && failures <= cfg.MaxRetryAttempts {
			delay := backoff
			if err.RetryAfter > 0 {
				delay = err.RetryAfter
			}
			return Decision{Strategy: RetryWithBackoff, Delay: delay, MaxAttempts: cfg.MaxRetryAttempts}
		}
		return Decision{Strategy: FallbackToCache}
	case KindRateLimit:
		return Decision{Strategy: QueueRequest, Delay: err.RetryAfter}
	case KindServiceUnavailable, KindInvalidResponse:
		if cfg.FallbackToCache {
			return Decision{Strategy: FallbackToCache}
		}
		return Decision{Strategy: ShowError, Message: err.Error()}
	case KindAuthentication:
		return Decision{Strategy: ShowError, Message: "authentication failed, check credentials"}
	case KindOffline:
		return Decision{Strategy: FallbackToCache}
	default:
		return Decision{Strategy: ShowError, Message: err.Error()}
	}
}

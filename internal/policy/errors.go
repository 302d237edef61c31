// Package policy implements the backoff and failure policy shared by the
// streaming client and the cache coordinator: a sliding-window rate limiter,
// exponential backoff state, classification of network errors into a handling
// strategy and the user-facing connection status.
package policy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a network failure.
type Kind int

const (
	KindConnectionFailed Kind = iota
	KindTimeout
	KindRateLimit
	KindServiceUnavailable
	KindInvalidResponse
	KindAuthentication
	KindOffline
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindInvalidResponse:
		return "invalid_response"
	case KindAuthentication:
		return "authentication"
	case KindOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ErrRateLimited is matched by errors.Is for every rate-limit NetworkError.
var ErrRateLimited = errors.New("rate limit exceeded")

// NetworkError is a classified failure of a network operation.
type NetworkError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // zero when the source gave no hint
	Limit      int           // rate-limit ceiling, only for KindRateLimit
	Err        error
}

func (e *NetworkError) Error() string {
	switch e.Kind {
	case KindRateLimit:
		return fmt.Sprintf("rate limit exceeded (%d requests), retry in %s", e.Limit, e.RetryAfter)
	case KindOffline:
		return "network is offline, using cached data"
	}
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry in %s", e.RetryAfter)
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRateLimited) match rate-limit errors.
func (e *NetworkError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == KindRateLimit
}

// NewError builds a NetworkError of the given kind.
func NewError(kind Kind, msg string) *NetworkError {
	return &NetworkError{Kind: kind, Message: msg}
}

// RateLimitError builds a rate-limit error with a retry hint.
func RateLimitError(retryAfter time.Duration, limit int) *NetworkError {
	return &NetworkError{Kind: KindRateLimit, RetryAfter: retryAfter, Limit: limit}
}

// FromStatus maps an HTTP status code onto a NetworkError.
func FromStatus(code int, msg string) *NetworkError {
	switch code {
	case http.StatusTooManyRequests:
		return RateLimitError(60*time.Second, 100)
	case http.StatusServiceUnavailable:
		return NewError(KindServiceUnavailable, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(KindAuthentication, msg)
	default:
		return &NetworkError{Kind: KindConnectionFailed, Message: msg, RetryAfter: 5 * time.Second}
	}
}

// AsNetworkError returns err as a NetworkError, wrapping unclassified errors
// as connection failures.
func AsNetworkError(err error) *NetworkError {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne
	}
	kind := KindConnectionFailed
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &NetworkError{Kind: kind, Message: err.Error(), Err: err}
}

// IsRetryable reports whether an operation failing with this kind may be retried.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindConnectionFailed, KindTimeout, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// RetryDelay suggests a delay before the given retry attempt.
func RetryDelay(err *NetworkError, attempt int) time.Duration {
	switch err.Kind {
	case KindConnectionFailed:
		if err.RetryAfter > 0 {
			return err.RetryAfter
		}
		return ExponentialDelay(time.Second, time.Minute, attempt)
	case KindTimeout:
		return ExponentialDelay(time.Second, 30*time.Second, attempt)
	case KindRateLimit:
		return err.RetryAfter
	case KindServiceUnavailable:
		return time.Duration(min(attempt, 6)) * 10 * time.Second
	default:
		return 5 * time.Second
	}
}

// IsRecoverable decides whether a transport error should drive reconnection.
// Authentication rejections are terminal for the endpoint; everything else,
// including unknown errors, is recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Kind != KindAuthentication
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "timeout", "network", "refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{"auth", "unauthorized", "forbidden"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

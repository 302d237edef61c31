package policy

import (
	"fmt"
	"time"
)

// StatusState is the discriminator of ConnectionStatus.
type StatusState int

const (
	StatusOnline StatusState = iota
	StatusOffline
	StatusDegraded
	StatusRateLimited
	StatusReconnecting
)

func (s StatusState) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusDegraded:
		return "degraded"
	case StatusRateLimited:
		return "rate_limited"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the user-facing, derived view of connectivity.
type ConnectionStatus struct {
	State       StatusState
	Reason      string        // Degraded
	RetryAfter  time.Duration // RateLimited
	Attempt     int           // Reconnecting
	MaxAttempts int           // Reconnecting
}

func Online() ConnectionStatus  { return ConnectionStatus{State: StatusOnline} }
func Offline() ConnectionStatus { return ConnectionStatus{State: StatusOffline} }

func Degraded(reason string) ConnectionStatus {
	return ConnectionStatus{State: StatusDegraded, Reason: reason}
}

func RateLimited(retryAfter time.Duration) ConnectionStatus {
	return ConnectionStatus{State: StatusRateLimited, RetryAfter: retryAfter}
}

func Reconnecting(attempt, maxAttempts int) ConnectionStatus {
	return ConnectionStatus{State: StatusReconnecting, Attempt: attempt, MaxAttempts: maxAttempts}
}

// CanOperate reports whether requests should be attempted at all.
func (s ConnectionStatus) CanOperate() bool {
	return s.State == StatusOnline || s.State == StatusDegraded
}

// String renders a display message.
func (s ConnectionStatus) String() string {
	switch s.State {
	case StatusOnline:
		return "connected"
	case StatusOffline:
		return "offline, using cached data"
	case StatusDegraded:
		return "degraded: " + s.Reason
	case StatusRateLimited:
		return fmt.Sprintf("rate limited, retry in %s", s.RetryAfter)
	case StatusReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d/%d)", s.Attempt, s.MaxAttempts)
	default:
		return "unknown"
	}
}

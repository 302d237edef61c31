package websocket

import (
	"fmt"
	"time"
)

// State is the position of the client in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the connection state machine. Attempt and
// NextRetryIn are set while reconnecting; Message and Recoverable while in
// the error state.
type Status struct {
	State       State
	Attempt     int
	NextRetryIn time.Duration
	Message     string
	Recoverable bool
}

// CanSend reports whether frames are written directly instead of buffered.
func (s Status) CanSend() bool {
	return s.State == StateConnected
}

func (s Status) String() string {
	switch s.State {
	case StateReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d, retry in %s)", s.Attempt, s.NextRetryIn)
	case StateError:
		return fmt.Sprintf("error: %s (recoverable=%t)", s.Message, s.Recoverable)
	default:
		return s.State.String()
	}
}

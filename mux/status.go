package mux

import "fmt"

// State is the raw channel state a transport reports. The vocabulary is
// the server protocol's: subscribed, channel_error, timed_out, closed.
type State uint8

const (
	StateSubscribed State = iota
	StateChannelError
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateChannelError:
		return "channel_error"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is the connection status consumers observe for a key. The zero
// value is StatusDisconnected, which is also what unknown keys read as.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// projectState maps a transport channel state to the consumer-facing
// status. timed_out projects to error like channel_error does; the
// registry never retries on its own, a consumer reconnect is the only
// retry path.
func projectState(s State) Status {
	switch s {
	case StateSubscribed:
		return StatusConnected
	case StateChannelError, StateTimedOut:
		return StatusError
	case StateClosed:
		return StatusDisconnected
	default:
		return StatusDisconnected
	}
}

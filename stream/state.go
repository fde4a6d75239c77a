package stream

import "time"

// StateKind enumerates the connection states of the stream session.
type StateKind int

const (
	// Disconnected is the rest state; nothing is running.
	Disconnected StateKind = iota
	// Connecting means a transport is being established.
	Connecting
	// Streaming means frames are arriving.
	Streaming
	// Reconnecting means a backoff timer is pending before the next
	// attempt. State carries the attempt number.
	Reconnecting
	// Failed is the terminal error state after the attempt cap; only a
	// manual reconnect leaves it.
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the tagged connection state owned by the controller. Attempt is
// meaningful for Reconnecting, Message for Failed.
type State struct {
	Kind    StateKind
	Attempt int
	Message string
}

// canTransition is the exhaustive legality check for state changes. Every
// mutation of controller state goes through it; anything it rejects is a
// programming error and is logged and ignored rather than applied.
func canTransition(from, to StateKind) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Streaming || to == Reconnecting || to == Failed || to == Disconnected
	case Streaming:
		return to == Reconnecting || to == Failed || to == Disconnected
	case Reconnecting:
		return to == Connecting || to == Failed || to == Disconnected
	case Failed:
		return to == Connecting || to == Disconnected
	default:
		return false
	}
}

// Backoff returns the reconnect delay for the given 1-based attempt:
// min(initial × 2^(attempt−1), max).
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

package forwarder

import "fmt"

// State is the worker lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateForwarding
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateForwarding:
		return "forwarding"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Healthy reports whether the worker holds a usable sink connection.
func (s State) Healthy() bool {
	return s == StateReady || s == StateForwarding
}

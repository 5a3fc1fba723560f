package session

import (
	"fmt"
)

// State is the session lifecycle state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateCacheOnly
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateCacheOnly:
		return "cache-only"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// transitions is the closed transition table. Disconnected is reachable from
// every state (explicit teardown); Failed is terminal apart from teardown.
// There is no Connected -> Failed edge: total failure always passes through
// Reconnecting/CacheOnly first.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateDegraded, StateDisconnected},
	StateDegraded:     {StateConnected, StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateCacheOnly, StateDisconnected},
	StateCacheOnly:    {StateReconnecting, StateDisconnected},
	StateFailed:       {StateDisconnected},
}

// canTransition reports whether from -> to is a legal edge
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// illegalTransitionError marks a programming error in the session actor
type illegalTransitionError struct {
	from, to State
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.from, e.to)
}

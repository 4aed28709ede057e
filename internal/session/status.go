// Package session ties the signaling channels, peer calls, quality
// control and telemetry together into one joinable meeting session.
package session

import (
	"sync"

	"meetmesh/internal/signaling"
)

// State is the single user-facing connection status, derived from the
// signaling channel and peer transport liveness. It is always recomputed
// from its inputs, never stored independently of them.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Inputs is a snapshot of everything the status depends on.
type Inputs struct {
	Signaling signaling.Status
	Attempt   int
	Exhausted bool
	// LivePeer reports whether at least one peer transport is live.
	LivePeer bool
	// PeerEverJoined is false until the first room-membership event;
	// before that, an open signaling channel alone counts as connected.
	PeerEverJoined bool
}

// derive computes the status for a snapshot of inputs, given whether the
// session has ever reached connected before.
func derive(in Inputs, wasConnected bool) State {
	switch {
	case in.Exhausted:
		return StateDisconnected
	case in.Signaling == signaling.StatusOpen && (in.LivePeer || !in.PeerEverJoined):
		return StateConnected
	case wasConnected:
		return StateReconnecting
	default:
		return StateConnecting
	}
}

// aggregator recomputes the state on every input change and emits a
// transition only when the computed state actually differs, so underlying
// event churn cannot flap the status. Disconnected is terminal.
type aggregator struct {
	mu           sync.Mutex
	state        State
	wasConnected bool
	onChange     func(State, int)
}

func newAggregator(onChange func(State, int)) *aggregator {
	return &aggregator{state: StateConnecting, onChange: onChange}
}

// evaluate recomputes the state and fires the transition callback on
// change. The callback runs outside the aggregator lock.
func (a *aggregator) evaluate(in Inputs) {
	a.mu.Lock()
	if a.state == StateDisconnected {
		a.mu.Unlock()
		return
	}
	next := derive(in, a.wasConnected)
	if next == a.state {
		a.mu.Unlock()
		return
	}
	a.state = next
	if next == StateConnected {
		a.wasConnected = true
	}
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil {
		cb(next, in.Attempt)
	}
}

func (a *aggregator) current() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

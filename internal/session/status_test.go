package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"meetmesh/internal/signaling"
)

func TestDerive(t *testing.T) {
	cases := []struct {
		name         string
		in           Inputs
		wasConnected bool
		want         State
	}{
		{
			name: "initial dial in progress",
			in:   Inputs{Signaling: signaling.StatusConnecting},
			want: StateConnecting,
		},
		{
			name: "signaling open before any peer exists",
			in:   Inputs{Signaling: signaling.StatusOpen},
			want: StateConnected,
		},
		{
			name: "signaling open with live peer",
			in:   Inputs{Signaling: signaling.StatusOpen, LivePeer: true, PeerEverJoined: true},
			want: StateConnected,
		},
		{
			name:         "peers known but none live",
			in:           Inputs{Signaling: signaling.StatusOpen, PeerEverJoined: true},
			wasConnected: true,
			want:         StateReconnecting,
		},
		{
			name:         "signaling lost after being connected",
			in:           Inputs{Signaling: signaling.StatusClosed, PeerEverJoined: true},
			wasConnected: true,
			want:         StateReconnecting,
		},
		{
			name:         "retries exhausted",
			in:           Inputs{Signaling: signaling.StatusClosed, Exhausted: true},
			wasConnected: true,
			want:         StateDisconnected,
		},
		{
			name: "exhausted wins over open peers",
			in:   Inputs{Signaling: signaling.StatusOpen, LivePeer: true, Exhausted: true},
			want: StateDisconnected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, derive(tc.in, tc.wasConnected))
		})
	}
}

func TestAggregatorEmitsOnlyOnChange(t *testing.T) {
	var transitions []State
	a := newAggregator(func(s State, _ int) { transitions = append(transitions, s) })

	open := Inputs{Signaling: signaling.StatusOpen}
	a.evaluate(open)
	a.evaluate(open)
	a.evaluate(open)

	assert.Equal(t, []State{StateConnected}, transitions)
}

func TestAggregatorReconnectCycle(t *testing.T) {
	var transitions []State
	var attempts []int
	a := newAggregator(func(s State, attempt int) {
		transitions = append(transitions, s)
		attempts = append(attempts, attempt)
	})

	a.evaluate(Inputs{Signaling: signaling.StatusOpen})
	a.evaluate(Inputs{Signaling: signaling.StatusClosed, Attempt: 1})
	a.evaluate(Inputs{Signaling: signaling.StatusClosed, Attempt: 1})
	a.evaluate(Inputs{Signaling: signaling.StatusOpen})

	assert.Equal(t, []State{StateConnected, StateReconnecting, StateConnected}, transitions)
	assert.Equal(t, []int{0, 1, 0}, attempts)
}

func TestAggregatorDisconnectedIsTerminal(t *testing.T) {
	var transitions []State
	a := newAggregator(func(s State, _ int) { transitions = append(transitions, s) })

	a.evaluate(Inputs{Signaling: signaling.StatusOpen})
	a.evaluate(Inputs{Signaling: signaling.StatusClosed, Exhausted: true})
	a.evaluate(Inputs{Signaling: signaling.StatusClosed, Exhausted: true})
	a.evaluate(Inputs{Signaling: signaling.StatusOpen})

	assert.Equal(t, []State{StateConnected, StateDisconnected}, transitions)
	assert.Equal(t, StateDisconnected, a.current())
}

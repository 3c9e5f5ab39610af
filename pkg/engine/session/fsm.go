package session

import (
	"fmt"
	"sync"

	"github.com/voicebridge/voicebridge/pkg/core"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateActive        State = "active"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Terminal reports whether a state is final. Terminal states are immutable; a
// new session must be created for any further activity on the same call leg.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// transitions is the legal forward edge set. StateError is reachable from any
// non-terminal state and is handled separately in Transition.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateConnected, StateDisconnecting},
	// A call can hang up after connect without ever exchanging media.
	StateConnected:     {StateActive, StateDisconnecting},
	StateActive:        {StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
}

// FSM serializes state transitions for one session.
type FSM struct {
	mu    sync.Mutex
	state State
}

// NewFSM starts in idle.
func NewFSM() *FSM {
	return &FSM{state: StateIdle}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition moves to the target state, rejecting any edge outside the
// transition table with protocol_error. Transitioning a terminal state always
// fails, including to error.
func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return core.NewProtocolError("", fmt.Sprintf("session is %s, no further transitions", f.state))
	}
	if to == StateError {
		f.state = StateError
		return nil
	}
	for _, next := range transitions[f.state] {
		if next == to {
			f.state = to
			return nil
		}
	}
	return core.NewProtocolError("", fmt.Sprintf("illegal transition %s -> %s", f.state, to))
}

// TransitionIfNot is Transition unless the session is already in the target
// state, which is a no-op. Used for idempotent teardown paths where carriers
// deliver duplicate hangup events.
func (f *FSM) TransitionIfNot(to State) error {
	f.mu.Lock()
	already := f.state == to
	f.mu.Unlock()
	if already {
		return nil
	}
	return f.Transition(to)
}

package call

import "errors"

// State is the local call state machine on one peer. It is distinct from the
// shared Session.Status: State describes what this endpoint is doing,
// Status describes where the shared record is in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

var (
	ErrInvalidSession    = errors.New("call: invalid session")
	ErrAnswerBeforeOffer = errors.New("call: answer set before offer")
	ErrNotIdle           = errors.New("call: endpoint is not idle")
	ErrInvalidTransition = errors.New("call: invalid state transition")
)

// transitions is the full local transition table. Teardown back to idle is
// legal from every state, which is what makes EndCall unconditionally safe.
var transitions = map[State][]State{
	StateIdle:      {StateCalling, StateIncoming},
	StateCalling:   {StateConnected, StateIdle},
	StateIncoming:  {StateConnected, StateIdle},
	StateConnected: {StateIdle},
}

// CanTransition reports whether the local state machine allows from -> to.
// A self transition is treated as a no-op and allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Busy reports whether an incoming offer must be suppressed in this state.
func (s State) Busy() bool { return s != StateIdle }

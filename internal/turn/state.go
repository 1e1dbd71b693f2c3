package turn

import (
	"fmt"
	"time"
)

// State is the position of a session in the turn lifecycle.
type State int

// Turn lifecycle states.
const (
	StateIdle State = iota
	StateListening
	StateSpeculative
	StateCommitted
	StateSpeaking
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateSpeculative:
		return "SPECULATIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// InvalidTransitionError reports an attempted transition that the lifecycle
// does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("turn: invalid state transition %s -> %s", e.From, e.To)
}

// allowed is the transition table. A transition to StateIdle is additionally
// always permitted (error and teardown paths).
var allowed = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateListening, StateSpeculative},
	StateSpeculative: {StateListening, StateCommitted},
	StateCommitted:   {StateSpeaking, StateListening},
	StateSpeaking:    {StateListening, StateIdle},
}

// Change records a single applied transition.
type Change struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// historyLimit bounds the number of retained Change entries.
const historyLimit = 100

// Machine is the session state machine. It is not safe for concurrent use;
// the controller serializes all access on its event loop.
type Machine struct {
	state   State
	history []Change
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Transition moves the machine to the given state, recording the change.
// Transitions to StateIdle always succeed; everything else must appear in
// the transition table.
func (m *Machine) Transition(to State, reason string) error {
	if to != StateIdle && !transitionAllowed(m.state, to) {
		return &InvalidTransitionError{From: m.state, To: to}
	}
	m.history = append(m.history, Change{From: m.state, To: to, Reason: reason, At: time.Now()})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.state = to
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Change {
	out := make([]Change, len(m.history))
	copy(out, m.history)
	return out
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

package turn

import (
	"errors"
	"testing"
)

func TestMachineHappyPath(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	steps := []State{StateListening, StateSpeculative, StateCommitted, StateSpeaking, StateIdle}
	for _, to := range steps {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.State() != StateIdle {
		t.Errorf("want IDLE, got %s", m.State())
	}
	if len(m.History()) != len(steps) {
		t.Errorf("want %d history entries, got %d", len(steps), len(m.History()))
	}
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from State
		to   State
	}{
		{"idle to speculative", StateIdle, StateSpeculative},
		{"idle to speaking", StateIdle, StateSpeaking},
		{"listening to committed", StateListening, StateCommitted},
		{"listening to speaking", StateListening, StateSpeaking},
		{"speculative to speaking", StateSpeculative, StateSpeaking},
		{"committed to speculative", StateCommitted, StateSpeculative},
		{"speaking to speculative", StateSpeaking, StateSpeculative},
		{"speaking to committed", StateSpeaking, StateCommitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := &Machine{state: tc.from}
			err := m.Transition(tc.to, "test")
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("want InvalidTransitionError, got %v", err)
			}
			if ite.From != tc.from || ite.To != tc.to {
				t.Errorf("error carries %s -> %s, want %s -> %s", ite.From, ite.To, tc.from, tc.to)
			}
			if m.State() != tc.from {
				t.Errorf("rejected transition mutated state to %s", m.State())
			}
		})
	}
}

func TestMachineAnyStateToIdle(t *testing.T) {
	t.Parallel()

	for _, from := range []State{StateIdle, StateListening, StateSpeculative, StateCommitted, StateSpeaking} {
		m := &Machine{state: from}
		if err := m.Transition(StateIdle, "teardown"); err != nil {
			t.Errorf("%s -> IDLE: %v", from, err)
		}
	}
}

func TestMachineCommittedBargeIn(t *testing.T) {
	t.Parallel()

	m := &Machine{state: StateCommitted}
	if err := m.Transition(StateListening, "barge_in"); err != nil {
		t.Fatalf("COMMITTED -> LISTENING: %v", err)
	}
}

func TestMachineHistoryBounded(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	for i := 0; i < 3*historyLimit; i++ {
		// IDLE -> LISTENING -> IDLE keeps transitions legal.
		if m.State() == StateIdle {
			_ = m.Transition(StateListening, "bounce")
		} else {
			_ = m.Transition(StateIdle, "bounce")
		}
	}
	if got := len(m.History()); got != historyLimit {
		t.Errorf("want history capped at %d, got %d", historyLimit, got)
	}
}

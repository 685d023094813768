package pipeline

import (
	"errors"
	"testing"
)

func TestStateMachineHappyPath(t *testing.T) {
	sm := newStateMachine()
	var seen []State
	sm.AddListener(StateListenerFunc(func(ev StateChange) {
		seen = append(seen, ev.ToState)
	}))

	for _, s := range []State{StateStreaming, StateDraining, StateClosed} {
		if err := sm.Transition(s, "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if sm.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sm.State())
	}
	if len(seen) != 3 || seen[2] != StateClosed {
		t.Fatalf("unexpected listener events: %v", seen)
	}
	if len(sm.History()) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(sm.History()))
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine()
	err := sm.Transition(StateClosed, "skip ahead")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StateOpening || invalid.To != StateClosed {
		t.Fatalf("unexpected error fields: %+v", invalid)
	}
	if sm.State() != StateOpening {
		t.Fatalf("state changed on invalid transition: %s", sm.State())
	}
}

func TestStateMachineErrorLeadsOnlyToClosed(t *testing.T) {
	sm := newStateMachine()
	if err := sm.Transition(StateStreaming, "open"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := sm.Transition(StateError, "fault"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := sm.Transition(StateDraining, "late drain"); err == nil {
		t.Fatalf("expected ERROR -> DRAINING to be rejected")
	}
	if err := sm.Transition(StateClosed, "cleanup"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := sm.Transition(StateError, "after close"); err == nil {
		t.Fatalf("expected CLOSED to be terminal")
	}
}

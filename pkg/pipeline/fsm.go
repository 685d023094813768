package pipeline

import (
	"sync"
	"time"
)

// State is the lifecycle state of one connection.
type State int

const (
	StateOpening State = iota
	StateStreaming
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateStreaming:
		return "STREAMING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes controller state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateOpening:   {StateStreaming, StateDraining, StateError},
	StateStreaming: {StateDraining, StateError},
	StateDraining:  {StateClosed, StateError},
	StateError:     {StateClosed},
}

// stateMachine validates controller transitions against a fixed table.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	enteredAt time.Time
	listeners []StateListener
	history   []StateChange
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateOpening, enteredAt: time.Now()}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to state. Listeners run outside the lock.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.current, state) {
		err := &InvalidTransitionError{From: m.current, To: state}
		m.mu.Unlock()
		return err
	}
	now := time.Now()
	event := StateChange{
		FromState: m.current,
		ToState:   state,
		Timestamp: now,
		Reason:    reason,
	}
	m.current = state
	m.enteredAt = now
	m.history = append(m.history, event)
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

func (m *stateMachine) AddListener(listener StateListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// History returns every transition taken so far.
func (m *stateMachine) History() []StateChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateChange, len(m.history))
	copy(out, m.history)
	return out
}

// Since reports how long the machine has been in its current state.
func (m *stateMachine) Since() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.enteredAt)
}

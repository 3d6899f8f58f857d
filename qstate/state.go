// Package qstate enforces the allowed transitions of a lifecycle state.
package qstate

import (
	"errors"
	"fmt"
	"sync"
)

// State is a lifecycle state value.
type State interface {
	comparable
	fmt.Stringer
}

// Transition names an allowed move between two states.
type Transition[S State] struct {
	From S
	To   S
	Name string
}

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("qstate: invalid transition")

// TransitionError reports a move that is not in the transition table.
type TransitionError[S State] struct {
	From S
	To   S
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError[S]) Unwrap() error {
	return ErrInvalidTransition
}

type edge[S State] struct {
	from, to S
}

// Machine holds the current state and rejects moves outside its table.
type Machine[S State] struct {
	mu      sync.RWMutex
	current S

	allowed  map[edge[S]]string
	onChange func(t Transition[S])
}

// New returns a machine at initial. onChange, if not nil, is called with the
// machine locked after every successful move.
func New[S State](initial S, transitions []Transition[S], onChange func(t Transition[S])) *Machine[S] {
	m := &Machine[S]{
		current:  initial,
		allowed:  make(map[edge[S]]string, len(transitions)),
		onChange: onChange,
	}
	for _, t := range transitions {
		m.allowed[edge[S]{t.From, t.To}] = t.Name
	}
	return m
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is returns true if the current state is one of states.
func (m *Machine[S]) Is(states ...S) bool {
	c := m.Current()
	for _, s := range states {
		if s == c {
			return true
		}
	}
	return false
}

// Can returns true if moving to to is allowed from the current state.
func (m *Machine[S]) Can(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.allowed[edge[S]{m.current, to}]
	return ok
}

// To moves to the given state or returns a *TransitionError.
func (m *Machine[S]) To(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	name, ok := m.allowed[edge[S]{from, to}]
	if !ok {
		return &TransitionError[S]{From: from, To: to}
	}
	m.current = to
	if m.onChange != nil {
		m.onChange(Transition[S]{From: from, To: to, Name: name})
	}
	return nil
}

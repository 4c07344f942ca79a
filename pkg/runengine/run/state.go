// Package run holds the data model of a single routine execution: its
// lifecycle state, limits, and progress counters.
package run

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a run.
type State string

// Run states.
const (
	StateUninitialized State = "UNINITIALIZED"
	StateLoading       State = "LOADING"
	StateReady         State = "READY"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateSuspended     State = "SUSPENDED"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateUninitialized,
	StateLoading,
	StateReady,
	StateRunning,
	StatePaused,
	StateSuspended,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// ErrInvalidTransition indicates a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Unwrap returns ErrInvalidTransition for errors.Is support.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// transitions is the lifecycle graph. Cancellation from any non-terminal
// state is handled in CanTransition.
var transitions = map[State][]State{
	StateUninitialized: {StateLoading},
	StateLoading:       {StateReady, StatePaused, StateFailed},
	StateReady:         {StateRunning},
	StateRunning:       {StatePaused, StateSuspended, StateCompleted, StateFailed},
	StatePaused:        {StateRunning},
	StateSuspended:     {StateRunning},
}

// IsTerminal reports whether no transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError when from -> to is illegal.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

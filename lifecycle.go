package main

import (
	"fmt"
	"sync"
	"time"
)

// State is a scenario lifecycle state.
type State string

const (
	StateNew       State = "new"
	StateCreated   State = "created"
	StatePublished State = "published"
	StateBuilt     State = "built"
	StateMigrated  State = "migrated"
	StateRunning   State = "running"
	StateVerified  State = "verified"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// transitions lists the legal successors of each state. Failed is reachable
// from every state except Running (a live process is stopped first) and
// Failed itself.
var transitions = map[State][]State{
	StateNew:       {StateCreated},
	StateCreated:   {StatePublished},
	StatePublished: {StateBuilt},
	StateBuilt:     {StateMigrated, StateRunning},
	StateMigrated:  {StateRunning},
	StateRunning:   {StateVerified, StateStopped},
	StateVerified:  {StateStopped},
	// A second artifact may run after the first is stopped, and an offline
	// replay verifies again with nothing running.
	StateStopped: {StateRunning, StateVerified},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateRunning && from != StateFailed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Lifecycle is the per-scenario state machine.
type Lifecycle struct {
	mu       sync.Mutex
	state    State
	history  []Transition
	failure  error
	onChange func(from, to State)
}

// NewLifecycle starts in StateNew. onChange, if set, is called after every transition.
func NewLifecycle(onChange func(from, to State)) *Lifecycle {
	return &Lifecycle{state: StateNew, onChange: onChange}
}

// State returns the current state.
func (lc *Lifecycle) State() State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// History returns the transitions so far.
func (lc *Lifecycle) History() []Transition {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]Transition(nil), lc.history...)
}

// Failure returns the error recorded by Fail, if any.
func (lc *Lifecycle) Failure() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.failure
}

// Transition moves to next, or returns a precondition failure if illegal.
func (lc *Lifecycle) Transition(next State) error {
	lc.mu.Lock()
	from := lc.state
	if !CanTransition(from, next) {
		lc.mu.Unlock()
		return PreconditionFailure("transition", fmt.Sprintf("illegal transition %s -> %s", from, next))
	}
	lc.state = next
	lc.history = append(lc.history, Transition{From: from, To: next, At: time.Now()})
	onChange := lc.onChange
	lc.mu.Unlock()

	if onChange != nil {
		onChange(from, next)
	}
	return nil
}

// Fail moves to StateFailed and records cause.
func (lc *Lifecycle) Fail(cause error) error {
	if err := lc.Transition(StateFailed); err != nil {
		return err
	}
	lc.mu.Lock()
	lc.failure = cause
	lc.mu.Unlock()
	return nil
}

// Require returns a precondition failure unless the current state is one of states.
func (lc *Lifecycle) Require(step string, states ...State) error {
	current := lc.State()
	for _, s := range states {
		if s == current {
			return nil
		}
	}
	return PreconditionFailure(step, fmt.Sprintf("cannot %s in state %s (need one of %v)", step, current, states))
}

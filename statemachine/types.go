// Package statemachine implements an asynchronous state-machine controller.
//
// A Machine occupies exactly one State at a time. Each State has two quick
// synchronous hooks (OnEnter, OnExit) and a long-lived Run loop that is
// launched on a background Scheduler. Every hand-off between states follows
// the same serialized protocol:
//
//  1. cancel the outgoing activation's context
//  2. wait for its Run loop to return
//  3. call its OnExit
//  4. swap the current state
//  5. call the incoming OnEnter
//  6. publish the new activation to subscribers
//  7. schedule the incoming Run loop
//
// Failures raised by states (errors or panics) are contained by the machine and
// handed to its ErrorPolicy; only API misuse is returned to the caller.
package statemachine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is one mode of operation of a Machine.
//
// OnEnter and OnExit must return quickly. The context they receive carries
// logging and tracing values but is never canceled by the machine.
//
// Run is the state's main behavior. Its context is the activation's
// cancellation signal: once it is done, Run must return promptly. Any wait
// inside Run (I/O, timers, channels) should also select on ctx.Done().
type State interface {
	Name() string
	OnEnter(ctx context.Context) error
	OnExit(ctx context.Context) error
	Run(ctx context.Context) error
}

// Transitioner is the narrow capability handed to states so they can ask the
// machine for the next transition. RequestTransition only records the request;
// the hand-off itself happens later on the machine's dispatcher, through the
// same serialized path as TransitionTo.
type Transitioner interface {
	RequestTransition(next State) error
}

// Activation describes one state occupying the machine, from its OnEnter to
// the end of its Run loop. Values are immutable snapshots.
type Activation struct {
	// ID uniquely identifies the activation.
	ID uuid.UUID
	// Sequence increases by one with every activation of the same machine,
	// starting at 1 for the initial state.
	Sequence uint64
	// State is the state instance that was activated.
	State State
	// EnteredAt is the time the activation became current.
	EnteredAt time.Time
}

// StateName returns the name of the activated state, or "" for the zero value.
func (a Activation) StateName() string {
	return stateName(a.State)
}

// Predicate is evaluated against the current state by the wait helpers.
// The state is nil while the machine is not started or after it stopped.
type Predicate func(State) bool

// NameIs returns a Predicate matching states with the given name.
func NameIs(name string) Predicate {
	return func(s State) bool {
		return s != nil && s.Name() == name
	}
}

// Phase is the lifecycle phase of a Machine.
type Phase int32

const (
	// PhaseNotStarted is the phase of a freshly constructed machine.
	PhaseNotStarted Phase = iota
	// PhaseActive is entered by Start; exactly one state is current.
	PhaseActive
	// PhaseStopped is terminal. A stopped machine cannot be restarted.
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func stateName(s State) string {
	if s == nil {
		return ""
	}

	return s.Name()
}

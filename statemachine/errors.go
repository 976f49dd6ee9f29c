package statemachine

import (
	"errors"
	"fmt"
)

// Misuse errors. These are the only errors the machine returns to callers;
// everything raised by states themselves is contained.
var (
	// ErrNotStarted is returned by TransitionTo and Stop before Start.
	ErrNotStarted = errors.New("state machine not started")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("state machine already started")
	// ErrStopped is returned by operations on a stopped machine.
	ErrStopped = errors.New("state machine stopped")
	// ErrNilState is returned when a nil State is passed in.
	ErrNilState = errors.New("state must not be nil")
	// ErrNotActive is returned by RequestTransition when no state is active.
	ErrNotActive = errors.New("state machine is not active")
)

// Errors reported to the ErrorPolicy.
var (
	// ErrJoinTimeout is reported when a Run loop did not honor cancellation
	// within the JoinPolicy's timeout and was abandoned.
	ErrJoinTimeout = errors.New("run loop did not return after cancellation")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid state machine configuration")
)

// MachineError wraps a misuse error with the operation that raised it.
type MachineError struct {
	Op  string
	Err error
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("statemachine %s: %v", e.Op, e.Err)
}

func (e *MachineError) Unwrap() error {
	return e.Err
}

func misuse(op string, err error) error {
	return &MachineError{Op: op, Err: err}
}

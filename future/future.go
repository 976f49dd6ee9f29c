// Package future provides a minimal Future/Promise pair for handing the
// outcome of a background computation to whoever needs to wait for it.
//
// The state machine uses a Future as the handle of each activation's run loop:
// the scheduler goroutine completes the Promise when the run loop returns, and
// the transition sequencer awaits the Future during the join step.
package future

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrPanicRecovered is wrapped by every error produced from a recovered panic.
var ErrPanicRecovered = errors.New("recovered from panic")

// Result bundles a value together with the error produced alongside it.
type Result[T any] struct {
	Value T
	Error error
}

// Get unpacks the result into Go's usual (value, error) pair.
func (r Result[T]) Get() (T, error) { //nolint:ireturn
	if r.Error != nil {
		var zero T

		return zero, r.Error
	}

	return r.Value, nil
}

// Future is the read-only side of an asynchronous computation.
//
// A Future is completed exactly once by its Promise. Any number of goroutines
// may wait on it concurrently; all of them observe the same Result.
type Future[T any] struct {
	once        sync.Once
	resultReady chan struct{}
	result      Result[T]

	mu        sync.Mutex
	callbacks []func(Result[T])
}

// New creates an uncompleted Future and the Promise that completes it.
func New[T any]() (*Future[T], *Promise[T]) {
	fut := &Future[T]{
		resultReady: make(chan struct{}),
	}

	return fut, &Promise[T]{future: fut}
}

// Completed returns a Future that is already resolved with the given outcome.
func Completed[T any](value T, err error) *Future[T] {
	fut, promise := New[T]()
	promise.Complete(value, err)

	return fut
}

// Go runs f in a new goroutine and returns a Future for its outcome.
// A panic inside f is recovered and surfaces as an error wrapping
// ErrPanicRecovered, with the stack trace attached.
func Go[T any](f func() (T, error)) *Future[T] {
	fut, promise := New[T]()

	go func() {
		promise.Complete(Run(f))
	}()

	return fut
}

// Run invokes f on the calling goroutine and converts a panic into an error.
// It is the building block used by schedulers that own their goroutines.
func Run[T any](f func() (T, error)) (value T, err error) { //nolint:ireturn
	defer func() {
		if r := recover(); r != nil {
			var zero T

			value = zero
			err = PanicError(r, debug.Stack())
		}
	}()

	return f()
}

// PanicError converts a recovered panic value into an error.
func PanicError(recovered any, stack []byte) error {
	if recovered == nil {
		return nil
	}

	if asErr, ok := recovered.(error); ok {
		if stack != nil {
			return fmt.Errorf("%w: %w\nstack trace:\n%s", ErrPanicRecovered, asErr, string(stack))
		}

		return fmt.Errorf("%w: %w", ErrPanicRecovered, asErr)
	}

	if stack != nil {
		return fmt.Errorf("%w: %v\nstack trace:\n%s", ErrPanicRecovered, recovered, string(stack))
	}

	return fmt.Errorf("%w: %v", ErrPanicRecovered, recovered)
}

// Done returns a channel that is closed once the Future has been completed.
// It is meant for use in select statements.
func (f *Future[T]) Done() <-chan struct{} {
	return f.resultReady
}

// IsDone reports whether the Future has been completed, without blocking.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.resultReady:
		return true
	default:
		return false
	}
}

// Await blocks until the Future is completed and returns its outcome.
func (f *Future[T]) Await() (T, error) { //nolint:ireturn
	<-f.resultReady

	return f.result.Get()
}

// AwaitContext blocks until the Future is completed or ctx is done.
// When ctx wins, ctx.Err() is returned and the Future keeps running.
func (f *Future[T]) AwaitContext(ctx context.Context) (T, error) { //nolint:ireturn
	select {
	case <-f.resultReady:
		return f.result.Get()
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}

// Result returns the full outcome if the Future is completed.
// The boolean is false while the computation is still running.
func (f *Future[T]) Result() (Result[T], bool) {
	if !f.IsDone() {
		return Result[T]{}, false
	}

	return f.result, true
}

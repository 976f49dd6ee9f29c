package future

// Promise is the write-only side of an asynchronous computation.
//
// Key guarantees:
//   - A promise can only be fulfilled once (later calls are ignored)
//   - Fulfillment is safe from any goroutine
//   - Fulfilling a promise unblocks every goroutine waiting on the future
//
// The promise holds a reference to the future, not the other way around, so
// futures can be passed around without exposing the ability to complete them.
type Promise[T any] struct {
	future *Future[T]
}

// fulfill stores the result, broadcasts completion by closing the ready
// channel and hands the result to every registered callback.
//
// The mutex is held while closing the channel so that OnResult cannot register
// a callback in between the close and the callback snapshot.
func (p *Promise[T]) fulfill(result Result[T]) {
	p.future.once.Do(func() {
		p.future.result = result

		p.future.mu.Lock()
		close(p.future.resultReady)

		callbacks := p.future.callbacks
		p.future.callbacks = nil
		p.future.mu.Unlock()

		for _, callback := range callbacks {
			invokeCallback("OnResult", callback, result)
		}
	})
}

// Success fulfills the promise with a successful value.
func (p *Promise[T]) Success(value T) {
	p.fulfill(Result[T]{Value: value})
}

// Failure fulfills the promise with an error. The value is the zero value of T.
func (p *Promise[T]) Failure(err error) {
	var zero T

	p.fulfill(Result[T]{Value: zero, Error: err})
}

// Complete fulfills the promise from a (value, error) pair, matching Go's
// usual return convention.
//
// Behavior:
//   - If err != nil: calls Failure(err), ignoring the value
//   - If err == nil: calls Success(value)
func (p *Promise[T]) Complete(value T, err error) {
	if err != nil {
		p.Failure(err)
	} else {
		p.Success(value)
	}
}

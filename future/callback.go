package future

import (
	"runtime/debug"

	"github.com/amp-labs/amp-fsm/logger"
)

// OnResult registers a callback that receives the outcome once the Future
// completes. If the Future is already complete the callback is scheduled
// immediately. Callbacks run on their own goroutine; a panicking callback is
// logged and otherwise ignored.
func (f *Future[T]) OnResult(callback func(Result[T])) {
	if callback == nil {
		return
	}

	f.mu.Lock()

	select {
	case <-f.resultReady:
		f.mu.Unlock()
		invokeCallback("OnResult", callback, f.result)

		return
	default:
	}

	f.callbacks = append(f.callbacks, callback)
	f.mu.Unlock()
}

// invokeCallback invokes a callback in a separate goroutine with panic recovery
// and logging, so that user callbacks never block promise fulfillment.
func invokeCallback[T any](kind string, callback func(T), value T) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Get().Error("panic encountered in future."+kind+" callback",
					"error", PanicError(r, debug.Stack()))
			}
		}()

		callback(value)
	}()
}

// Package shutdown coordinates process shutdown: hosts register hooks (stop
// the state machine, drain the worker pool, flush telemetry) that run once a
// termination signal arrives or Shutdown is called.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type hook struct {
	id int
	fn func()
}

var (
	mut     sync.Mutex     //nolint:gochecknoglobals
	hooks   []hook         //nolint:gochecknoglobals
	nextID  int            //nolint:gochecknoglobals
	channel chan os.Signal //nolint:gochecknoglobals
)

// BeforeShutdown registers a function to be called before the shutdown
// context is canceled. Hooks run in reverse registration order, so resources
// acquired later are released first. The returned function unregisters the
// hook; calling it after shutdown is harmless.
func BeforeShutdown(h func()) (unregister func()) {
	mut.Lock()
	defer mut.Unlock()

	nextID++
	id := nextID

	hooks = append(hooks, hook{id: id, fn: h})

	return func() {
		mut.Lock()
		defer mut.Unlock()

		for i, registered := range hooks {
			if registered.id == id {
				hooks = append(hooks[:i], hooks[i+1:]...)

				return
			}
		}
	}
}

// Shutdown triggers the shutdown process programmatically. It is a no-op if
// SetupHandler has not been called.
func Shutdown() {
	mut.Lock()
	ch := channel
	mut.Unlock()

	if ch == nil {
		return
	}

	select {
	case ch <- os.Interrupt:
	default:
	}
}

// SetupHandler installs a SIGINT/SIGTERM handler and returns a context that is
// canceled, after all hooks have run, when the first signal is received.
func SetupHandler() context.Context {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	mut.Lock()
	channel = ch
	mut.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sig := <-ch

		slog.Warn("Received " + sig.String() + ", shutting down...")

		signal.Stop(ch)

		mut.Lock()
		channel = nil
		mut.Unlock()

		cleanup()
		cancel()
	}()

	return ctx
}

func cleanup() {
	mut.Lock()
	pending := hooks
	hooks = nil
	mut.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].fn()
	}
}

package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A request queued before Stop must never be applied after it, even when the
// dispatcher is already waiting to apply it.
func TestStop_DiscardsQueuedRequest(t *testing.T) {
	t.Parallel()

	machine := New(WithName("stop-queued"), WithLogger(NewDefaultLogger(discardLogger())))
	sub := machine.Subscribe()

	var nextEntered, busyExited int

	next := &StateFuncs{
		StateName: "Next",
		EnterFunc: func(context.Context) error {
			nextEntered++

			return nil
		},
	}

	request := make(chan struct{})
	requested := make(chan error, 1)

	busy := &StateFuncs{
		StateName: "Busy",
		ExitFunc: func(context.Context) error {
			busyExited++

			return nil
		},
		RunFunc: func(ctx context.Context) error {
			select {
			case <-request:
				requested <- machine.Transitioner().RequestTransition(next)
			case <-ctx.Done():
				return ctx.Err()
			}

			<-ctx.Done()

			return ctx.Err()
		},
	}

	require.NoError(t, machine.Start(busy))

	// Hold the transition lock so the dispatcher cannot apply the request
	// before the stop protocol runs.
	machine.transitionMu.Lock()

	close(request)
	require.NoError(t, <-requested)

	hooks := machine.stopLocked()
	machine.transitionMu.Unlock()

	assert.Empty(t, hooks)

	var names []string

	timeout := time.After(time.Second)

	for done := false; !done; {
		select {
		case activation, ok := <-sub.C():
			if !ok {
				done = true

				break
			}

			names = append(names, activation.StateName())
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}

	assert.Equal(t, []string{"Busy"}, names)

	// Give the dispatcher a chance to act on the stale request.
	time.Sleep(20 * time.Millisecond)

	machine.transitionMu.Lock()
	assert.Equal(t, 0, nextEntered)
	assert.Equal(t, 1, busyExited)
	machine.transitionMu.Unlock()

	assert.Nil(t, machine.CurrentState())
	assert.Equal(t, PhaseStopped, machine.Phase())
}

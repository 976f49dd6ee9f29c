package testing

import (
	"context"
	"testing"
	"time"

	"github.com/amp-labs/amp-fsm/statemachine"
	"github.com/neilotoole/slogt"
)

// NewMachine creates a machine whose logs go to t.Log. The machine is stopped
// when the test ends if the test did not stop it.
func NewMachine(t *testing.T, opts ...statemachine.Option) *statemachine.Machine {
	t.Helper()

	all := append([]statemachine.Option{
		statemachine.WithName(t.Name()),
		statemachine.WithLogger(statemachine.NewDefaultLogger(slogt.New(t))),
	}, opts...)

	machine := statemachine.New(all...)

	t.Cleanup(func() {
		if machine.Phase() == statemachine.PhaseActive {
			_ = machine.Stop()
		}
	})

	return machine
}

// Collect drains sub until its channel closes or timeout elapses. The boolean
// reports whether the channel was closed.
func Collect(sub *statemachine.Subscription, timeout time.Duration) ([]statemachine.Activation, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var out []statemachine.Activation

	for {
		select {
		case activation, ok := <-sub.C():
			if !ok {
				return out, true
			}

			out = append(out, activation)
		case <-ctx.Done():
			return out, false
		}
	}
}

// Take receives exactly n activations from sub, or fewer if the channel
// closes or timeout elapses first.
func Take(sub *statemachine.Subscription, n int, timeout time.Duration) []statemachine.Activation {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	out := make([]statemachine.Activation, 0, n)

	for len(out) < n {
		select {
		case activation, ok := <-sub.C():
			if !ok {
				return out
			}

			out = append(out, activation)
		case <-timer.C:
			return out
		}
	}

	return out
}

// Names returns the state names of the activations, in order.
func Names(activations []statemachine.Activation) []string {
	out := make([]string, len(activations))

	for i, activation := range activations {
		out[i] = activation.StateName()
	}

	return out
}

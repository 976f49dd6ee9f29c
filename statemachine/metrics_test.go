package statemachine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMetricsExit = errors.New("exit failed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Each test uses its own machine name, so the global metrics can be read per
// test without resetting them.
func TestTransitionMetrics(t *testing.T) {
	t.Parallel()

	const name = "metrics-transitions"

	machine := New(WithName(name), WithLogger(NewDefaultLogger(discardLogger())))

	require.NoError(t, machine.Start(BaseState{StateName: "Idle"}))
	require.NoError(t, machine.TransitionTo(BaseState{StateName: "Connecting"}))

	assert.InDelta(t, 1, testutil.ToFloat64(transitionsTotal.WithLabelValues(name, "none", "Idle")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(transitionsTotal.WithLabelValues(name, "Idle", "Connecting")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(activeState.WithLabelValues(name, "Idle")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(activeState.WithLabelValues(name, "Connecting")), 0)

	require.NoError(t, machine.Stop())

	assert.InDelta(t, 0, testutil.ToFloat64(activeState.WithLabelValues(name, "Connecting")), 0)
}

func TestFailureMetrics(t *testing.T) {
	t.Parallel()

	const name = "metrics-failures"

	machine := New(WithName(name), WithErrorPolicy(ErrorPolicyFunc(func(context.Context, Failure) {})))

	broken := &StateFuncs{
		StateName: "Broken",
		ExitFunc:  func(context.Context) error { return errMetricsExit },
	}

	require.NoError(t, machine.Start(broken))
	require.NoError(t, machine.Stop())

	assert.InDelta(t, 1, testutil.ToFloat64(failuresTotal.WithLabelValues(name, "Broken", "exit")), 0)
}

func TestAbandonedTaskMetrics(t *testing.T) {
	t.Parallel()

	const name = "metrics-abandoned"

	release := make(chan struct{})

	machine := New(
		WithName(name),
		WithJoinPolicy(BoundedJoin(10*time.Millisecond)),
		WithErrorPolicy(ErrorPolicyFunc(func(context.Context, Failure) {})),
	)

	stubborn := &StateFuncs{
		StateName: "Stubborn",
		RunFunc: func(context.Context) error {
			<-release

			return nil
		},
	}

	require.NoError(t, machine.Start(stubborn))
	require.NoError(t, machine.Stop())

	assert.InDelta(t, 1, testutil.ToFloat64(abandonedTasks.WithLabelValues(name)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(failuresTotal.WithLabelValues(name, "Stubborn", "join_timeout")), 0)

	close(release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(abandonedTasks.WithLabelValues(name)) == 0
	}, time.Second, time.Millisecond)
}

func TestSanitizeState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", sanitizeState(""))
	assert.Equal(t, "Idle", sanitizeState("Idle"))
}

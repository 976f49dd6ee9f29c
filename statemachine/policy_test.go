package statemachine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/amp-labs/amp-fsm/bgworker"
	"github.com/amp-labs/amp-fsm/future"
	"github.com/amp-labs/amp-fsm/statemachine"
	smtest "github.com/amp-labs/amp-fsm/statemachine/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errEnter    = errors.New("enter failed")
	errExit     = errors.New("exit failed")
	errRun      = errors.New("run failed")
	errSchedule = errors.New("scheduler unavailable")
)

func TestBoundedJoin_AbandonsStubbornRunLoop(t *testing.T) {
	t.Parallel()

	failures := &failureLog{}
	machine := smtest.NewMachine(t,
		statemachine.WithJoinPolicy(statemachine.BoundedJoin(50*time.Millisecond)),
		statemachine.WithErrorPolicy(failures),
	)

	release := make(chan struct{})
	stubborn := smtest.NewRecordingState("Stubborn", nil)
	stubborn.Block = release

	next := smtest.NewRecordingState("Next", nil)

	require.NoError(t, machine.Start(stubborn))

	start := time.Now()

	require.NoError(t, machine.TransitionTo(next))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "Next", machine.CurrentState().Name())
	assert.Equal(t, 1, stubborn.Exits())
	assert.Equal(t, 1, machine.AbandonedTasks())

	all := failures.All()
	require.Len(t, all, 1)
	assert.Equal(t, statemachine.FailureJoinTimeout, all[0].Kind)
	assert.Equal(t, "Stubborn", all[0].Activation.StateName())
	require.ErrorIs(t, all[0].Err, statemachine.ErrJoinTimeout)

	close(release)

	require.Eventually(t, func() bool {
		return machine.AbandonedTasks() == 0
	}, eventually, time.Millisecond)
}

func TestUnboundedJoin_WaitsForRunLoop(t *testing.T) {
	t.Parallel()

	machine := smtest.NewMachine(t, statemachine.WithJoinPolicy(statemachine.UnboundedJoin()))

	release := make(chan struct{})
	slow := smtest.NewRecordingState("Slow", nil)
	slow.Block = release

	require.NoError(t, machine.Start(slow))

	done := make(chan struct{})

	go func() {
		defer close(done)

		assert.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))
	}()

	select {
	case <-done:
		t.Fatal("transition must wait for the outgoing run loop")
	case <-time.After(50 * time.Millisecond):
	}

	// Readers are not blocked by the join.
	assert.Equal(t, "Slow", machine.CurrentState().Name())

	close(release)

	select {
	case <-done:
	case <-time.After(eventually):
		t.Fatal("transition did not complete after release")
	}

	assert.Equal(t, 0, machine.AbandonedTasks())
}

func TestHookFailuresAreContained(t *testing.T) {
	t.Parallel()

	failures := &failureLog{}
	machine := smtest.NewMachine(t, statemachine.WithErrorPolicy(failures))

	broken := smtest.NewRecordingState("Broken", nil)
	broken.EnterErr = errEnter
	broken.ExitErr = errExit

	require.NoError(t, machine.Start(broken))

	// Run still starts after a failed OnEnter.
	require.Eventually(t, func() bool { return broken.Runs() == 1 }, eventually, time.Millisecond)

	require.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))

	assert.Equal(t, []statemachine.FailureKind{
		statemachine.FailureEnter,
		statemachine.FailureExit,
	}, failures.Kinds())

	all := failures.All()
	require.ErrorIs(t, all[0].Err, errEnter)
	require.ErrorIs(t, all[1].Err, errExit)
	assert.Equal(t, "Next", machine.CurrentState().Name())
}

func TestRunFailureIsReportedAtJoin(t *testing.T) {
	t.Parallel()

	failures := &failureLog{}
	machine := smtest.NewMachine(t, statemachine.WithErrorPolicy(failures))

	failing := smtest.NewRecordingState("Failing", nil)
	failing.RunErr = errRun

	require.NoError(t, machine.Start(failing))
	require.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))

	all := failures.All()
	require.Len(t, all, 1)
	assert.Equal(t, statemachine.FailureRun, all[0].Kind)
	require.ErrorIs(t, all[0].Err, errRun)
	assert.Equal(t, 1, failing.Exits())
}

func TestPanicsAreContained(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		event smtest.Event
		kind  statemachine.FailureKind
	}{
		{smtest.EventEnter, statemachine.FailureEnter},
		{smtest.EventRunStart, statemachine.FailureRun},
		{smtest.EventExit, statemachine.FailureExit},
	} {
		t.Run(string(tc.event), func(t *testing.T) {
			t.Parallel()

			failures := &failureLog{}
			machine := smtest.NewMachine(t, statemachine.WithErrorPolicy(failures))

			panicky := smtest.NewRecordingState("Panicky", nil)
			panicky.PanicOn = tc.event

			require.NoError(t, machine.Start(panicky))
			require.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))
			require.NoError(t, machine.Stop())

			all := failures.All()
			require.Len(t, all, 1)
			assert.Equal(t, tc.kind, all[0].Kind)
			require.ErrorIs(t, all[0].Err, future.ErrPanicRecovered)
			assert.Contains(t, all[0].Err.Error(), "Panicky panicked")
		})
	}
}

type failingScheduler struct{}

func (failingScheduler) Schedule(context.Context, func()) error {
	return errSchedule
}

func TestScheduleFailure(t *testing.T) {
	t.Parallel()

	failures := &failureLog{}
	machine := smtest.NewMachine(t,
		statemachine.WithScheduler(failingScheduler{}),
		statemachine.WithErrorPolicy(failures),
	)

	idle := smtest.NewRecordingState("Idle", nil)

	require.NoError(t, machine.Start(idle))
	require.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))

	assert.Equal(t, 0, idle.Runs())
	assert.Equal(t, 1, idle.Exits())
	assert.Equal(t, []statemachine.FailureKind{
		statemachine.FailureSchedule,
		statemachine.FailureSchedule,
	}, failures.Kinds())
	require.ErrorIs(t, failures.All()[0].Err, errSchedule)
}

func TestErrorPolicyPanicIsContained(t *testing.T) {
	t.Parallel()

	var calls int

	policy := statemachine.ErrorPolicyFunc(func(context.Context, statemachine.Failure) {
		calls++

		panic("policy exploded")
	})

	machine := smtest.NewMachine(t, statemachine.WithErrorPolicy(policy))

	broken := smtest.NewRecordingState("Broken", nil)
	broken.EnterErr = errEnter

	require.NoError(t, machine.Start(broken))
	require.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "Next", machine.CurrentState().Name())
}

func TestPoolScheduler(t *testing.T) {
	t.Parallel()

	scheduler := bgworker.NewScheduler("statemachine-test", 2)
	probe := &smtest.ConcurrencyProbe{}

	machine := smtest.NewMachine(t,
		statemachine.WithScheduler(scheduler),
		statemachine.WithStopHook(scheduler.Stop),
	)

	newState := func(name string) *smtest.RecordingState {
		state := smtest.NewRecordingState(name, nil)
		state.Probe = probe

		return state
	}

	require.NoError(t, machine.Start(newState("A")))
	require.NoError(t, machine.TransitionTo(newState("B")))
	require.NoError(t, machine.TransitionTo(newState("C")))

	require.Eventually(t, func() bool { return probe.Current() == 1 }, eventually, time.Millisecond)

	require.NoError(t, machine.Stop())

	assert.Equal(t, 1, probe.Peak())
	assert.True(t, scheduler.Stopped())
}

func TestDefaultLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	machine := smtest.NewMachine(t, statemachine.WithLogger(statemachine.NewDefaultLogger(log)))

	broken := smtest.NewRecordingState("Broken", nil)
	broken.ExitErr = errExit

	require.NoError(t, machine.Start(broken))
	require.NoError(t, machine.TransitionTo(smtest.NewRecordingState("Next", nil)))
	require.NoError(t, machine.Stop())

	var messages []string

	failureLogged := false

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]any

		require.NoError(t, json.Unmarshal([]byte(line), &record))

		msg, _ := record["msg"].(string)
		messages = append(messages, msg)

		if msg == "State failure contained" {
			failureLogged = true

			assert.Equal(t, "ERROR", record["level"])
			assert.Equal(t, "exit", record["kind"])
			assert.Equal(t, "exit failed", record["error"])
		}
	}

	assert.True(t, failureLogged)
	assert.Contains(t, messages, "State entered")
	assert.Contains(t, messages, "State exited")
	assert.Contains(t, messages, "Transition executed")
}

func TestFailureKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "enter", statemachine.FailureEnter.String())
	assert.Equal(t, "join_timeout", statemachine.FailureJoinTimeout.String())
	assert.Equal(t, "unknown", statemachine.FailureKind(0).String())
	assert.Equal(t, "stopped", statemachine.PhaseStopped.String())
}

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amp-labs/amp-fsm/statemachine"
	smtest "github.com/amp-labs/amp-fsm/statemachine/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

var errPromptClosed = errors.New("prompt closed")

func fastConfig() simConfig {
	return simConfig{
		ConnectDelay:   time.Millisecond,
		SessionLength:  5 * time.Millisecond,
		ReconnectDelay: time.Millisecond,
		ReconnectMax:   4 * time.Millisecond,
	}
}

type failures struct {
	kinds chan statemachine.FailureKind
}

func (f failures) HandleFailure(_ context.Context, failure statemachine.Failure) {
	select {
	case f.kinds <- failure.Kind:
	default:
	}
}

func TestSimulatorCycle(t *testing.T) {
	t.Parallel()

	machine := smtest.NewMachine(t)
	sim := newSimulator(fastConfig(), machine.Transitioner())
	sub := machine.Subscribe()

	require.NoError(t, machine.Start(sim.state(stateIdle)))

	events := smtest.Take(sub, 5, eventually)
	assert.Equal(t, []string{
		stateIdle, stateConnecting, stateConnected, stateDisconnected, stateConnecting,
	}, smtest.Names(events))
	assert.GreaterOrEqual(t, sim.attempts.Load(), int64(2))
}

func TestSimulatorFailedAttempt(t *testing.T) {
	t.Parallel()

	reported := failures{kinds: make(chan statemachine.FailureKind, 1)}
	machine := smtest.NewMachine(t, statemachine.WithErrorPolicy(reported))

	cfg := fastConfig()
	cfg.FailEvery = 1

	sim := newSimulator(cfg, machine.Transitioner())
	sub := machine.Subscribe()

	require.NoError(t, machine.Start(sim.state(stateConnecting)))

	events := smtest.Take(sub, 2, eventually)
	assert.Equal(t, []string{stateConnecting, stateDisconnected}, smtest.Names(events))

	select {
	case kind := <-reported.kinds:
		assert.Equal(t, statemachine.FailureRun, kind)
	case <-time.After(eventually):
		t.Fatal("failed attempt was not reported")
	}

	assert.GreaterOrEqual(t, sim.failures.Load(), uint64(1))
}

func TestSimulatorWithoutTransitionerStays(t *testing.T) {
	t.Parallel()

	machine := smtest.NewMachine(t)
	sim := newSimulator(fastConfig(), nil)

	require.NoError(t, machine.Start(sim.state(stateIdle)))

	assert.False(t, machine.WaitUntil(statemachine.NameIs(stateConnecting), 50*time.Millisecond))
	assert.Nil(t, sim.state("Bogus"))
}

type scriptedSelector struct {
	answers []string
	labels  []string
}

func (s *scriptedSelector) Select(label string, _ ...string) (string, error) {
	s.labels = append(s.labels, label)

	if len(s.answers) == 0 {
		return "", errPromptClosed
	}

	answer := s.answers[0]
	s.answers = s.answers[1:]

	return answer, nil
}

func TestStep(t *testing.T) {
	t.Parallel()

	machine := smtest.NewMachine(t)
	sim := newSimulator(fastConfig(), nil)

	require.NoError(t, machine.Start(sim.state(stateIdle)))

	term := &scriptedSelector{answers: []string{stateConnected, choiceQuit}}

	done, err := step(machine, sim, term)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, stateConnected, machine.CurrentState().Name())

	done, err = step(machine, sim, term)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = step(machine, sim, term)
	require.ErrorIs(t, err, errPromptClosed)

	assert.Equal(t, []string{
		"Next state (now Idle)",
		"Next state (now Connected)",
		"Next state (now Connected)",
	}, term.labels)

	require.NoError(t, machine.Stop())

	term.answers = []string{stateIdle}

	done, err = step(machine, sim, term)
	require.NoError(t, err)
	assert.True(t, done)
}

//nolint:paralleltest // t.Setenv
func TestLoadConfig(t *testing.T) {
	t.Setenv("CONNSIM_CONNECT_DELAY", "20ms")
	t.Setenv("FSM_NAME", "from-env")

	sim, machine, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, sim.ConnectDelay)
	assert.Equal(t, ":9090", sim.MetricsAddr)
	assert.Equal(t, "from-env", machine.Name)

	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\njoinTimeout: 1s\n"), 0o600))

	_, machine, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", machine.Name)
	assert.Equal(t, time.Second, machine.JoinTimeout)

	t.Setenv("CONNSIM_SESSION_LENGTH", "0s")

	_, _, err = loadConfig("")
	require.ErrorIs(t, err, errInvalidTiming)
}

//nolint:paralleltest // modifies the process environment
func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	require.NoError(t, os.WriteFile(path, []byte("CONNSIM_TEST_VALUE=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CONNSIM_TEST_VALUE") })

	require.NoError(t, loadEnvFiles(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "loaded", os.Getenv("CONNSIM_TEST_VALUE"))
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/amp-labs/amp-fsm/shutdown"
	"github.com/amp-labs/amp-fsm/statemachine"
	"github.com/manifoldco/promptui"
)

const choiceQuit = "[Quit]"

// selector is the part of cli.Terminal the driver needs.
type selector interface {
	Select(label string, choices ...string) (string, error)
}

// drive lets the operator pick the next state until they quit, the prompt
// is interrupted or the machine stops. Quitting shuts the process down.
func drive(ctx context.Context, machine *statemachine.Machine, states *simulator, term selector) {
	defer shutdown.Shutdown()

	for ctx.Err() == nil {
		done, err := step(machine, states, term)
		if err != nil {
			if !errors.Is(err, promptui.ErrInterrupt) && !errors.Is(err, promptui.ErrEOF) {
				slog.Error("Prompt failed", "error", err)
			}

			return
		}

		if done {
			return
		}
	}
}

// step asks for one next state and applies it. It reports true when the
// operator is done.
func step(machine *statemachine.Machine, states *simulator, term selector) (bool, error) {
	label := "Next state"
	if current := machine.CurrentState(); current != nil {
		label += " (now " + current.Name() + ")"
	}

	choice, err := term.Select(label, append(slices.Clone(stateNames), choiceQuit)...)
	if err != nil {
		return false, err
	}

	if choice == choiceQuit {
		return true, nil
	}

	if err := machine.TransitionTo(states.state(choice)); err != nil {
		if errors.Is(err, statemachine.ErrStopped) {
			return true, nil
		}

		return false, err
	}

	return false, nil
}

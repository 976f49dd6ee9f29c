package cli

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrNoChoices is returned by Select when there is nothing to pick from.
var ErrNoChoices = errors.New("no choices")

// Terminal carries the streams prompts read from and write to.
type Terminal struct {
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// StdTerminal uses the process's standard streams.
func StdTerminal() Terminal {
	return Terminal{Stdin: os.Stdin, Stdout: os.Stdout}
}

// PromptConfirm asks a yes/no question. An answer other than yes is false.
func (t Terminal) PromptConfirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Stdin:     t.Stdin,
		Stdout:    t.Stdout,
	}

	_, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// Select lets the operator pick one of choices, with prefix search.
func (t Terminal) Select(label string, choices ...string) (string, error) {
	if len(choices) == 0 {
		return "", ErrNoChoices
	}

	sel := &promptui.Select{
		Label: label,
		Items: choices,
		Searcher: func(input string, index int) bool {
			return strings.HasPrefix(strings.ToLower(choices[index]), strings.ToLower(input))
		},
		Stdin:  t.Stdin,
		Stdout: t.Stdout,
	}

	_, value, err := sel.Run()

	return value, err
}

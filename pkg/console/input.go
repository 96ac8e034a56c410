//go:build !js && !wasm

package console

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/gobbyhq/gobby/pkg/tty"
)

// PromptInput shows an interactive text input prompt using huh.
func PromptInput(title, description, placeholder string) (string, error) {
	if !tty.IsStderrTerminal() {
		return "", fmt.Errorf("interactive input not available (not a TTY)")
	}

	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				Placeholder(placeholder).
				Value(&value),
		),
	).WithAccessible(IsAccessibleMode())

	if err := form.Run(); err != nil {
		return "", err
	}
	return value, nil
}

// PromptSecretInput shows a masked input prompt for credentials.
func PromptSecretInput(title, description string) (string, error) {
	if !tty.IsStderrTerminal() {
		return "", fmt.Errorf("interactive input not available (not a TTY)")
	}

	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if len(s) == 0 {
						return fmt.Errorf("value cannot be empty")
					}
					return nil
				}).
				Value(&value),
		),
	).WithAccessible(IsAccessibleMode())

	if err := form.Run(); err != nil {
		return "", err
	}
	return value, nil
}

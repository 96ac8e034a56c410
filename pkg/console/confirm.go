//go:build !js && !wasm

package console

import (
	"github.com/charmbracelet/huh"
)

// ConfirmAction shows an interactive confirmation dialog using huh. Returns
// true only when the user confirms.
func ConfirmAction(title, affirmative, negative string) (bool, error) {
	var confirmed bool

	confirmForm := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative(affirmative).
				Negative(negative).
				Value(&confirmed),
		),
	).WithAccessible(IsAccessibleMode())

	if err := confirmForm.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

//go:build !js && !wasm

package styles

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func paletteColors() map[string]lipgloss.AdaptiveColor {
	return map[string]lipgloss.AdaptiveColor{
		"ColorError":       ColorError,
		"ColorWarning":     ColorWarning,
		"ColorSuccess":     ColorSuccess,
		"ColorInfo":        ColorInfo,
		"ColorAccent":      ColorAccent,
		"ColorMuted":       ColorMuted,
		"ColorForeground":  ColorForeground,
		"ColorBorder":      ColorBorder,
		"ColorTableAltRow": ColorTableAltRow,
	}
}

// TestAdaptiveColorsHaveBothVariants verifies every palette color defines a
// distinct light and dark variant.
func TestAdaptiveColorsHaveBothVariants(t *testing.T) {
	for name, color := range paletteColors() {
		t.Run(name, func(t *testing.T) {
			if color.Light == "" {
				t.Errorf("%s has empty Light variant", name)
			}
			if color.Dark == "" {
				t.Errorf("%s has empty Dark variant", name)
			}
			if color.Light == color.Dark {
				t.Errorf("%s has identical Light and Dark variants: %s", name, color.Light)
			}
		})
	}
}

// TestColorFormats verifies all color values are #RRGGBB hex.
func TestColorFormats(t *testing.T) {
	isValidHex := func(s string) bool {
		if len(s) != 7 || s[0] != '#' {
			return false
		}
		for _, c := range s[1:] {
			if (c < '0' || c > '9') && (c < 'A' || c > 'F') && (c < 'a' || c > 'f') {
				return false
			}
		}
		return true
	}

	for name, color := range paletteColors() {
		if !isValidHex(color.Light) {
			t.Errorf("%s.Light is not a valid hex color: %s", name, color.Light)
		}
		if !isValidHex(color.Dark) {
			t.Errorf("%s.Dark is not a valid hex color: %s", name, color.Dark)
		}
	}
}

// TestStylesRenderText verifies the pre-configured styles keep the text they
// render.
func TestStylesRenderText(t *testing.T) {
	testText := "Hello World"
	styleSet := map[string]lipgloss.Style{
		"Error":       Error,
		"Warning":     Warning,
		"Success":     Success,
		"Info":        Info,
		"FilePath":    FilePath,
		"Phase":       Phase,
		"Prompt":      Prompt,
		"Verbose":     Verbose,
		"ListHeader":  ListHeader,
		"ListItem":    ListItem,
		"Header":      Header,
		"TableHeader": TableHeader,
		"TableCell":   TableCell,
		"TableTitle":  TableTitle,
		"TableBorder": TableBorder,
	}
	for name, style := range styleSet {
		t.Run(name, func(t *testing.T) {
			result := style.Render(testText)
			if len(result) < len(testText) {
				t.Errorf("style %s lost text: %q", name, result)
			}
		})
	}
}

// TestRoundedBorderShape pins the corner characters tables depend on.
func TestRoundedBorderShape(t *testing.T) {
	if RoundedBorder.TopLeft != "╭" {
		t.Errorf("RoundedBorder.TopLeft = %q, want ╭", RoundedBorder.TopLeft)
	}
	if RoundedBorder.BottomRight != "╯" {
		t.Errorf("RoundedBorder.BottomRight = %q, want ╯", RoundedBorder.BottomRight)
	}
}

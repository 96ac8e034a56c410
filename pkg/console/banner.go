//go:build !js && !wasm

package console

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gobbyhq/gobby/pkg/styles"
)

//go:embed assets/logo.txt
var bannerLogo string

// BannerStyle styles the ASCII banner.
var BannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(styles.ColorAccent)

// FormatBanner returns the ASCII logo, colored when stdout is a TTY.
func FormatBanner() string {
	logo := strings.TrimRight(bannerLogo, "\n")
	return applyStyle(BannerStyle, logo)
}

// PrintBanner prints the ASCII logo to stderr at command start.
func PrintBanner() {
	fmt.Fprintln(os.Stderr, FormatBanner())
	fmt.Fprintln(os.Stderr)
}

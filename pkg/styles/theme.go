//go:build !js && !wasm

// Package styles centralizes color and style definitions for terminal output.
//
// Colors use lipgloss.AdaptiveColor so every style carries a light and a dark
// variant and adapts to the terminal background. The dark palette leans on
// Dracula hues; the light palette uses darker, higher-contrast versions of
// the same colors.
package styles

import "github.com/charmbracelet/lipgloss"

// Adaptive palette.
var (
	// ColorError marks failures and blocked operations.
	ColorError = lipgloss.AdaptiveColor{
		Light: "#D73737",
		Dark:  "#FF5555",
	}

	// ColorWarning marks degraded upstreams and audit findings.
	ColorWarning = lipgloss.AdaptiveColor{
		Light: "#E67E22",
		Dark:  "#FFB86C",
	}

	// ColorSuccess marks healthy daemons and closed tasks.
	ColorSuccess = lipgloss.AdaptiveColor{
		Light: "#27AE60",
		Dark:  "#50FA7B",
	}

	// ColorInfo is the neutral informational accent.
	ColorInfo = lipgloss.AdaptiveColor{
		Light: "#2980B9",
		Dark:  "#8BE9FD",
	}

	// ColorAccent highlights file paths, phases and tool names.
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#8E44AD",
		Dark:  "#BD93F9",
	}

	// ColorMuted is for secondary text such as timestamps and counts.
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#6C7A89",
		Dark:  "#6272A4",
	}

	// ColorForeground is the primary text color.
	ColorForeground = lipgloss.AdaptiveColor{
		Light: "#2C3E50",
		Dark:  "#F8F8F2",
	}

	// ColorBorder frames tables and boxes.
	ColorBorder = lipgloss.AdaptiveColor{
		Light: "#BDC3C7",
		Dark:  "#44475A",
	}

	// ColorTableAltRow provides the zebra stripe in tables.
	ColorTableAltRow = lipgloss.AdaptiveColor{
		Light: "#F5F5F5",
		Dark:  "#1A1A1A",
	}
)

// RoundedBorder is the border style used for tables and boxes.
var RoundedBorder = lipgloss.RoundedBorder()

// Pre-configured styles.

// Error style for failures - bold red.
var Error = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorError)

// Warning style for cautionary output - bold orange.
var Warning = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWarning)

// Success style for confirmations - bold green.
var Success = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorSuccess)

// Info style for informational messages - bold cyan.
var Info = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorInfo)

// FilePath style for paths and locations - bold accent.
var FilePath = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorAccent)

// Phase style for workflow phase names - bold accent.
var Phase = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorAccent)

// Prompt style for interactive prompts - bold green.
var Prompt = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorSuccess)

// Verbose style for debug output - italic muted.
var Verbose = lipgloss.NewStyle().
	Italic(true).
	Foreground(ColorMuted)

// ListHeader style for section headers - bold underline green.
var ListHeader = lipgloss.NewStyle().
	Bold(true).
	Underline(true).
	Foreground(ColorSuccess)

// ListItem style for list entries.
var ListItem = lipgloss.NewStyle().
	Foreground(ColorForeground)

// Header style for section headers with a trailing blank line.
var Header = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorSuccess).
	MarginBottom(1)

// Table styles.

var TableHeader = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorMuted)

var TableCell = lipgloss.NewStyle().
	Foreground(ColorForeground)

var TableTitle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorSuccess)

var TableBorder = lipgloss.NewStyle().
	Foreground(ColorBorder)

// Tree styles for task hierarchies.

var TreeEnumerator = lipgloss.NewStyle().
	Foreground(ColorBorder)

var TreeNode = lipgloss.NewStyle().
	Foreground(ColorForeground)

// Package stringutil provides string helpers shared across the daemon:
// truncation, ANSI stripping, context sanitization and credential
// classification.
package stringutil

import "strings"

// Truncate truncates a string to a maximum length, adding "..." if truncated.
// If maxLen is 3 or less, the string is cut without the ellipsis.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// NormalizeWhitespace trims trailing whitespace from each line and ensures
// exactly one trailing newline. Keeps handoff documents and exported JSONL
// stable across rewrites.
func NormalizeWhitespace(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	normalized := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	if len(normalized) > 0 {
		normalized += "\n"
	}
	return normalized
}

package stringutil

import (
	"regexp"
	"strings"

	"github.com/gobbyhq/gobby/pkg/logger"
)

var sanitizeLog = logger.New("stringutil:sanitize")

var (
	// Uppercase snake_case identifiers that look like secret names
	// (MY_SECRET_KEY, API_TOKEN).
	secretNamePattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]*_[A-Z0-9_]+)\b`)

	// PascalCase identifiers with a security suffix (ApiKey, DeploySecret).
	pascalCaseSecretPattern = regexp.MustCompile(`\b([A-Z][a-z0-9]*(?:[A-Z][a-z0-9]*)*(?:Token|Key|Secret|Password|Credential|Auth))\b`)

	// Benign identifiers that match the snake_case pattern.
	commonEnvKeywords = map[string]bool{
		"SESSION_ID":      true,
		"TASK_ID":         true,
		"PROJECT_ID":      true,
		"EVENT_TYPE":      true,
		"TOOL_NAME":       true,
		"TOOL_INPUT":      true,
		"FILE_PATH":       true,
		"WORKING_DIR":     true,
		"TRANSCRIPT_PATH": true,
		"HOME":            true,
		"PATH":            true,
		"SHELL":           true,
		"ENV":             true,
	}
)

// RedactSecretNames removes likely secret key names from a message before it
// is logged or surfaced to a CLI, so the daemon does not leak details of a
// project's credential layout.
func RedactSecretNames(message string) string {
	if message == "" {
		return message
	}

	sanitized := secretNamePattern.ReplaceAllStringFunc(message, func(match string) string {
		if commonEnvKeywords[match] {
			return match
		}
		// Public gobby variables (GOBBY_DEBUG and friends) are not secrets.
		if strings.HasPrefix(match, "GOBBY_") {
			return match
		}
		sanitizeLog.Printf("Redacted snake_case secret pattern: %s", match)
		return "[REDACTED]"
	})

	sanitized = pascalCaseSecretPattern.ReplaceAllString(sanitized, "[REDACTED]")
	return sanitized
}

// SanitizeContext cleans a block of text before it is injected into a CLI
// conversation: ANSI escapes go, control characters (except newline and tab)
// go, and whitespace is normalized.
func SanitizeContext(text string) string {
	if text == "" {
		return text
	}
	cleaned := StripANSI(text)
	var b strings.Builder
	b.Grow(len(cleaned))
	for _, r := range cleaned {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), " \t\n")
}

// Package logger provides named, debug-gated loggers for internal diagnostics.
//
// Loggers are created per file with a hierarchical name such as
// "workflow:engine" and write to stderr only when enabled through the DEBUG
// environment variable. DEBUG accepts a comma-separated list of patterns with
// optional '*' suffix wildcards:
//
//	DEBUG=*                  enable everything
//	DEBUG=workflow:*         enable all workflow loggers
//	DEBUG=storage:tasks,mcp  enable two specific loggers
//
// A disabled logger discards output without formatting, so call sites can log
// freely on hot paths.
package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is a named diagnostic logger. The zero value is not usable; create
// instances with New.
type Logger struct {
	name    string
	enabled bool
	out     *log.Logger
}

var (
	patternsOnce sync.Once
	patterns     []string
)

// debugPatterns parses the DEBUG environment variable once.
func debugPatterns() []string {
	patternsOnce.Do(func() {
		raw := os.Getenv("DEBUG")
		if raw == "" {
			return
		}
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				patterns = append(patterns, p)
			}
		}
	})
	return patterns
}

// matches reports whether the logger name matches any enabled DEBUG pattern.
func matches(name string) bool {
	for _, p := range debugPatterns() {
		if p == "*" || p == name {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// New creates a named logger. The conventional name format is "package:file".
func New(name string) *Logger {
	return &Logger{
		name:    name,
		enabled: matches(name),
		out:     log.New(os.Stderr, fmt.Sprintf("[%s] ", name), log.LstdFlags|log.Lmicroseconds),
	}
}

// Enabled reports whether this logger emits output.
func (l *Logger) Enabled() bool { return l.enabled }

// Print logs its arguments in the manner of log.Print when enabled.
func (l *Logger) Print(v ...any) {
	if l.enabled {
		l.out.Print(v...)
	}
}

// Printf logs a formatted message when enabled.
func (l *Logger) Printf(format string, v ...any) {
	if l.enabled {
		l.out.Printf(format, v...)
	}
}

// Println logs its arguments in the manner of log.Println when enabled.
func (l *Logger) Println(v ...any) {
	if l.enabled {
		l.out.Println(v...)
	}
}

// slogHandler adapts a Logger to slog.Handler so SDKs that accept *slog.Logger
// can route their output through the same DEBUG gate.
type slogHandler struct {
	logger *Logger
	attrs  []slog.Attr
}

func (h *slogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return h.logger.enabled
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Level.String())
	b.WriteString(" ")
	b.WriteString(r.Message)
	appendAttr := func(a slog.Attr) {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	h.logger.Print(b.String())
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &slogHandler{logger: h.logger, attrs: merged}
}

func (h *slogHandler) WithGroup(_ string) slog.Handler { return h }

// NewSlogLoggerWithHandler wraps a Logger as a *slog.Logger.
func NewSlogLoggerWithHandler(l *Logger) *slog.Logger {
	return slog.New(&slogHandler{logger: l})
}

// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a structured logger on stdout appropriate for the
// environment. See New.
func NewLogger(env, level string) *slog.Logger {
	return New(os.Stdout, env, level)
}

// New creates a structured logger writing to w. Production uses JSON at
// Info, other environments human-readable text at Debug. A non-empty level
// ("debug", "info", "warn", "error") overrides the environment default.
// Every record carries service=fieldsync.
func New(w io.Writer, env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}

	if env == "production" {
		opts.Level = slog.LevelInfo
	}

	if lvl, ok := ParseLevel(level); ok {
		opts.Level = lvl
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("service", "fieldsync"))
}

// ParseLevel parses a level name. It reports false for an empty or
// unknown name.
func ParseLevel(s string) (slog.Level, bool) {
	if s == "" {
		return 0, false
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, false
	}

	return l, true
}

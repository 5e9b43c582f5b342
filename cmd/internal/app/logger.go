package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates the process logger on stderr and installs it as the
// slog default. Stdout is left to chat output.
//
// format is "json" (default) or "pretty"; pretty output is coloured only
// when stderr is a terminal.
func NewLogger(level, format string) *slog.Logger {
	color := term.IsTerminal(int(os.Stderr.Fd()))
	log := newLogger(os.Stderr, level, format, color)
	slog.SetDefault(log)
	return log
}

func newLogger(w io.Writer, level, format string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty", "text":
		h = newPrettyHandler(w, opts, color)
	default:
		opts.AddSource = true
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

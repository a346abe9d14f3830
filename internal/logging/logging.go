// Package logging constructs the daemon's shared structured logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New builds a JSON-handler logger writing to w at the given level.
// An empty level defaults to info.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level), AddSource: false})
	return slog.New(handler)
}

// ParseLevel maps a config/flag string to a slog.Level, defaulting to
// info for anything unrecognized.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

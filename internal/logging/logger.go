// Package logging sets up the daemon's structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level is the subset of slog levels exposed as a config string.
type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// ParseLevel converts a config string to a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// New builds a slog.Logger writing to w at the given level.
func New(level Level, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewFromConfigString is the config-string convenience wrapper around New,
// falling back to LevelInfo on an invalid string rather than failing daemon
// startup over a logging typo.
func NewFromConfigString(level string) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = LevelInfo
	}
	return New(lvl, os.Stdout)
}

// WithSession returns a child logger stamped with a session's identifying
// fields, so every log line from a connection's lifetime correlates without
// each call site repeating the attributes.
func WithSession(base *slog.Logger, clientID fmt.Stringer, databaseIdentity string) *slog.Logger {
	return base.With("client_id", clientID.String(), "database_identity", databaseIdentity)
}

// Package logging builds the structured slog.Logger shared by every
// component. There is no legacy bridge to carry forward here: this is a
// fresh service, so the logger is slog end to end.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config captures logging configuration options.
type Config struct {
	Level  string // debug | info | warn | error
	Output io.Writer
	JSON   bool
}

// New builds a slog.Logger from Config, defaulting to text output on
// stderr at info level.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

// Component returns a logger tagged with the given subsystem name, the
// way the teacher prefixes log lines per module.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

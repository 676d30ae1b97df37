package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls the shared structured logger.
type Config struct {
	Enabled bool
	Level   string
	Prefix  string
}

// New creates a structured JSON logger tagged with the configured prefix.
// A disabled config yields a logger whose output is discarded.
func New(cfg Config) *slog.Logger {
	if !cfg.Enabled {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "jobguard"
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	return slog.New(h).With("component", prefix)
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

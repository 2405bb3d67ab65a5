package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/genesis-fabric/genesis/internal/config"
)

// initLogger sets the process-wide default slog.Logger, following
// cmd/hector/logger.go's CLI-flag > env-var > default precedence
// (simplified: this module carries no per-package log filtering, since
// genesis has no equivalent of the teacher's multi-package monorepo log
// noise problem that pkg/logger's filteringHandler exists to solve).
func initLogger(verbose bool) {
	level := parseLevel(os.Getenv(config.EnvLogLevel))
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if path := os.Getenv(config.EnvLogFile); path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv(config.EnvLogFormat), "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel maps spec.md §6's GENESIS_LOG_LEVEL values to slog.Level,
// defaulting to info on anything unrecognized.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

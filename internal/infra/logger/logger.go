// Package logger builds the process-wide slog.Logger from configuration.
// Every subsystem receives this logger through its constructor; nothing in
// the tree logs through the slog default.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"opsbridge/internal/infra/config"
)

// New builds a logger from cfg. The second return value closes the log
// file when the output is a path; callers defer it next to the other
// shutdown hooks in main.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	sink, closeSink, err := resolveSink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: levelFrom(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}

	return slog.New(handler), closeSink, nil
}

// levelFrom maps a config string to a slog level. Unrecognized values
// fall back to info rather than failing startup.
func levelFrom(s string) slog.Level {
	switch strings.ToLower(s) {
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

// resolveSink interprets the output setting: "stdout", "stderr" (also the
// empty default), or a file path opened for append.
func resolveSink(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

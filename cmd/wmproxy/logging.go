package main

import (
	"log/slog"
	"os"
)

// initLogger configures the global slog logger at the given level, mirroring
// the teacher's cmd/agent/main.go initLogger.
func initLogger(level string, disableStdout bool) {
	var lvl slog.Level
	switch level {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	out := os.Stdout
	opts := &slog.HandlerOptions{Level: lvl}
	if disableStdout {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, opts)))
}

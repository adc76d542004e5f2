package worker

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger: JSON on stdout, level from LOG_LEVEL
// (debug, info, warn, error; default info). The logger is installed as the
// slog default so library code logs through the same handler.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

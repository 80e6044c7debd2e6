// Package logging builds the process-wide slog logger: JSON output with
// file rotation when a log directory is configured.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a JSON slog.Logger at the given level. When dir is non-empty
// the log also rotates into dir/engine.log.
func New(level, dir string) *slog.Logger {
	var w io.Writer = os.Stdout

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
				Filename:   filepath.Join(dir, "engine.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			})
		}
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

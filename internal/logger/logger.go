// Package logger provides the process-wide structured logger used by the
// Fireside server. It wraps log/slog with a small init surface so callers can
// emit key/value records without carrying a logger instance around.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

var Log *slog.Logger

func init() {
	// Safe default so packages can log before Init runs (tests, early startup).
	Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Init configures the global logger with the given level ("debug", "info",
// "warn", "error") and format ("text" or "json"). Unknown values fall back to
// info-level text output.
func Init(level, format string) {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lv}
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		Log = slog.New(slog.NewJSONHandler(os.Stdout, opts))
		return
	}
	Log = slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}

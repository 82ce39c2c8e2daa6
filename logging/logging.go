// Package logging configures the process-wide slog logger. The default
// handler emits JSON lines on stderr with timestamp/level/message keys plus
// whatever per-request fields the caller attaches; pretty mode swaps in a
// colorized console handler for interactive use.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"spg/config"
)

// Initialize builds a logger for the given logging configuration.
func Initialize(cfg config.Logging) *slog.Logger {
	level := ParseLevel(cfg.Level)
	if cfg.Pretty {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameStandardAttrs,
	})
	return slog.New(handler)
}

// ForModule returns a child logger tagged with the module field carried on
// every record.
func ForModule(logger *slog.Logger, module string) *slog.Logger {
	return logger.With(slog.String("module", module))
}

// ParseLevel maps a config level string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// renameStandardAttrs maps slog's built-in keys onto the log record
// contract: time becomes timestamp and msg becomes message.
func renameStandardAttrs(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

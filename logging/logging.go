// Package logging wraps log/slog so every engine package can accept a
// *Logger (or nil, which falls back to a no-op logger) instead of
// calling the log package directly.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/flowcoord/engine/config"
)

// Logger wraps slog.Logger with a nil-safe call surface: a nil
// *Logger behaves like a fully silent logger rather than panicking,
// so packages that accept an optional logger never need a guard at
// every call site.
type Logger struct {
	logger *slog.Logger
}

// New builds a Logger from the supplied configuration, writing to w
// (os.Stdout in production, a buffer in tests).
func New(cfg config.LoggingConfig, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

// NewStdout is the production convenience constructor: New writing to
// os.Stdout.
func NewStdout(cfg config.LoggingConfig) *Logger {
	return New(cfg, os.Stdout)
}

// With returns a child logger carrying the given key/value pairs on
// every subsequent call, for attaching runId/rootRunId once per
// coordinator instance.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{logger: l.logger.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Error(msg, args...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.ErrorContext(ctx, msg, args...)
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

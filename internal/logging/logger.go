// Package logging provides the leveled structured logger: a slog handler that
// writes to the console and fans records out to pluggable sinks (an OTLP
// exporter behind a bounded buffer in production).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// Options configures NewLogger.
type Options struct {
	Level  slog.Level
	Format string // "json" (default) or "text"
	// Console receives formatted lines. Defaults to os.Stdout.
	Console io.Writer
	// Fallback receives best-effort lines when the console or a sink fails.
	// Defaults to os.Stderr.
	Fallback io.Writer
	Sinks    []Sink
}

// Logger is a leveled structured logger. Log calls never return an error and
// never fail the caller.
type Logger struct {
	sl *slog.Logger
}

// New wraps an existing slog handler.
func New(h slog.Handler) *Logger {
	return &Logger{sl: slog.New(h)}
}

// NewLogger builds the console handler and sink fan-out described by opts.
func NewLogger(opts Options) *Logger {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = os.Stderr
	}
	level := opts.Level
	return New(NewHandler(NewConsoleHandler(console, opts.Format, level), level, fallback, opts.Sinks...))
}

// Slog returns the underlying *slog.Logger for packages that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.sl
}

// Log writes msg at level. Payload keys are emitted in sorted order.
func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, payload map[string]any) {
	if !l.sl.Enabled(ctx, level) {
		return
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, payload[k]))
	}
	l.sl.LogAttrs(ctx, level, msg, attrs...)
}

func (l *Logger) Debug(ctx context.Context, msg string, payload map[string]any) {
	l.Log(ctx, slog.LevelDebug, msg, payload)
}

func (l *Logger) Info(ctx context.Context, msg string, payload map[string]any) {
	l.Log(ctx, slog.LevelInfo, msg, payload)
}

func (l *Logger) Warn(ctx context.Context, msg string, payload map[string]any) {
	l.Log(ctx, slog.LevelWarn, msg, payload)
}

func (l *Logger) Error(ctx context.Context, msg string, payload map[string]any) {
	l.Log(ctx, slog.LevelError, msg, payload)
}

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Record is one log line as handed to sinks. Sinks must not modify it.
type Record struct {
	Time      time.Time
	Level     slog.Level
	Message   string
	Payload   map[string]any
	RequestID string
	Route     string
	TraceID   string
	SpanID    string
}

// Sink receives log records after the console write. Write should not block
// for long; wrap slow sinks in a BufferedSink.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// LevelName returns the lower-case name used in payloads and OTLP severity text.
func LevelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// payloadValue converts a resolved slog value into a plain Go value. Groups
// become nested maps.
func payloadValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			if a.Key == "" && a.Value.Kind() != slog.KindGroup {
				continue
			}
			if a.Key == "" {
				// Inline an unnamed group, as slog's built-in handlers do.
				for k, inner := range payloadValue(a.Value).(map[string]any) {
					m[k] = inner
				}
				continue
			}
			m[a.Key] = payloadValue(a.Value)
		}
		return m
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration()
	case slog.KindTime:
		return v.Time()
	default:
		return v.Any()
	}
}

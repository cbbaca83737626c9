package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Handler is a slog.Handler that writes each record to a console handler and
// fans it out to sinks. Records are enriched with request_id, trace_id and
// span_id from the context. Handle never fails: console or sink errors fall
// back to a plain line on the fallback writer.
type Handler struct {
	console  slog.Handler
	level    slog.Leveler
	sinks    []Sink
	fallback *fallbackWriter

	groups []string
	attrs  []groupedAttr
}

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

// NewHandler creates a Handler. console may be nil to disable console output.
func NewHandler(console slog.Handler, level slog.Leveler, fallback io.Writer, sinks ...Sink) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		console:  console,
		level:    level,
		sinks:    sinks,
		fallback: &fallbackWriter{w: fallback},
	}
}

// NewConsoleHandler returns the stdout handler for the given format: "text"
// selects slog's text handler, anything else JSON.
func NewConsoleHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	requestID := ctxutil.RequestIDFromContext(ctx)
	route := ctxutil.RouteFromContext(ctx)
	traceID, spanID := spanIDs(ctx)

	if h.console != nil {
		cr := r.Clone()
		if requestID != "" {
			cr.AddAttrs(slog.String("request_id", requestID))
		}
		if route != "" {
			cr.AddAttrs(slog.String("route", route))
		}
		if traceID != "" {
			cr.AddAttrs(slog.String("trace_id", traceID), slog.String("span_id", spanID))
		}
		if err := h.console.Handle(ctx, cr); err != nil {
			h.fallback.write(r, err)
		}
	}

	if len(h.sinks) == 0 {
		return nil
	}
	rec := Record{
		Time:      r.Time,
		Level:     r.Level,
		Message:   r.Message,
		Payload:   h.payload(r),
		RequestID: requestID,
		Route:     route,
		TraceID:   traceID,
		SpanID:    spanID,
	}
	for _, s := range h.sinks {
		if err := s.Write(ctx, rec); err != nil {
			h.fallback.write(r, err)
		}
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := h.clone()
	if h.console != nil {
		h2.console = h.console.WithAttrs(attrs)
	}
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, groupedAttr{groups: h.groups, attr: a})
	}
	return h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	if h.console != nil {
		h2.console = h.console.WithGroup(name)
	}
	h2.groups = append(slices.Clip(h.groups), name)
	return h2
}

func (h *Handler) clone() *Handler {
	return &Handler{
		console:  h.console,
		level:    h.level,
		sinks:    h.sinks,
		fallback: h.fallback,
		groups:   slices.Clip(h.groups),
		attrs:    slices.Clip(h.attrs),
	}
}

func (h *Handler) payload(r slog.Record) map[string]any {
	if len(h.attrs) == 0 && r.NumAttrs() == 0 {
		return nil
	}
	payload := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, ga := range h.attrs {
		insertAttr(payload, ga.groups, ga.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		insertAttr(payload, h.groups, a)
		return true
	})
	return payload
}

func insertAttr(payload map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}
	m := payload
	for _, g := range groups {
		child, ok := m[g].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[g] = child
		}
		m = child
	}
	if a.Key == "" {
		for k, v := range payloadValue(a.Value).(map[string]any) {
			m[k] = v
		}
		return
	}
	m[a.Key] = payloadValue(a.Value)
}

// spanIDs returns the trace and span IDs of the span carried by ctx. The
// facade span comes first: its IDs match the SDK's when the SDK records and
// stay local when it does not. A bare OTel span context (no facade span) is
// the fallback.
func spanIDs(ctx context.Context) (traceID, spanID string) {
	if s := telemetry.SpanFromContext(ctx); s != nil {
		return s.TraceID(), s.SpanID()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	return "", ""
}

type fallbackWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *fallbackWriter) write(r slog.Record, cause error) {
	if f.w == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = fmt.Fprintf(f.w, "%s %s %s (log sink error: %v)\n",
		r.Time.Format(time.RFC3339Nano), LevelName(r.Level), r.Message, cause)
}

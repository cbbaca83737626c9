package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanRecorder observes spans as they end.
type SpanRecorder interface {
	OnEnd(SpanData)
}

// Tracer creates spans. Parent linkage travels explicitly through
// context.Context or the WithParent option.
type Tracer struct {
	otel      trace.Tracer
	recorders []SpanRecorder
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithRecorder registers r to receive every span the tracer ends.
func WithRecorder(r SpanRecorder) TracerOption {
	return func(t *Tracer) {
		if r != nil {
			t.recorders = append(t.recorders, r)
		}
	}
}

// NewTracer returns a Tracer backed by tp. A nil tp uses the global provider.
func NewTracer(tp trace.TracerProvider, name string, opts ...TracerOption) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	t := &Tracer{otel: tp.Tracer(name)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracer) finish(d SpanData) {
	for _, r := range t.recorders {
		r.OnEnd(d)
	}
}

type spanConfig struct {
	parent  *Span
	newRoot bool
	attrs   []attribute.KeyValue
	kind    trace.SpanKind
	timeout time.Duration
}

// SpanOption configures a span at start.
type SpanOption func(*spanConfig)

// WithParent makes the new span a child of parent regardless of ctx.
func WithParent(parent *Span) SpanOption {
	return func(c *spanConfig) {
		c.parent = parent
	}
}

// WithNewRoot starts a new trace even if ctx carries a span.
func WithNewRoot() SpanOption {
	return func(c *spanConfig) {
		c.newRoot = true
	}
}

// WithAttribute seeds the span with an attribute.
func WithAttribute(k string, v any) SpanOption {
	return func(c *spanConfig) {
		c.attrs = append(c.attrs, Attribute(k, v))
	}
}

// WithSpanKind sets the OTel span kind. The default is internal.
func WithSpanKind(kind trace.SpanKind) SpanOption {
	return func(c *spanConfig) {
		c.kind = kind
	}
}

// WithTimeout bounds the function run by StartActiveSpan. StartSpan ignores it.
func WithTimeout(d time.Duration) SpanOption {
	return func(c *spanConfig) {
		c.timeout = d
	}
}

func newSpanConfig(opts []SpanOption) spanConfig {
	cfg := spanConfig{kind: trace.SpanKindInternal}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type spanKey struct{}

// ContextWithSpan returns a copy of ctx carrying s as the current span.
func ContextWithSpan(ctx context.Context, s *Span) context.Context {
	ctx = context.WithValue(ctx, spanKey{}, s)
	if s != nil && s.otel != nil {
		ctx = trace.ContextWithSpan(ctx, s.otel)
	}
	return ctx
}

// SpanFromContext returns the current span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if s, ok := ctx.Value(spanKey{}).(*Span); ok {
		return s
	}
	return nil
}

// StartSpan creates a span. The parent is, in order: the WithParent option,
// the span carried by ctx, a remote span context in ctx (e.g. an incoming
// traceparent header). Without any of those the span is a root.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	cfg := newSpanConfig(opts)

	parent := cfg.parent
	if parent == nil && !cfg.newRoot {
		parent = SpanFromContext(ctx)
	}

	start := time.Now()
	startOpts := []trace.SpanStartOption{
		trace.WithTimestamp(start),
		trace.WithSpanKind(cfg.kind),
		trace.WithAttributes(cfg.attrs...),
	}
	otelCtx := ctx
	switch {
	case cfg.newRoot:
		startOpts = append(startOpts, trace.WithNewRoot())
	case parent != nil:
		otelCtx = trace.ContextWithSpan(ctx, parent.otel)
	}
	_, otelSpan := t.otel.Start(otelCtx, name, startOpts...)

	s := &Span{
		tracer: t,
		otel:   otelSpan,
		name:   name,
		start:  start,
	}
	for _, kv := range cfg.attrs {
		s.setAttrLocked(kv)
	}

	// A noop provider hands back the span already in ctx, so a valid span
	// context only identifies this span if it differs from the one in ctx.
	// That holds for new roots too: a noop root would otherwise take the
	// caller's IDs.
	sc := otelSpan.SpanContext()
	ctxSC := trace.SpanContextFromContext(otelCtx)
	if sc.IsValid() && sc.SpanID() != ctxSC.SpanID() {
		s.traceID = sc.TraceID().String()
		s.spanID = sc.SpanID().String()
	} else {
		s.spanID = newSpanID()
	}

	switch {
	case cfg.newRoot:
	case parent != nil:
		s.parentID = parent.spanID
		if s.traceID == "" {
			s.traceID = parent.traceID
		}
	default:
		if remote := trace.SpanContextFromContext(ctx); remote.IsValid() {
			s.parentID = remote.SpanID().String()
			if s.traceID == "" {
				s.traceID = remote.TraceID().String()
			}
		}
	}
	if s.traceID == "" {
		s.traceID = newTraceID()
	}

	return ContextWithSpan(ctx, s), s
}

// StartActiveSpan starts a span, runs fn with a context carrying it, and ends
// the span exactly once however fn exits. A panic in fn is recorded on the
// span as an error and re-raised after the span ends. An error caused by
// context cancellation or an expired deadline ends the span with StatusError
// and StatusMessageCancelled.
func (t *Tracer) StartActiveSpan(ctx context.Context, name string, fn func(context.Context, *Span) error, opts ...SpanOption) (err error) {
	cfg := newSpanConfig(opts)
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	ctx, span := t.StartSpan(ctx, name, opts...)
	defer func() {
		if r := recover(); r != nil {
			span.RecordException(fmt.Errorf("panic: %v", r))
			span.SetStatus(StatusError, fmt.Sprint(r))
			span.End()
			panic(r)
		}
		if IsCancellation(err) {
			span.RecordException(err)
			span.SetStatus(StatusError, StatusMessageCancelled)
		}
		span.End()
	}()

	return fn(ctx, span)
}

// IsCancellation reports whether err stems from context cancellation or an
// expired deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Recorder is an in-memory SpanRecorder.
type Recorder struct {
	mu    sync.Mutex
	spans []SpanData
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OnEnd implements SpanRecorder.
func (r *Recorder) OnEnd(d SpanData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, d)
}

// Ended returns the spans recorded so far, in end order.
func (r *Recorder) Ended() []SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpanData(nil), r.spans...)
}

// ByName returns the recorded spans with the given name.
func (r *Recorder) ByName(name string) []SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SpanData
	for _, d := range r.spans {
		if d.Name == name {
			out = append(out, d)
		}
	}
	return out
}

// Reset discards all recorded spans.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
}

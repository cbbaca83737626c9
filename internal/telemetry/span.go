package telemetry

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StatusCode is the outcome recorded on a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// StatusMessageCancelled is the status message set on spans whose work was
// cut short by context cancellation or a deadline.
const StatusMessageCancelled = "cancelled"

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

func (c StatusCode) otelCode() codes.Code {
	switch c {
	case StatusOK:
		return codes.Ok
	case StatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

// Exception is an error recorded on a span.
type Exception struct {
	Message string
	Type    string
	Time    time.Time
}

// SpanData is an immutable copy of a span's state.
type SpanData struct {
	Name          string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	StartTime     time.Time
	EndTime       time.Time
	Attributes    []attribute.KeyValue
	Status        StatusCode
	StatusMessage string
	Exceptions    []Exception
}

// Attr returns the value of the attribute with the given key.
func (d SpanData) Attr(key string) (attribute.Value, bool) {
	for _, kv := range d.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Ended reports whether the span had been ended when the copy was taken.
func (d SpanData) Ended() bool {
	return !d.EndTime.IsZero()
}

// Duration returns the span's wall time, or zero if it has not ended.
func (d SpanData) Duration() time.Duration {
	if d.EndTime.IsZero() {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// Span is a timed, attributed record of one logical operation. It wraps an
// OTel span and keeps its own copy of the state so the hierarchy, attributes
// and status stay observable when the SDK is disabled.
//
// All methods are safe on a nil *Span and are no-ops once the span has ended.
type Span struct {
	tracer   *Tracer
	otel     trace.Span
	traceID  string
	spanID   string
	parentID string
	start    time.Time

	mu            sync.Mutex
	name          string
	end           time.Time
	attrs         []attribute.KeyValue
	status        StatusCode
	statusMessage string
	exceptions    []Exception
}

// Name returns the span name.
func (s *Span) Name() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName renames the span, for names only known once the operation has run
// (e.g. the matched route of a server span).
func (s *Span) SetName(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.end.IsZero() {
		return
	}
	s.name = name
	s.otel.SetName(name)
}

// SpanID returns the span's hex-encoded ID.
func (s *Span) SpanID() string {
	if s == nil {
		return ""
	}
	return s.spanID
}

// TraceID returns the hex-encoded ID of the trace the span belongs to.
func (s *Span) TraceID() string {
	if s == nil {
		return ""
	}
	return s.traceID
}

// ParentSpanID returns the parent's span ID, or "" for a root span.
func (s *Span) ParentSpanID() string {
	if s == nil {
		return ""
	}
	return s.parentID
}

// SetAttribute sets key to value. An existing key keeps its position and
// takes the new value.
func (s *Span) SetAttribute(key string, value any) {
	s.SetAttributes(Attribute(key, value))
}

// SetAttributes sets each of the given attributes.
func (s *Span) SetAttributes(kvs ...attribute.KeyValue) {
	if s == nil || len(kvs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.end.IsZero() {
		return
	}
	for _, kv := range kvs {
		s.setAttrLocked(kv)
	}
	s.otel.SetAttributes(kvs...)
}

func (s *Span) setAttrLocked(kv attribute.KeyValue) {
	for i := range s.attrs {
		if s.attrs[i].Key == kv.Key {
			s.attrs[i].Value = kv.Value
			return
		}
	}
	s.attrs = append(s.attrs, kv)
}

// RecordException appends err to the span's exceptions. The status is left
// untouched; callers set it explicitly with SetStatus.
func (s *Span) RecordException(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.end.IsZero() {
		return
	}
	now := time.Now()
	s.exceptions = append(s.exceptions, Exception{
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
		Time:    now,
	})
	s.otel.RecordError(err, trace.WithTimestamp(now))
}

// SetStatus sets the span status. The last call wins. The message is only
// kept for StatusError.
func (s *Span) SetStatus(code StatusCode, message string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.end.IsZero() {
		return
	}
	if code != StatusError {
		message = ""
	}
	s.status = code
	s.statusMessage = message
	s.otel.SetStatus(code.otelCode(), message)
}

// End finalizes the span. Only the first call has any effect.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.end.IsZero() {
		s.mu.Unlock()
		return
	}
	s.end = time.Now()
	end := s.end
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.otel.End(trace.WithTimestamp(end))
	if s.tracer != nil {
		s.tracer.finish(data)
	}
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.end.IsZero()
}

// Snapshot returns a copy of the span's current state.
func (s *Span) Snapshot() SpanData {
	if s == nil {
		return SpanData{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() SpanData {
	return SpanData{
		Name:          s.name,
		TraceID:       s.traceID,
		SpanID:        s.spanID,
		ParentSpanID:  s.parentID,
		StartTime:     s.start,
		EndTime:       s.end,
		Attributes:    append([]attribute.KeyValue(nil), s.attrs...),
		Status:        s.status,
		StatusMessage: s.statusMessage,
		Exceptions:    append([]Exception(nil), s.exceptions...),
	}
}

// newSpanID and newTraceID generate IDs for spans the SDK does not record
// (noop provider), so parent links are still meaningful.
func newSpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

func newTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

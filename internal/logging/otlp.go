package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// OTLPSink exports records to an OTLP/HTTP logs endpoint. Export is
// synchronous, so it is meant to sit behind a BufferedSink.
type OTLPSink struct {
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

// NewOTLPSink creates a sink exporting to endpointURL (the full logs URL,
// e.g. http://localhost:4318/v1/logs).
func NewOTLPSink(ctx context.Context, endpointURL string, headers map[string]string, res *resource.Resource) (*OTLPSink, error) {
	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpointURL)}
	if len(headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}
	exp, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("logging: create otlp log exporter: %w", err)
	}
	return newOTLPSink(exp, res), nil
}

func newOTLPSink(exp sdklog.Exporter, res *resource.Resource) *OTLPSink {
	providerOpts := []sdklog.LoggerProviderOption{
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)),
	}
	if res != nil {
		providerOpts = append(providerOpts, sdklog.WithResource(res))
	}
	lp := sdklog.NewLoggerProvider(providerOpts...)
	return &OTLPSink{provider: lp, logger: lp.Logger("kansoku")}
}

// Write emits rec. The record's span context is restored onto ctx so the
// exported record stays correlated with its trace even after buffering.
func (s *OTLPSink) Write(ctx context.Context, rec Record) error {
	var r otellog.Record
	r.SetTimestamp(rec.Time)
	r.SetObservedTimestamp(time.Now())
	r.SetSeverity(severity(rec.Level))
	r.SetSeverityText(LevelName(rec.Level))
	r.SetBody(otellog.StringValue(rec.Message))
	if rec.RequestID != "" {
		r.AddAttributes(otellog.String("request_id", rec.RequestID))
	}
	if rec.Route != "" {
		r.AddAttributes(otellog.String("route", rec.Route))
	}
	r.AddAttributes(logKeyValues(rec.Payload)...)

	if sc, ok := spanContext(rec); ok {
		ctx = trace.ContextWithSpanContext(ctx, sc)
	}
	s.logger.Emit(ctx, r)
	return nil
}

// Close flushes and shuts down the exporter.
func (s *OTLPSink) Close(ctx context.Context) error {
	if err := s.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("logging: shutdown otlp sink: %w", err)
	}
	return nil
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

func spanContext(rec Record) (trace.SpanContext, bool) {
	if rec.TraceID == "" || rec.SpanID == "" {
		return trace.SpanContext{}, false
	}
	tid, err := trace.TraceIDFromHex(rec.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(rec.SpanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
	return sc, sc.IsValid()
}

func logKeyValues(m map[string]any) []otellog.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]otellog.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, otellog.KeyValue{Key: k, Value: logValue(m[k])})
	}
	return kvs
}

func logValue(v any) otellog.Value {
	switch typed := v.(type) {
	case nil:
		return otellog.Value{}
	case string:
		return otellog.StringValue(typed)
	case bool:
		return otellog.BoolValue(typed)
	case int:
		return otellog.IntValue(typed)
	case int64:
		return otellog.Int64Value(typed)
	case uint64:
		return otellog.Int64Value(int64(typed))
	case float64:
		return otellog.Float64Value(typed)
	case time.Duration:
		return otellog.Int64Value(typed.Milliseconds())
	case time.Time:
		return otellog.StringValue(typed.Format(time.RFC3339Nano))
	case error:
		return otellog.StringValue(typed.Error())
	case map[string]any:
		return otellog.MapValue(logKeyValues(typed)...)
	case []any:
		vals := make([]otellog.Value, 0, len(typed))
		for _, e := range typed {
			vals = append(vals, logValue(e))
		}
		return otellog.SliceValue(vals...)
	case []string:
		vals := make([]otellog.Value, 0, len(typed))
		for _, e := range typed {
			vals = append(vals, otellog.StringValue(e))
		}
		return otellog.SliceValue(vals...)
	case fmt.Stringer:
		return otellog.StringValue(typed.String())
	default:
		return otellog.StringValue(fmt.Sprint(typed))
	}
}

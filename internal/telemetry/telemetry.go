// Package telemetry is a small tracing and metrics facade over the
// OpenTelemetry SDK, plus the bootstrap that wires OTLP/HTTP exporters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// DefaultMetricInterval is how often metrics are pushed to the collector.
const DefaultMetricInterval = 10 * time.Second

// Config controls the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the collector base URL, e.g. http://localhost:4318. Signal
	// paths (/v1/traces, /v1/metrics) are appended.
	Endpoint       string
	Headers        map[string]string
	MetricInterval time.Duration
	// Disabled installs noop providers; nothing is exported.
	Disabled bool
}

// Provider owns the tracer and meter providers for the process. It is
// created once by Init and shut down once at exit.
type Provider struct {
	res     *resource.Resource
	tp      trace.TracerProvider
	mp      metric.MeterProvider
	enabled bool

	shutdownFuncs []func(context.Context) error
	once          sync.Once
	shutdownErr   error
}

// Init configures the global OpenTelemetry tracer and meter providers and
// the W3C propagators. With cfg.Disabled or an empty endpoint, noop
// providers are installed. Exporter errors at runtime are logged at warn.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Register W3C Trace Context and Baggage propagators so incoming
	// traceparent headers parent the server span.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	p := &Provider{res: res}

	if cfg.Disabled || cfg.Endpoint == "" {
		p.tp = tracenoop.NewTracerProvider()
		p.mp = metricnoop.NewMeterProvider()
		otel.SetTracerProvider(p.tp)
		otel.SetMeterProvider(p.mp)
		return p, nil
	}

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("telemetry: export error", "error", err)
	}))

	base := strings.TrimRight(cfg.Endpoint, "/")

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(base + "/v1/traces"),
	}
	if len(cfg.Headers) > 0 {
		traceOpts = append(traceOpts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpointURL(base + "/v1/metrics"),
	}
	if len(cfg.Headers) > 0 {
		metricOpts = append(metricOpts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = DefaultMetricInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(interval),
			),
		),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	p.tp = tp
	p.mp = mp
	p.enabled = true
	p.shutdownFuncs = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	return p, nil
}

// Enabled reports whether telemetry is exported.
func (p *Provider) Enabled() bool { return p.enabled }

// Resource returns the resource describing this service.
func (p *Provider) Resource() *resource.Resource { return p.res }

// TracerProvider returns the underlying OTel tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Tracer returns a facade Tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string, opts ...TracerOption) *Tracer {
	return NewTracer(p.tp, name, opts...)
}

// Meter returns a meter for the given instrumentation scope.
func (p *Provider) Meter(name string) metric.Meter {
	return p.mp.Meter(name)
}

// Shutdown flushes and stops the exporters. Only the first call does any
// work; later calls return the first call's result.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		errs := make([]error, len(p.shutdownFuncs))
		var g errgroup.Group
		for i, fn := range p.shutdownFuncs {
			g.Go(func() error {
				errs[i] = fn(ctx)
				return nil
			})
		}
		_ = g.Wait()
		if err := errors.Join(errs...); err != nil {
			p.shutdownErr = fmt.Errorf("telemetry: shutdown: %w", err)
		}
	})
	return p.shutdownErr
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

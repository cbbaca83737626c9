// Package simulate produces the synthetic workloads behind the demo routes:
// timed sleeps, a CPU loop and a multi-step pipeline traced as child spans.
// Failures are returned as error values.
package simulate

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

var (
	// ErrSimulated is the deliberate failure returned by Fail.
	ErrSimulated = errors.New("boom: simulated error")
	// ErrPipelineFailed is returned by Complex after all of its steps ran.
	ErrPipelineFailed = errors.New("complex pipeline failed")
)

// Timing of the simulated steps.
const (
	workMin     = 100 * time.Millisecond
	workSpread  = 400 // ms
	dbMin       = 100 * time.Millisecond
	dbSpread    = 200 // ms
	apiMin      = 150 * time.Millisecond
	apiSpread   = 250 // ms
	cpuLoopSize = 1_000_000
)

// Attribute values recorded on the Complex child spans.
const (
	DBSystem    = "postgresql"
	DBStatement = "SELECT * FROM users WHERE id=1"
	APIURL      = "https://api.example.com/data"
	APIMethod   = "GET"
)

// Simulator runs the synthetic workloads.
type Simulator struct {
	tracer *telemetry.Tracer
	intN   func(n int) int
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand replaces the random source. fn must return a value in [0, n).
func WithRand(fn func(n int) int) Option {
	return func(s *Simulator) {
		s.intN = fn
	}
}

// WithSleep replaces the delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Simulator) {
		s.sleep = fn
	}
}

// New creates a Simulator whose child spans are created by tracer.
func New(tracer *telemetry.Tracer, opts ...Option) *Simulator {
	s := &Simulator{
		tracer: tracer,
		intN:   rand.IntN,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Work sleeps for a random duration in [100ms, 500ms) and returns it.
func (s *Simulator) Work(ctx context.Context) (time.Duration, error) {
	d := s.jitter(workMin, workSpread)
	if err := s.sleep(ctx, d); err != nil {
		return 0, err
	}
	return d, nil
}

// Fail always returns ErrSimulated.
func (s *Simulator) Fail(context.Context) error {
	return ErrSimulated
}

// Result summarizes a Complex run.
type Result struct {
	DBTime  time.Duration
	APITime time.Duration
	Sum     int64
}

// Complex runs a simulated database call, an external API call and a CPU
// loop, each as a child span of root, then fails with ErrPipelineFailed. A
// cancelled ctx stops the pipeline at the current step and returns the
// context error.
func (s *Simulator) Complex(ctx context.Context, root *telemetry.Span) (Result, error) {
	var res Result

	err := s.tracer.StartActiveSpan(ctx, "db-call", func(ctx context.Context, span *telemetry.Span) error {
		res.DBTime = s.jitter(dbMin, dbSpread)
		if err := s.sleep(ctx, res.DBTime); err != nil {
			return err
		}
		span.SetAttribute("db.system", DBSystem)
		span.SetAttribute("db.statement", DBStatement)
		return nil
	}, telemetry.WithParent(root))
	if err != nil {
		return res, err
	}

	err = s.tracer.StartActiveSpan(ctx, "external-api", func(ctx context.Context, span *telemetry.Span) error {
		res.APITime = s.jitter(apiMin, apiSpread)
		if err := s.sleep(ctx, res.APITime); err != nil {
			return err
		}
		span.SetAttribute("http.url", APIURL)
		span.SetAttribute("http.method", APIMethod)
		return nil
	}, telemetry.WithParent(root), telemetry.WithSpanKind(trace.SpanKindClient))
	if err != nil {
		return res, err
	}

	err = s.tracer.StartActiveSpan(ctx, "cpu-work", func(ctx context.Context, span *telemetry.Span) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Sum = SumTo(cpuLoopSize)
		span.SetAttribute("work.sum", res.Sum)
		return nil
	}, telemetry.WithParent(root))
	if err != nil {
		return res, err
	}

	return res, ErrPipelineFailed
}

// SumTo returns 0 + 1 + ... + (n-1), computed with a loop.
func SumTo(n int64) int64 {
	var sum int64
	for i := range n {
		sum += i
	}
	return sum
}

func (s *Simulator) jitter(base time.Duration, spreadMS int) time.Duration {
	return base + time.Duration(s.intN(spreadMS))*time.Millisecond
}

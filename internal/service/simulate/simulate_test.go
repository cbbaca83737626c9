package simulate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestSimulator(t *testing.T, opts ...Option) (*Simulator, *telemetry.Tracer, *telemetry.Recorder) {
	t.Helper()
	rec := telemetry.NewRecorder()
	tracer := telemetry.NewTracer(tracenoop.NewTracerProvider(), "test", telemetry.WithRecorder(rec))
	return New(tracer, append([]Option{WithSleep(noSleep)}, opts...)...), tracer, rec
}

func TestWorkDurationRange(t *testing.T) {
	for _, r := range []int{0, 1, 399} {
		sim, _, _ := newTestSimulator(t, WithRand(func(int) int { return r }))
		d, err := sim.Work(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 100*time.Millisecond+time.Duration(r)*time.Millisecond, d)
	}

	sim, _, _ := newTestSimulator(t)
	for range 100 {
		d, err := sim.Work(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 500*time.Millisecond)
	}
}

func TestWorkCancelled(t *testing.T) {
	sim := New(telemetry.NewTracer(tracenoop.NewTracerProvider(), "test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Work(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFail(t *testing.T) {
	sim, _, _ := newTestSimulator(t)
	require.ErrorIs(t, sim.Fail(context.Background()), ErrSimulated)
}

func TestComplexChildSpans(t *testing.T) {
	sim, tracer, rec := newTestSimulator(t)
	ctx, root := tracer.StartSpan(context.Background(), "complex-root")

	res, err := sim.Complex(ctx, root)
	require.ErrorIs(t, err, ErrPipelineFailed)
	assert.Equal(t, int64(499_999_500_000), res.Sum)
	root.End()

	ended := rec.Ended()
	require.Len(t, ended, 4)
	names := []string{ended[0].Name, ended[1].Name, ended[2].Name, ended[3].Name}
	assert.Equal(t, []string{"db-call", "external-api", "cpu-work", "complex-root"}, names)

	for _, child := range ended[:3] {
		assert.Equal(t, root.SpanID(), child.ParentSpanID, child.Name)
		assert.Equal(t, root.TraceID(), child.TraceID, child.Name)
	}

	stmt, ok := ended[0].Attr("db.statement")
	require.True(t, ok)
	assert.Equal(t, DBStatement, stmt.AsString())
	method, ok := ended[1].Attr("http.method")
	require.True(t, ok)
	assert.Equal(t, "GET", method.AsString())
	sum, ok := ended[2].Attr("work.sum")
	require.True(t, ok)
	assert.Equal(t, int64(499_999_500_000), sum.AsInt64())
}

func TestComplexCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	sleep := func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return ctx.Err()
	}
	sim, tracer, rec := newTestSimulator(t, WithSleep(sleep))
	ctx, root := tracer.StartSpan(ctx, "complex-root")

	_, err := sim.Complex(ctx, root)
	require.ErrorIs(t, err, context.Canceled)

	ended := rec.Ended()
	require.Len(t, ended, 2, "cpu-work never starts")
	assert.Equal(t, telemetry.StatusUnset, ended[0].Status)
	assert.Equal(t, "external-api", ended[1].Name)
	assert.Equal(t, telemetry.StatusError, ended[1].Status)
	assert.Equal(t, telemetry.StatusMessageCancelled, ended[1].StatusMessage)
}

func TestSumTo(t *testing.T) {
	assert.Equal(t, int64(0), SumTo(0))
	assert.Equal(t, int64(45), SumTo(10))
}

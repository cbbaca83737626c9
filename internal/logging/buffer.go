package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// ErrBufferFull is returned by BufferedSink.Write when the queue is at capacity.
var ErrBufferFull = errors.New("logging: buffer at capacity")

// Defaults for BufferOptions.
const (
	DefaultBufferCapacity = 1000
	DefaultFlushInterval  = time.Second
)

// BufferOptions configures a BufferedSink.
type BufferOptions struct {
	// Capacity is the hard upper limit on queued records.
	Capacity int
	// FlushSize triggers an early flush once this many records are queued.
	// Defaults to Capacity/2.
	FlushSize     int
	FlushInterval time.Duration
	// Meter receives the depth and dropped gauges. Defaults to the global meter.
	Meter metric.Meter
	// ErrorOutput receives flush failures. It must not route back into this
	// sink. Defaults to os.Stderr.
	ErrorOutput io.Writer
}

// BufferedSink queues records in memory and writes them to the wrapped sink
// from a background loop, either when FlushSize records are queued or every
// FlushInterval. Write never blocks on the wrapped sink.
type BufferedSink struct {
	next          Sink
	capacity      int
	flushSize     int
	flushInterval time.Duration
	meter         metric.Meter
	errLog        *slog.Logger

	mu       sync.Mutex
	records  []Record
	drainCtx context.Context // set by Drain so the final flush respects caller's deadline

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// NewBufferedSink wraps next with a bounded queue. Call Start to begin
// flushing and Close (or Drain) to stop.
func NewBufferedSink(next Sink, opts BufferOptions) *BufferedSink {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultBufferCapacity
	}
	if opts.FlushSize <= 0 || opts.FlushSize > opts.Capacity {
		opts.FlushSize = max(1, opts.Capacity/2)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Meter == nil {
		opts.Meter = telemetry.Meter("kansoku/logging")
	}
	if opts.ErrorOutput == nil {
		opts.ErrorOutput = os.Stderr
	}
	return &BufferedSink{
		next:          next,
		capacity:      opts.Capacity,
		flushSize:     opts.FlushSize,
		flushInterval: opts.FlushInterval,
		meter:         opts.Meter,
		errLog:        slog.New(slog.NewTextHandler(opts.ErrorOutput, nil)),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers the buffer gauges.
func (b *BufferedSink) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Write queues rec. It returns ErrBufferFull, and counts the record as
// dropped, when the queue is at capacity.
func (b *BufferedSink) Write(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.capacity {
		b.dropped.Add(1)
		return ErrBufferFull
	}
	b.records = append(b.records, rec)

	if len(b.records) >= b.flushSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *BufferedSink) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush needs the drain context.
			b.mu.Lock()
			drainCtx := b.drainCtx
			b.mu.Unlock()
			if drainCtx != nil {
				b.flush(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *BufferedSink) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.records
	b.records = nil
	b.mu.Unlock()

	for i, rec := range batch {
		err := b.next.Write(ctx, rec)
		if err == nil {
			continue
		}
		rest := batch[i:]
		b.errLog.Error("logging: flush failed", "error", err, "batch_size", len(rest))

		// Put the unwritten records back for retry, respecting capacity.
		b.mu.Lock()
		if len(b.records)+len(rest) <= b.capacity {
			b.records = append(rest, b.records...)
		} else {
			b.dropped.Add(int64(len(rest)))
			b.errLog.Error("logging: dropping records, buffer at capacity after flush failure", "dropped", len(rest))
		}
		b.mu.Unlock()
		return
	}
}

// Drain stops the flush loop and waits for its final flush. ctx bounds the
// wait and is passed to the final flush. Without Start, Drain flushes inline.
func (b *BufferedSink) Drain(ctx context.Context) {
	if b.cancelLoop == nil {
		b.flush(ctx)
		return
	}
	b.mu.Lock()
	b.drainCtx = ctx
	b.mu.Unlock()
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.errLog.Warn("logging: drain timed out waiting for flush loop")
	}
}

// Close drains the buffer and closes the wrapped sink.
func (b *BufferedSink) Close(ctx context.Context) error {
	b.Drain(ctx)
	return b.next.Close(ctx)
}

// registerMetrics registers observable gauges for buffer health.
func (b *BufferedSink) registerMetrics() {
	_, _ = b.meter.Int64ObservableGauge("kansoku.log_buffer.depth",
		metric.WithDescription("Current number of log records in the export buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = b.meter.Int64ObservableGauge("kansoku.log_buffer.dropped_total",
		metric.WithDescription("Total log records dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of queued records.
func (b *BufferedSink) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Capacity returns the maximum number of queued records.
func (b *BufferedSink) Capacity() int {
	return b.capacity
}

// Dropped returns the total number of records dropped because the queue was full.
func (b *BufferedSink) Dropped() int64 {
	return b.dropped.Load()
}

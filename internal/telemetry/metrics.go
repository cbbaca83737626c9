package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrKindConflict is returned when a metric name is already registered with a
// different kind.
var ErrKindConflict = errors.New("telemetry: metric already registered with a different kind")

// DefaultMaxPoints is the number of recent data points each metric retains.
const DefaultMaxPoints = 10_000

// DefaultBuckets are the histogram upper bounds, in milliseconds, used when
// exposing histograms to Prometheus.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Labels are the dimensions a measurement is tagged with.
type Labels map[string]string

func (l Labels) key() string {
	if len(l) == 0 {
		return ""
	}
	keys := l.names()
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	return b.String()
}

func (l Labels) names() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l Labels) clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) attributes() []attribute.KeyValue {
	keys := l.names()
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, l[k]))
	}
	return attrs
}

// MetricKind distinguishes counters from histograms.
type MetricKind int

const (
	KindCounter MetricKind = iota
	KindHistogram
)

func (k MetricKind) String() string {
	if k == KindHistogram {
		return "histogram"
	}
	return "counter"
}

// DataPoint is one recorded measurement.
type DataPoint struct {
	Value  float64
	Labels Labels
	Time   time.Time
}

type series struct {
	labels  Labels
	sum     float64
	count   uint64
	buckets []uint64 // per-bound counts, not cumulative
}

type instrument struct {
	name        string
	description string
	unit        string
	kind        MetricKind
	maxPoints   int
	bounds      []float64

	mu     sync.Mutex
	series map[string]*series
	points []DataPoint // ring once len reaches maxPoints
	head   int         // index of the oldest point when full
}

func (m *instrument) record(value float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := labels.key()
	s, ok := m.series[key]
	if !ok {
		s = &series{labels: labels.clone()}
		if m.kind == KindHistogram {
			s.buckets = make([]uint64, len(m.bounds))
		}
		m.series[key] = s
	}
	s.sum += value
	s.count++
	if m.kind == KindHistogram {
		if i := sort.SearchFloat64s(m.bounds, value); i < len(m.bounds) {
			s.buckets[i]++
		}
	}

	p := DataPoint{Value: value, Labels: labels.clone(), Time: time.Now()}
	if m.maxPoints > 0 && len(m.points) >= m.maxPoints {
		m.points[m.head] = p
		m.head = (m.head + 1) % len(m.points)
		return
	}
	m.points = append(m.points, p)
}

// Name returns the metric name.
func (m *instrument) Name() string { return m.name }

// Description returns the metric description.
func (m *instrument) Description() string { return m.description }

// Kind returns the metric kind.
func (m *instrument) Kind() MetricKind { return m.kind }

// Points returns the retained data points, oldest first.
func (m *instrument) Points() []DataPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DataPoint, 0, len(m.points))
	out = append(out, m.points[m.head:]...)
	return append(out, m.points[:m.head]...)
}

func (m *instrument) resetPoints() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = nil
	m.head = 0
}

func (m *instrument) snapshotSeries() []series {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]series, 0, len(keys))
	for _, k := range keys {
		s := m.series[k]
		out = append(out, series{
			labels:  s.labels,
			sum:     s.sum,
			count:   s.count,
			buckets: append([]uint64(nil), s.buckets...),
		})
	}
	return out
}

func (m *instrument) lookup(labels Labels) (series, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[labels.key()]
	if !ok {
		return series{}, false
	}
	return *s, true
}

// Counter is a monotonically increasing metric.
type Counter struct {
	instrument
	otel metric.Float64Counter
}

// Add increments the counter. Negative and NaN amounts are dropped.
func (c *Counter) Add(ctx context.Context, amount float64, labels Labels) {
	if c == nil || amount < 0 || math.IsNaN(amount) {
		return
	}
	c.record(amount, labels)
	c.otel.Add(ctx, amount, metric.WithAttributes(labels.attributes()...))
}

// Value returns the cumulative value of the series with the given labels.
func (c *Counter) Value(labels Labels) float64 {
	s, _ := c.lookup(labels)
	return s.sum
}

// Histogram records a distribution of observed values.
type Histogram struct {
	instrument
	otel metric.Float64Histogram
}

// Record adds an observation. NaN values are dropped.
func (h *Histogram) Record(ctx context.Context, value float64, labels Labels) {
	if h == nil || math.IsNaN(value) {
		return
	}
	h.record(value, labels)
	h.otel.Record(ctx, value, metric.WithAttributes(labels.attributes()...))
}

// Count returns the number of observations in the series with the given labels.
func (h *Histogram) Count(labels Labels) uint64 {
	s, _ := h.lookup(labels)
	return s.count
}

// Sum returns the sum of observations in the series with the given labels.
func (h *Histogram) Sum(labels Labels) float64 {
	s, _ := h.lookup(labels)
	return s.sum
}

// Registry creates and holds named counters and histograms. Each name is
// registered once; later lookups return the same instance.
type Registry struct {
	meter     metric.Meter
	maxPoints int
	bounds    []float64

	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxPoints sets how many recent data points each metric retains.
func WithMaxPoints(n int) RegistryOption {
	return func(r *Registry) {
		r.maxPoints = n
	}
}

// WithHistogramBuckets sets the histogram upper bounds used for exposition.
func WithHistogramBuckets(bounds []float64) RegistryOption {
	return func(r *Registry) {
		b := append([]float64(nil), bounds...)
		sort.Float64s(b)
		r.bounds = b
	}
}

// NewRegistry creates a Registry whose instruments also report through meter.
// A nil meter uses the global meter provider.
func NewRegistry(meter metric.Meter, opts ...RegistryOption) *Registry {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("kansoku")
	}
	r := &Registry{
		meter:      meter,
		maxPoints:  DefaultMaxPoints,
		bounds:     DefaultBuckets,
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Counter registers a counter or returns the one already registered under name.
func (r *Registry) Counter(name, description string) (*Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	if _, ok := r.histograms[name]; ok {
		return nil, fmt.Errorf("%w: %q is a %s", ErrKindConflict, name, KindHistogram)
	}

	oc, err := r.meter.Float64Counter(name, metric.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter %q: %w", name, err)
	}
	c := &Counter{
		instrument: r.newInstrument(name, description, "", KindCounter),
		otel:       oc,
	}
	r.counters[name] = c
	return c, nil
}

// Histogram registers a histogram or returns the one already registered under name.
func (r *Registry) Histogram(name, description, unit string) (*Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	if _, ok := r.counters[name]; ok {
		return nil, fmt.Errorf("%w: %q is a %s", ErrKindConflict, name, KindCounter)
	}

	opts := []metric.Float64HistogramOption{metric.WithDescription(description)}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	oh, err := r.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram %q: %w", name, err)
	}
	h := &Histogram{
		instrument: r.newInstrument(name, description, unit, KindHistogram),
		otel:       oh,
	}
	r.histograms[name] = h
	return h, nil
}

func (r *Registry) newInstrument(name, description, unit string, kind MetricKind) instrument {
	return instrument{
		name:        name,
		description: description,
		unit:        unit,
		kind:        kind,
		maxPoints:   r.maxPoints,
		bounds:      r.bounds,
		series:      make(map[string]*series),
	}
}

// Reset discards retained data points. Cumulative series values are kept.
func (r *Registry) Reset() {
	counters, histograms := r.instruments()
	for _, c := range counters {
		c.resetPoints()
	}
	for _, h := range histograms {
		h.resetPoints()
	}
}

// instruments returns the registered metrics sorted by name.
func (r *Registry) instruments() ([]*Counter, []*Histogram) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })

	histograms := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		histograms = append(histograms, h)
	}
	sort.Slice(histograms, func(i, j int) bool { return histograms[i].name < histograms[j].name })

	return counters, histograms
}

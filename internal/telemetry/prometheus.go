package telemetry

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Describe implements prometheus.Collector. It sends nothing, which registers
// the Registry as an unchecked collector: metric names and label sets are
// only known once something is recorded.
func (r *Registry) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector, exposing each counter and
// histogram series as a const metric.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	counters, histograms := r.instruments()

	for _, c := range counters {
		for _, s := range c.snapshotSeries() {
			names, values := promLabels(s.labels)
			desc := prometheus.NewDesc(promName(c.name), c.description, names, nil)
			m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, s.sum, values...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(desc, err)
				continue
			}
			ch <- m
		}
	}

	for _, h := range histograms {
		for _, s := range h.snapshotSeries() {
			names, values := promLabels(s.labels)
			desc := prometheus.NewDesc(promName(h.name), h.description, names, nil)

			buckets := make(map[float64]uint64, len(h.bounds))
			var cumulative uint64
			for i, bound := range h.bounds {
				cumulative += s.buckets[i]
				buckets[bound] = cumulative
			}
			m, err := prometheus.NewConstHistogram(desc, s.count, s.sum, buckets, values...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(desc, err)
				continue
			}
			ch <- m
		}
	}
}

func promLabels(l Labels) (names, values []string) {
	keys := l.names()
	names = make([]string, 0, len(keys))
	values = make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, promName(k))
		values = append(values, l[k])
	}
	return names, values
}

// promName maps an OTel-style name ("http.server.duration") onto the
// Prometheus name charset.
func promName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}

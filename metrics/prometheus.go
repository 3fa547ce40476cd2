// Package metrics exposes core.MetricsRecorder on a Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-payhooks/core"
)

// DurationBuckets suit the *.duration_ms histograms the observer emits.
var DurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// PrometheusRecorder creates collectors lazily, one per metric name. The
// first call for a name fixes its label set; later tags are projected onto
// it, so unknown tags are dropped and missing ones are empty.
type PrometheusRecorder struct {
	registry *prometheus.Registry
	buckets  []float64

	mu         sync.Mutex
	counters   map[string]counterEntry
	histograms map[string]histogramEntry
}

type Option func(*PrometheusRecorder)

func WithRegistry(registry *prometheus.Registry) Option {
	return func(r *PrometheusRecorder) {
		if registry != nil {
			r.registry = registry
		}
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *PrometheusRecorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(r *PrometheusRecorder) {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

func NewPrometheusRecorder(opts ...Option) *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry:   prometheus.NewRegistry(),
		buckets:    DurationBuckets,
		counters:   map[string]counterEntry{},
		histograms: map[string]histogramEntry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	name = SanitizeName(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.counters[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "Counter " + name + ".",
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		entry = counterEntry{vec: vec, labels: labels}
		r.counters[name] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *PrometheusRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	name = SanitizeName(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.histograms[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "Histogram " + name + ".",
			Buckets: r.buckets,
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		entry = histogramEntry{vec: vec, labels: labels}
		r.histograms[name] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

// SanitizeName maps dotted observer names onto the Prometheus charset, e.g.
// "payhooks.dispatch.total" becomes "payhooks_dispatch_total".
func SanitizeName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "._-")
	var b strings.Builder
	b.Grow(len(name))
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_', ch == ':':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for key := range tags {
		label := SanitizeName(key)
		if label == "" || strings.HasPrefix(label, "__") || seen[label] {
			continue
		}
		seen[label] = true
		names = append(names, label)
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[SanitizeName(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = byLabel[label]
	}
	return values
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)

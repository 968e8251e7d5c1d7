package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics backs Metrics with github.com/prometheus/client_golang,
// registered against a caller-supplied registry so httpapi can expose it
// at /api/metrics without relying on the global default registry.
type PromMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPromMetrics constructs a Metrics recorder backed by the given registry.
func NewPromMetrics(registry *prometheus.Registry) *PromMetrics {
	return &PromMetrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncCounter increments a counter metric, creating it on first use.
func (m *PromMetrics) IncCounter(name string, value float64, tags ...string) {
	labels := tagLabels(tags)
	c := m.counterFor(name, labels)
	c.With(labels).Add(value)
}

// RecordTimer records a duration (seconds) on a histogram.
func (m *PromMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	labels := tagLabels(tags)
	h := m.histogramFor(name, labels)
	h.With(labels).Observe(duration.Seconds())
}

// RecordGauge sets a gauge value, creating it on first use.
func (m *PromMetrics) RecordGauge(name string, value float64, tags ...string) {
	labels := tagLabels(tags)
	g := m.gaugeFor(name, labels)
	g.With(labels).Set(value)
}

func (m *PromMetrics) counterFor(name string, labels prometheus.Labels) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name)}, labelNames(labels))
		m.registry.MustRegister(c)
		m.counters[name] = c
	}
	return c
}

func (m *PromMetrics) histogramFor(name string, labels prometheus.Labels) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: sanitize(name)}, labelNames(labels))
		m.registry.MustRegister(h)
		m.histograms[name] = h
	}
	return h
}

func (m *PromMetrics) gaugeFor(name string, labels prometheus.Labels) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name)}, labelNames(labels))
		m.registry.MustRegister(g)
		m.gauges[name] = g
	}
	return g
}

func tagLabels(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		labels[sanitize(tags[i])] = v
	}
	return labels
}

func labelNames(labels prometheus.Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func sanitize(name string) string {
	return strings.NewReplacer(":", "_", ".", "_", "-", "_").Replace(name)
}

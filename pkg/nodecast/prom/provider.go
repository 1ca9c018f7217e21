// Package prom provides a Prometheus implementation of the nodecast
// observability interfaces, plus an HTTP handler for scraping.
package prom

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodecast/nodecast/pkg/nodecast/o11y"
)

// Provider implements o11y.MetricsProvider backed by a Prometheus registry.
//
// Prometheus requires label names at instrument creation time, while the
// o11y interfaces pass labels per observation. The provider resolves this by
// creating the underlying vector lazily on the first observation and keying
// it by the observed label names. Each metric name must therefore be used
// with a consistent label set, which holds for every call site in nodecast.
type Provider struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewProvider creates a Provider with its own private Prometheus registry.
func NewProvider() *Provider {
	return &Provider{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler returns an HTTP handler serving the provider's registry in the
// Prometheus exposition format. Mount it at /metrics.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Counter creates a Prometheus-backed counter
func (p *Provider) Counter(name string) o11y.Counter {
	return &promCounter{provider: p, name: name}
}

// Histogram creates a Prometheus-backed histogram
func (p *Provider) Histogram(name string) o11y.Histogram {
	return &promHistogram{provider: p, name: name}
}

// Gauge creates a Prometheus-backed gauge
func (p *Provider) Gauge(name string) o11y.Gauge {
	return &promGauge{provider: p, name: name}
}

func (p *Provider) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames)
	p.registry.MustRegister(vec)
	p.counters[name] = vec
	return vec
}

func (p *Provider) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames)
	p.registry.MustRegister(vec)
	p.gauges[name] = vec
	return vec
}

func (p *Provider) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Buckets: prometheus.DefBuckets,
	}, labelNames)
	p.registry.MustRegister(vec)
	p.histograms[name] = vec
	return vec
}

type promCounter struct {
	provider *Provider
	name     string
}

func (c *promCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	c.provider.counterVec(c.name, names).WithLabelValues(values...).Add(float64(value))
}

type promGauge struct {
	provider *Provider
	name     string
}

func (g *promGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	g.provider.gaugeVec(g.name, names).WithLabelValues(values...).Set(value)
}

type promHistogram struct {
	provider *Provider
	name     string
}

func (h *promHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	h.provider.histogramVec(h.name, names).WithLabelValues(values...).Observe(value)
}

// splitLabels sorts labels by key so that the same label set always maps to
// the same vector ordering, then splits names from values.
func splitLabels(labels []o11y.Label) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}

	sorted := make([]o11y.Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	names := make([]string, len(sorted))
	values := make([]string, len(sorted))
	for i, label := range sorted {
		names[i] = label.Key
		values[i] = label.Value
	}
	return names, values
}

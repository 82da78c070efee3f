// Package metrics exposes the service's prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several services can coexist in one
// process (tests build many).
type Collector struct {
	registry *prometheus.Registry

	enrichTotal     *prometheus.CounterVec
	enrichDuration  prometheus.Histogram
	classifyTotal   *prometheus.CounterVec
	tierFailures    *prometheus.CounterVec
	persistTotal    *prometheus.CounterVec
	indexDropped    prometheus.Counter
	indexedTotal    *prometheus.CounterVec
	maintenanceRuns *prometheus.CounterVec
}

// NewCollector registers every instrument under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		enrichTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_total",
			Help:      "Enrichment calls by recommended action",
		}, []string{"action"}),
		enrichDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enrich_duration_seconds",
			Help:      "Enrichment latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		classifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_total",
			Help:      "Intent classifications by method and intent",
		}, []string{"method", "intent"}),
		tierFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_failures_total",
			Help:      "Memory tier call failures",
		}, []string{"tier", "op"}),
		persistTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Persisted events by outcome",
		}, []string{"outcome"}),
		indexDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_queue_dropped_total",
			Help:      "Events dropped from the indexing queue on overflow",
		}),
		indexedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_total",
			Help:      "Indexing attempts by status",
		}, []string{"status"}),
		maintenanceRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance runs by status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// The recorders below are nil-safe so components can run without metrics.

func (c *Collector) ObserveEnrich(action string, seconds float64) {
	if c == nil {
		return
	}
	c.enrichTotal.WithLabelValues(action).Inc()
	c.enrichDuration.Observe(seconds)
}

func (c *Collector) IncClassify(method, intent string) {
	if c == nil {
		return
	}
	c.classifyTotal.WithLabelValues(method, intent).Inc()
}

func (c *Collector) IncTierFailure(tier, op string) {
	if c == nil {
		return
	}
	c.tierFailures.WithLabelValues(tier, op).Inc()
}

func (c *Collector) IncPersist(outcome string) {
	if c == nil {
		return
	}
	c.persistTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncIndexDropped() {
	if c == nil {
		return
	}
	c.indexDropped.Inc()
}

func (c *Collector) IncIndexed(status string) {
	if c == nil {
		return
	}
	c.indexedTotal.WithLabelValues(status).Inc()
}

func (c *Collector) IncMaintenance(status string) {
	if c == nil {
		return
	}
	c.maintenanceRuns.WithLabelValues(status).Inc()
}

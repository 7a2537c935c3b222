// Package monitoring exposes Prometheus metrics for resolutions and the
// experiment snapshot, plus a store-backed summary of experiments by status.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes recorded in resolutions_total.
const (
	OutcomeInactive = "inactive"
	OutcomeError    = "error"
)

// Metrics holds the application's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	resolutions    *prometheus.CounterVec
	assignments    *prometheus.CounterVec
	resolveLatency prometheus.Histogram
	reloads        *prometheus.CounterVec
	snapshotSize   prometheus.Gauge
	snapshotAge    prometheus.Gauge
	byStatus       *prometheus.GaugeVec
}

// NewMetrics registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolve calls by outcome (inactive, forced, sticky, hash, error).",
		}, []string{"outcome"}),
		assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Variants served per experiment.",
		}, []string{"experiment", "variant"}),
		resolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving a request.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_reloads_total",
			Help:      "Experiment snapshot reloads by result.",
		}, []string{"result"}),
		snapshotSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_experiments",
			Help:      "Experiments in the current snapshot.",
		}),
		snapshotAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_loaded_timestamp_seconds",
			Help:      "Unix time the current snapshot was loaded.",
		}),
		byStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "experiments",
			Help:      "Stored experiments by status.",
		}, []string{"status"}),
	}
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveResolution records one resolve call. experimentID and variant are
// empty for inactive and failed resolutions.
func (m *Metrics) ObserveResolution(outcome, experimentID, variant string, took time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolveLatency.Observe(took.Seconds())
	if experimentID != "" && variant != "" {
		m.assignments.WithLabelValues(experimentID, variant).Inc()
	}
}

// ObserveReload records a snapshot load attempt.
func (m *Metrics) ObserveReload(ok bool, size int, at time.Time) {
	if m == nil {
		return
	}
	if !ok {
		m.reloads.WithLabelValues("error").Inc()
		return
	}
	m.reloads.WithLabelValues("ok").Inc()
	m.snapshotSize.Set(float64(size))
	m.snapshotAge.Set(float64(at.Unix()))
}

// SetStatusCounts publishes a summary's per-status counts.
func (m *Metrics) SetStatusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.byStatus.Reset()
	for status, n := range counts {
		m.byStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Package metrics exposes sync counters on a private Prometheus registry.
//
// All methods are safe on a nil *Metrics so components can be built
// without observability in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rrsync"

// Metrics holds the sync collectors.
type Metrics struct {
	registry *prometheus.Registry

	dispatched   prometheus.Counter
	facetErrors  *prometheus.CounterVec
	published    *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	restorePhase prometheus.Gauge
	progress     *prometheus.GaugeVec
	pending      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runreturns_dispatched_total",
			Help:      "RunReturns handed to the dispatcher, including replays.",
		}),
		facetErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facet_errors_total",
			Help:      "Facets skipped because their payload or side effect failed.",
		}, []string{"facet"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Transport publishes by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_outcomes_total",
			Help:      "Outbound sends by final outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_releases_total",
			Help:      "Boxed RunReturns released, by kind and reason.",
		}, []string{"kind", "reason"}),
		restorePhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restore_phase",
			Help:      "Current restore phase (0 idle, 5 done).",
		}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restore_progress_percent",
			Help:      "Last reported restore progress.",
		}, []string{"kind"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending",
			Help:      "In-flight work awaiting confirmation.",
		}, []string{"what"}),
	}
	m.registry.MustRegister(
		m.dispatched, m.facetErrors, m.published, m.deliveries,
		m.settlements, m.restorePhase, m.progress, m.pending,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

func (m *Metrics) FacetFailed(facet string) {
	if m == nil {
		return
	}
	m.facetErrors.WithLabelValues(facet).Inc()
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

// Delivery counts a send outcome: confirmed, failed or timeout.
func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Settlement(kind, reason string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) RestorePhase(phase int) {
	if m == nil {
		return
	}
	m.restorePhase.Set(float64(phase))
}

func (m *Metrics) RestoreProgress(kind string, percent int) {
	if m == nil {
		return
	}
	m.progress.WithLabelValues(kind).Set(float64(percent))
}

// Pending records the size of an in-flight set: sends, settlements or pings.
func (m *Metrics) Pending(what string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(what).Set(float64(n))
}

// Package telemetry provides opt-in local metrics for the sync engine.
//
// Nothing is collected unless the host enables metrics. A nil *Metrics is
// valid and every method on it is a no-op, so components can record
// unconditionally. Metrics are only exposed on the local /metrics endpoint;
// nothing is transmitted.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offlinesync"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	enqueued      *prometheus.CounterVec
	completed     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	retried       *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	active        prometheus.Gauge
}

// New creates Metrics when enabled is true and returns nil otherwise.
func New(enabled bool) *Metrics {
	if !enabled {
		return nil
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Actions accepted into the queue.",
		}, []string{"type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_completed_total",
			Help:      "Actions delivered successfully.",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_failed_total",
			Help:      "Actions that reached the failed state.",
		}, []string{"type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_retries_total",
			Help:      "Failed attempts scheduled for another try.",
		}, []string{"type"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles run, by network class.",
		}, []string{"network"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of a sync cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_active_actions",
			Help:      "Actions pending or syncing.",
		}),
	}
	m.registry.MustRegister(m.enqueued, m.completed, m.failed, m.retried,
		m.cycles, m.cycleDuration, m.active)
	return m
}

// IsEnabled reports whether metrics are being collected.
func (m *Metrics) IsEnabled() bool {
	return m != nil
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format. When metrics
// are disabled it answers 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Enqueued counts an accepted action.
func (m *Metrics) Enqueued(actionType string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(actionType).Inc()
}

// Completed counts a delivered action.
func (m *Metrics) Completed(actionType string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(actionType).Inc()
}

// Failed counts an action that reached the failed state.
func (m *Metrics) Failed(actionType string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(actionType).Inc()
}

// Retried counts a failed attempt that will be retried.
func (m *Metrics) Retried(actionType string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(actionType).Inc()
}

// Cycle records one finished sync cycle.
func (m *Metrics) Cycle(networkClass string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(networkClass).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
}

// SetActive records the number of pending and syncing actions.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// Package metrics exposes prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ttlock_bridge"

// Metrics owns a private registry and every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	cloudRequests *prometheus.HistogramVec
	cloudRetries  *prometheus.CounterVec
	tokenRefresh  *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	stateUpdates  *prometheus.CounterVec
	commands      *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	healthStatus  *prometheus.GaugeVec
	locks         prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cloudRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cloud_request_duration_seconds",
			Help:      "Cloud API calls by operation and outcome, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"op", "outcome"}),
		cloudRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloud_retries_total",
			Help:      "Cloud API retries by operation and reason.",
		}, []string{"op", "reason"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound webhook deliveries by result.",
		}, []string{"result"}),
		stateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "Applied lock state changes by source.",
		}, []string{"source"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands by kind and terminal phase.",
		}, []string{"kind", "phase"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweeps_total",
			Help:      "Reconciliation sweeps by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the current integration health status.",
		}, []string{"status"}),
		locks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks",
			Help:      "Locks known to the state store.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cloudRequests,
		m.cloudRetries,
		m.tokenRefresh,
		m.webhooks,
		m.stateUpdates,
		m.commands,
		m.sweeps,
		m.sweepDuration,
		m.healthStatus,
		m.locks,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a finished cloud call.
func (m *Metrics) ObserveRequest(op, outcome string, elapsed time.Duration) {
	m.cloudRequests.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}

// ObserveRetry records a retried cloud call.
func (m *Metrics) ObserveRetry(op, reason string) {
	m.cloudRetries.WithLabelValues(op, reason).Inc()
}

// TokenRefreshed counts refresh outcomes.
func (m *Metrics) TokenRefreshed(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tokenRefresh.WithLabelValues(result).Inc()
}

// WebhookDelivered counts webhook outcomes: accepted, duplicate, rejected, malformed.
func (m *Metrics) WebhookDelivered(result string) {
	m.webhooks.WithLabelValues(result).Inc()
}

// StateUpdated counts applied store changes.
func (m *Metrics) StateUpdated(source string) {
	m.stateUpdates.WithLabelValues(source).Inc()
}

// CommandFinished counts commands reaching a terminal phase.
func (m *Metrics) CommandFinished(kind, phase string) {
	m.commands.WithLabelValues(kind, phase).Inc()
}

// SweepFinished records a reconciliation sweep.
func (m *Metrics) SweepFinished(result string, elapsed time.Duration) {
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(elapsed.Seconds())
}

// SetHealth marks status as the only active health state.
func (m *Metrics) SetHealth(status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.healthStatus.WithLabelValues(s).Set(v)
	}
}

// SetLocks records the number of known locks.
func (m *Metrics) SetLocks(n int) {
	m.locks.Set(float64(n))
}

// MultiObserver fans token refresh notifications out to several observers.
type MultiObserver []interface{ TokenRefreshed(error) }

// TokenRefreshed implements auth.Observer.
func (o MultiObserver) TokenRefreshed(err error) {
	for _, obs := range o {
		if obs != nil {
			obs.TokenRefreshed(err)
		}
	}
}

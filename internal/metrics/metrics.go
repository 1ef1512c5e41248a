// Package metrics defines the Prometheus collectors shared across the
// orchestrator and exposes them on a dedicated registry so tests can
// instantiate isolated copies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	PrewarmAttempts    prometheus.Counter
	PrewarmFailures    prometheus.Counter
	InstancesRented    prometheus.Counter
	InstancesDestroyed prometheus.Counter
	PoolReady          prometheus.Gauge
	SafeMode           prometheus.Gauge

	JobsSubmitted *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	KeepalivePings     prometheus.Counter
	KeepaliveSuccesses prometheus.Counter
	KeepaliveFailures  prometheus.Counter
	ConnectionLost     prometheus.Counter

	HTTPRetries prometheus.Counter
}

// New builds a fresh registry with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PrewarmAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_prewarm_attempts_total",
			Help: "Number of warm pool prewarm attempts.",
		}),
		PrewarmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_prewarm_failures_total",
			Help: "Number of prewarm attempts that failed.",
		}),
		InstancesRented: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_instances_rented_total",
			Help: "Number of GPU instances rented.",
		}),
		InstancesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_instances_destroyed_total",
			Help: "Number of GPU instances destroyed.",
		}),
		PoolReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "muse_pool_ready",
			Help: "1 when a ready instance is held in the warm pool.",
		}),
		SafeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "muse_safe_mode",
			Help: "1 when safe mode suppresses automatic rentals.",
		}),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muse_jobs_submitted_total",
			Help: "Generation jobs submitted, by workflow type.",
		}, []string{"workflow"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muse_jobs_finished_total",
			Help: "Generation jobs finished, by workflow type and outcome.",
		}, []string{"workflow", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "muse_job_duration_seconds",
			Help:    "Wall time from submission to completion.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		}, []string{"workflow"}),
		KeepalivePings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_keepalive_pings_total",
			Help: "Keepalive pings sent to the active instance.",
		}),
		KeepaliveSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_keepalive_successes_total",
			Help: "Keepalive pings that succeeded.",
		}),
		KeepaliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_keepalive_failures_total",
			Help: "Keepalive pings that failed.",
		}),
		ConnectionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_connection_lost_total",
			Help: "Times the keepalive failure threshold was crossed.",
		}),
		HTTPRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "muse_http_retries_total",
			Help: "HTTP requests retried by the resilient client.",
		}),
	}

	reg.MustRegister(
		m.PrewarmAttempts, m.PrewarmFailures,
		m.InstancesRented, m.InstancesDestroyed,
		m.PoolReady, m.SafeMode,
		m.JobsSubmitted, m.JobsCompleted, m.JobDuration,
		m.KeepalivePings, m.KeepaliveSuccesses, m.KeepaliveFailures, m.ConnectionLost,
		m.HTTPRetries,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

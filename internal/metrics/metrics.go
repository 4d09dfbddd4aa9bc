// Package metrics holds the Prometheus collectors for dispatch and pool
// health, and an optional Valkey-backed store of delivery counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send outcome labels
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
)

// Health status names exported on PoolStatus
var statusNames = []string{"HEALTHY", "WARNING", "CRITICAL"}

// Metrics holds all Prometheus metrics for the service. Each instance is
// registered on its own registerer so several can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	SendsTotal     *prometheus.CounterVec
	SendDuration   prometheus.Histogram
	LegacySends    *prometheus.CounterVec
	BulkBatches    prometheus.Counter
	BulkItems      prometheus.Counter
	AsyncRejected  prometheus.Counter
	BreakerRejects *prometheus.CounterVec

	// Pool metrics, refreshed by the health monitor
	PoolActive   prometheus.Gauge
	PoolIdle     prometheus.Gauge
	PoolTotal    prometheus.Gauge
	PoolMaxTotal prometheus.Gauge
	PoolWaiters  prometheus.Gauge
	PoolStatus   *prometheus.GaugeVec
	PoolChecks   prometheus.Counter
}

// New creates and registers all metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smtppool_sends_total",
			Help: "Total number of pooled sends by outcome",
		}, []string{"outcome"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtppool_send_duration_seconds",
			Help:    "Duration of pooled sends including borrow wait",
			Buckets: prometheus.DefBuckets,
		}),
		LegacySends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smtppool_legacy_sends_total",
			Help: "Total number of single-shot sends that bypass the pool",
		}, []string{"outcome"}),
		BulkBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_bulk_batches_total",
			Help: "Total number of bulk send batches",
		}),
		BulkItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_bulk_items_total",
			Help: "Total number of messages submitted through bulk sends",
		}),
		AsyncRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_async_rejected_total",
			Help: "Total number of async sends the worker pool refused",
		}),
		BreakerRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smtppool_breaker_rejections_total",
			Help: "Connection attempts refused by an open circuit breaker",
		}, []string{"server"}),

		PoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_pool_active",
			Help: "Number of borrowed connections",
		}),
		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_pool_idle",
			Help: "Number of idle connections",
		}),
		PoolTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_pool_total",
			Help: "Number of connections owned by the pool",
		}),
		PoolMaxTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_pool_max_total",
			Help: "Configured pool capacity",
		}),
		PoolWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_pool_waiters",
			Help: "Number of callers blocked waiting for a connection",
		}),
		PoolStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtppool_pool_status",
			Help: "Current pool health verdict, 1 for the active status",
		}, []string{"status"}),
		PoolChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_pool_health_checks_total",
			Help: "Total number of pool health checks",
		}),
	}

	for _, outcome := range []string{OutcomeSuccess, OutcomeFailure, OutcomeInvalid, OutcomeDuplicate} {
		m.SendsTotal.WithLabelValues(outcome)
	}
	for _, status := range statusNames {
		m.PoolStatus.WithLabelValues(status).Set(0)
	}

	return m
}

// SetStatus marks status as the current verdict and clears the others
func (m *Metrics) SetStatus(status string) {
	for _, name := range statusNames {
		v := 0.0
		if name == status {
			v = 1
		}
		m.PoolStatus.WithLabelValues(name).Set(v)
	}
}

// Registry exposes the underlying registry for gathering
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format for this instance
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

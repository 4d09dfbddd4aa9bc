// Package health watches connection pool occupancy and derives a health
// verdict from it.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/pool"
)

// DefaultInterval is the period between scheduled checks
const DefaultInterval = 30 * time.Second

// highUtilization is the share of MaxTotal above which active connections
// raise a warning
const highUtilization = 0.8

// Status is the pool health verdict
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Probe states reported to load balancers
const (
	ProbeUp   = "UP"
	ProbeDown = "DOWN"
)

// Report is the result of one health check
type Report struct {
	Active    int       `json:"active"`
	Idle      int       `json:"idle"`
	Total     int       `json:"total"`
	MaxTotal  int       `json:"maxTotal"`
	Waiters   int       `json:"waiters"`
	Status    Status    `json:"status"`
	Warnings  []string  `json:"warnings,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ProbeResult is the UP/DOWN answer for the health endpoint
type ProbeResult struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
	Report Report `json:"report"`
}

// Connectable is any pooled object that can report its connection state
type Connectable interface {
	Connected() bool
}

// Monitor periodically reads pool counters. It never changes pool state
// except through the explicit connectivity round trip.
type Monitor[T Connectable] struct {
	pool     *pool.Pool[T]
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a monitor for p. m may be nil; interval <= 0 uses
// DefaultInterval.
func NewMonitor[T Connectable](p *pool.Pool[T], m *metrics.Metrics, interval time.Duration, logger *slog.Logger) *Monitor[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor[T]{
		pool:     p,
		metrics:  m,
		interval: interval,
		logger:   logger.With("component", "pool-health"),
		now:      time.Now,
	}
}

// Run checks the pool immediately and then on every interval until ctx ends
func (m *Monitor[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("pool health monitor started", "interval", m.interval)
	m.Check()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pool health monitor stopped")
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check reads the pool counters, logs warnings and updates the gauges
func (m *Monitor[T]) Check() Report {
	stats := m.pool.Stats()
	report := Evaluate(stats)
	report.CheckedAt = m.now()

	for _, w := range report.Warnings {
		m.logger.Warn(w,
			"active", report.Active,
			"idle", report.Idle,
			"max_total", report.MaxTotal)
	}
	m.logger.Debug("pool health checked",
		"status", report.Status,
		"stats", stats.String())

	if m.metrics != nil {
		m.metrics.PoolChecks.Inc()
		m.metrics.PoolActive.Set(float64(report.Active))
		m.metrics.PoolIdle.Set(float64(report.Idle))
		m.metrics.PoolTotal.Set(float64(report.Total))
		m.metrics.PoolMaxTotal.Set(float64(report.MaxTotal))
		m.metrics.PoolWaiters.Set(float64(report.Waiters))
		m.metrics.SetStatus(string(report.Status))
	}
	return report
}

// Evaluate derives the verdict for a stats snapshot: CRITICAL when every
// slot is active, WARNING above 80% utilization or with no idle connection,
// HEALTHY otherwise
func Evaluate(stats pool.Stats) Report {
	r := Report{
		Active:   stats.Active,
		Idle:     stats.Idle,
		Total:    stats.Active + stats.Idle,
		MaxTotal: stats.MaxTotal,
		Waiters:  stats.Waiters,
		Status:   StatusHealthy,
	}

	high := float64(r.Active) > highUtilization*float64(r.MaxTotal)
	if high {
		r.Warnings = append(r.Warnings, fmt.Sprintf("high pool utilization: %d of %d connections active", r.Active, r.MaxTotal))
	}
	if r.Idle == 0 {
		r.Warnings = append(r.Warnings, "no idle connections available")
	}

	switch {
	case r.Active >= r.MaxTotal:
		r.Status = StatusCritical
	case high || r.Idle == 0:
		r.Status = StatusWarning
	}
	return r
}

// TestPoolConnectivity borrows a connection, reports whether it is
// connected and returns it to the pool
func (m *Monitor[T]) TestPoolConnectivity(ctx context.Context) bool {
	entry, err := m.pool.Borrow(ctx)
	if err != nil {
		m.logger.Warn("connectivity check could not borrow a connection", "error", err)
		return false
	}

	connected := entry.Object().Connected()
	if err := m.pool.Return(entry); err != nil {
		m.logger.Warn("connectivity check could not return connection", "error", err)
	}
	if !connected {
		m.logger.Warn("connectivity check borrowed a disconnected connection")
	}
	return connected
}

// Probe answers UP unless the pool is closed or saturated
func (m *Monitor[T]) Probe() ProbeResult {
	stats := m.pool.Stats()
	report := Evaluate(stats)
	report.CheckedAt = m.now()

	switch {
	case stats.Closed:
		return ProbeResult{Status: ProbeDown, Detail: "connection pool closed", Report: report}
	case report.Status == StatusCritical:
		return ProbeResult{Status: ProbeDown, Detail: stats.String(), Report: report}
	default:
		return ProbeResult{Status: ProbeUp, Detail: stats.String(), Report: report}
	}
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/registry"
	"github.com/IshanDwivedii/smtp-pool/internal/transport"
)

// BreakerConfig configures the per-server circuit breakers that guard
// connection attempts
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig trips after three attempts with a 60% failure ratio
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// ConnFactory creates, validates and destroys pooled connections. Servers
// are picked from the selector when a connection is created; the connection
// stays bound to that server until destroyed.
type ConnFactory struct {
	selector registry.Selector
	dialer   transport.Dialer
	breaker  BreakerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewConnFactory creates a connection factory. m may be nil.
func NewConnFactory(selector registry.Selector, dialer transport.Dialer, breaker BreakerConfig, m *metrics.Metrics, logger *slog.Logger) *ConnFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker.MinRequests == 0 {
		breaker.MinRequests = 3
	}
	if breaker.FailureRatio <= 0 {
		breaker.FailureRatio = 0.6
	}
	return &ConnFactory{
		selector: selector,
		dialer:   dialer,
		breaker:  breaker,
		logger:   logger.With("component", "conn-factory"),
		metrics:  m,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Create builds an unconnected connection for the next server in rotation.
// Dialing is deferred to the first validation or use.
func (f *ConnFactory) Create(ctx context.Context) (*Conn, error) {
	srv, err := f.selector.Next()
	if err != nil {
		return nil, err
	}
	session, err := f.dialer.NewSession(srv)
	if err != nil {
		if errors.Is(err, transport.ErrTransportInit) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", transport.ErrTransportInit, err)
	}

	f.logger.Debug("connection created", "server", srv.Name)
	return newConn(session, f.now()), nil
}

// Validate connects an unconnected handle, or probes a connected one with
// RSET. Failures are logged and reported as false.
func (f *ConnFactory) Validate(ctx context.Context, c *Conn) bool {
	if err := f.check(ctx, c); err != nil {
		f.logger.Warn("connection validation failed",
			"server", c.Server().Name,
			"error", err)
		return false
	}
	return true
}

func (f *ConnFactory) check(ctx context.Context, c *Conn) error {
	if c == nil {
		return fmt.Errorf("%w: nil connection", ErrValidation)
	}
	if !c.Connected() {
		if err := f.Connect(ctx, c); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil
	}
	if err := c.Session().Reset(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	c.markValidated(f.now())
	return nil
}

// Connect dials c through its server's circuit breaker
func (f *ConnFactory) Connect(ctx context.Context, c *Conn) error {
	srv := c.Server()
	cb := f.breakerFor(srv.Name)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, c.Session().Connect(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if f.metrics != nil {
				f.metrics.BreakerRejects.WithLabelValues(srv.Name).Inc()
			}
		}
		return fmt.Errorf("connect to %s: %w", srv.Address(), err)
	}
	c.markValidated(f.now())
	return nil
}

// Destroy closes the connection. Errors are logged, never returned.
func (f *ConnFactory) Destroy(c *Conn) {
	if c == nil {
		return
	}
	if err := c.Session().Close(); err != nil {
		f.logger.Warn("error closing connection",
			"server", c.Server().Name,
			"error", err)
	}
}

// BreakerState returns the breaker state for a server, "closed" if it has
// never been used
func (f *ConnFactory) BreakerState(server string) string {
	f.mu.Lock()
	cb, ok := f.breakers[server]
	f.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func (f *ConnFactory) breakerFor(server string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[server]; ok {
		return cb
	}

	cfg := f.breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp-" + server,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	f.breakers[server] = cb
	return cb
}

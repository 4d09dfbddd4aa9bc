package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IshanDwivedii/smtp-pool/internal/api"
	"github.com/IshanDwivedii/smtp-pool/internal/cache"
	"github.com/IshanDwivedii/smtp-pool/internal/config"
	"github.com/IshanDwivedii/smtp-pool/internal/delivery"
	"github.com/IshanDwivedii/smtp-pool/internal/health"
	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/pool"
	"github.com/IshanDwivedii/smtp-pool/internal/registry"
	"github.com/IshanDwivedii/smtp-pool/internal/sendlog"
	"github.com/IshanDwivedii/smtp-pool/internal/transport"
)

// service holds every long lived component built from one configuration
type service struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	pool       *pool.Pool[*delivery.Conn]
	dispatcher *delivery.Dispatcher
	monitor    *health.Monitor[*delivery.Conn]

	dedup   *cache.Dedup
	sendLog *sendlog.Store
	stats   *metrics.ValkeyStore
}

// newService wires the registry, transport, pool and dispatcher together.
// Optional stores are only opened when configured.
func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *service, err error) {
	svc := &service{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = svc.close()
		}
	}()

	servers, err := cfg.ServerList()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(servers)
	if err != nil {
		return nil, fmt.Errorf("failed to build server registry: %w", err)
	}

	dialer := transport.NewGoMailDialer(logger)
	dialer.HeloName = cfg.Mail.HeloName

	factory := delivery.NewConnFactory(registry.NewRoundRobin(reg), dialer, cfg.BreakerSettings(), svc.metrics, logger)
	svc.pool, err = pool.New(cfg.PoolSettings(), factory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	opts := delivery.Options{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Metrics:   svc.metrics,
		Legacy:    dialer,
	}
	if enabled := reg.Enabled(); len(enabled) > 0 {
		opts.LegacyServer = enabled[0]
	}

	if cfg.Dedup.Type != "" {
		c, err := cache.New(cache.Config{
			Type:     cfg.Dedup.Type,
			Addr:     cfg.Dedup.Addr,
			Password: cfg.Dedup.Password,
			Database: cfg.Dedup.Database,
		})
		if err != nil {
			return nil, err
		}
		if err := c.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to %s dedup cache: %w", cfg.Dedup.Type, err)
		}
		svc.dedup = cache.NewDedup(c, cfg.Dedup.TTL.Duration)
		opts.Dedup = svc.dedup
	}

	if cfg.SendLog.Driver != "" {
		svc.sendLog, err = sendlog.Open(ctx, cfg.SendLog.Driver, cfg.SendLog.DSN, logger)
		if err != nil {
			return nil, err
		}
		opts.SendLog = svc.sendLog
	}

	if cfg.Stats.ValkeyAddr != "" {
		svc.stats, err = metrics.NewValkeyStore(cfg.Stats.ValkeyAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey stats store: %w", err)
		}
		opts.Stats = svc.stats
	}

	svc.dispatcher, err = delivery.NewDispatcher(svc.pool, factory, opts, logger)
	if err != nil {
		return nil, err
	}
	svc.monitor = health.NewMonitor(svc.pool, svc.metrics, cfg.Health.Interval.Duration, logger)
	return svc, nil
}

// apiDeps exposes the service to the HTTP API. Absent stores stay nil
// interfaces so the handlers can report them as unavailable.
func (s *service) apiDeps() api.Deps {
	deps := api.Deps{
		Sender:  s.dispatcher,
		Health:  s.monitor,
		Metrics: s.metrics,
	}
	if s.stats != nil {
		deps.Stats = s.stats
	}
	if s.sendLog != nil {
		deps.SendLog = s.sendLog
	}
	return deps
}

// close drains the dispatcher and releases every connection and store
func (s *service) close() error {
	var errs []error
	if s.dispatcher != nil {
		timeout := s.cfg.Dispatch.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if err := s.dispatcher.Close(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
			errs = append(errs, err)
		}
	}
	if s.dedup != nil {
		if err := s.dedup.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sendLog != nil {
		if err := s.sendLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.stats != nil {
		s.stats.Close()
	}
	return errors.Join(errs...)
}

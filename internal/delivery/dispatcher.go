// Package delivery borrows pooled SMTP connections to send messages. It
// provides single, asynchronous, bulk and legacy single-shot sends, and the
// connection factory the pool uses to create and validate connections.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/IshanDwivedii/smtp-pool/internal/message"
	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/pool"
	"github.com/IshanDwivedii/smtp-pool/internal/registry"
	"github.com/IshanDwivedii/smtp-pool/internal/reqctx"
	"github.com/IshanDwivedii/smtp-pool/internal/sendlog"
	"github.com/IshanDwivedii/smtp-pool/internal/transport"
)

const (
	DefaultWorkers   = 10
	DefaultQueueSize = 1000

	recordTimeout = 5 * time.Second
)

// Deduplicator claims idempotency keys so a retried request is sent once
type Deduplicator interface {
	Claim(ctx context.Context, key string) (bool, error)
	Confirm(ctx context.Context, key, messageID string) error
	Release(ctx context.Context, key string) error
}

// SendRecorder persists one row per send attempt
type SendRecorder interface {
	Record(ctx context.Context, e sendlog.Entry) error
}

// StatsRecorder keeps delivery counters outside the process
type StatsRecorder interface {
	IncrSent(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrLegacy(ctx context.Context) error
	AddRecentError(ctx context.Context, e metrics.RecentError) error
}

// Options configures a Dispatcher. Every collaborator except the pool is
// optional.
type Options struct {
	// Workers is the async worker pool size
	Workers int
	// QueueSize bounds how many async sends may wait for a free worker
	QueueSize int

	Dedup   Deduplicator
	SendLog SendRecorder
	Stats   StatsRecorder
	Metrics *metrics.Metrics

	// Legacy and LegacyServer enable SendLegacy
	Legacy       transport.OneShotSender
	LegacyServer *registry.Server
}

// Dispatcher sends messages over pooled connections
type Dispatcher struct {
	pool    *pool.Pool[*Conn]
	factory *ConnFactory
	workers *ants.Pool
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	// queue hands sends to the feeder, which submits them to workers
	mu     sync.RWMutex
	closed bool
	queue  chan func()
	fed    chan struct{}
}

// NewDispatcher creates a dispatcher over p. factory connects handles that
// were lent out without being validated.
func NewDispatcher(p *pool.Pool[*Conn], factory *ConnFactory, opts Options, logger *slog.Logger) (*Dispatcher, error) {
	if p == nil || factory == nil {
		return nil, errors.New("dispatcher requires a pool and a connection factory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		pool:    p,
		factory: factory,
		opts:    opts,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
		queue:   make(chan func(), opts.QueueSize),
		fed:     make(chan struct{}),
	}

	workers, err := ants.NewPool(opts.Workers,
		ants.WithPanicHandler(func(r interface{}) {
			d.logger.Error("async send worker panicked", "panic", r)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	d.workers = workers
	go d.feed()

	d.logger.Info("dispatcher initialized",
		"workers", opts.Workers,
		"queue_size", opts.QueueSize,
		"dedup", opts.Dedup != nil,
		"send_log", opts.SendLog != nil,
		"legacy", opts.Legacy != nil && opts.LegacyServer != nil)

	return d, nil
}

// Send validates msg and delivers it over a pooled connection. Invalid
// messages fail before the pool is touched.
func (d *Dispatcher) Send(ctx context.Context, msg *message.Message) Result {
	return d.deliver(ctx, msg, sendlog.PathPooled, "", d.sendPooled)
}

// SendAsync schedules Send on the worker pool and returns at once. When
// QueueSize sends are already waiting the future resolves immediately with
// ErrOverloaded.
func (d *Dispatcher) SendAsync(ctx context.Context, msg *message.Message) *Future {
	return d.submit(ctx, msg, sendlog.PathPooled, "", false)
}

// SendBulk sends every message concurrently and waits for all of them.
// Success is reported only when every message was sent; a failure never
// stops the remaining sends.
func (d *Dispatcher) SendBulk(ctx context.Context, msgs []*message.Message) BulkResult {
	res := BulkResult{
		BatchID: uuid.New().String(),
		Total:   len(msgs),
		Items:   make([]Result, len(msgs)),
	}
	if len(msgs) == 0 {
		d.logger.Warn("bulk send rejected: no messages", "batch_id", res.BatchID)
		return res
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.BulkBatches.Inc()
		d.opts.Metrics.BulkItems.Add(float64(len(msgs)))
	}

	ctx = reqctx.WithBatchID(ctx, res.BatchID)
	futures := make([]*Future, len(msgs))
	for i, msg := range msgs {
		futures[i] = d.submit(ctx, msg, sendlog.PathBulk, res.BatchID, true)
	}

	for i, f := range futures {
		item := f.Wait()
		res.Items[i] = item
		if item.Success {
			res.Succeeded++
			continue
		}
		d.logger.Warn("bulk item failed",
			"batch_id", res.BatchID,
			"index", i,
			"server", item.Server,
			"error", item.Error())
	}
	res.Success = res.Succeeded == res.Total

	d.logger.Info("bulk send completed",
		"batch_id", res.BatchID,
		"succeeded", res.Succeeded,
		"total", res.Total)
	return res
}

// SendLegacy delivers msg over a one-off connection to the legacy server,
// bypassing the pool
func (d *Dispatcher) SendLegacy(ctx context.Context, msg *message.Message) Result {
	return d.deliver(ctx, msg, sendlog.PathLegacy, "", d.sendLegacy)
}

// Stats returns the pool counters
func (d *Dispatcher) Stats() pool.Stats {
	return d.pool.Stats()
}

// Running returns the number of busy async workers
func (d *Dispatcher) Running() int {
	return d.workers.Running()
}

// Close refuses new async sends and waits up to timeout for queued and
// running ones. The connection pool is owned by the caller and is not
// closed.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	select {
	case <-d.fed:
	case <-time.After(timeout):
		return fmt.Errorf("failed to drain dispatch queue within %s", timeout)
	}
	if err := d.workers.ReleaseTimeout(time.Until(deadline)); err != nil && !errors.Is(err, ants.ErrPoolClosed) {
		return fmt.Errorf("failed to release dispatch workers: %w", err)
	}
	return nil
}

// feed moves queued sends onto the workers, blocking while all are busy
func (d *Dispatcher) feed() {
	defer close(d.fed)
	for task := range d.queue {
		if err := d.workers.Submit(task); err != nil {
			d.logger.Warn("worker pool refused queued send, running inline", "error", err)
			task()
		}
	}
}

// submit queues one send. With wait the call blocks for queue space until
// ctx ends; without it a full queue fails fast with ErrOverloaded.
func (d *Dispatcher) submit(ctx context.Context, msg *message.Message, path, batchID string, wait bool) *Future {
	f := newFuture()
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("async send panicked", "path", path, "panic", r)
				f.resolve(Result{Err: fmt.Errorf("send panicked: %v", r)})
			}
		}()
		if err := ctx.Err(); err != nil {
			f.resolve(Result{Err: err})
			return
		}
		f.resolve(d.deliver(ctx, msg, path, batchID, d.sendPooled))
	}

	if err := d.enqueue(ctx, task, wait); err != nil {
		if errors.Is(err, ErrOverloaded) && d.opts.Metrics != nil {
			d.opts.Metrics.AsyncRejected.Inc()
		}
		d.logger.Warn("async send rejected", "path", path, "error", err)
		return Completed(Result{Err: err})
	}
	return f
}

func (d *Dispatcher) enqueue(ctx context.Context, task func(), wait bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	if !wait {
		select {
		case d.queue <- task:
			return nil
		default:
			return fmt.Errorf("%w: %d sends waiting", ErrOverloaded, cap(d.queue))
		}
	}
	select {
	case d.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sendFunc func(ctx context.Context, msg *message.Message) Result

// deliver runs the shared pipeline around one send: normalize, validate,
// idempotency claim, send, then record the outcome.
func (d *Dispatcher) deliver(ctx context.Context, msg *message.Message, path, batchID string, send sendFunc) Result {
	start := d.now()

	if msg == nil {
		return d.rejected(fmt.Errorf("%w: message is nil", ErrInvalidRequest), path)
	}
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return d.rejected(fmt.Errorf("%w: %w", ErrInvalidRequest, err), path)
	}
	ctx = reqctx.WithMessageID(ctx, msg.EnsureID())

	claimed := false
	if key := msg.IdempotencyKey; key != "" && d.opts.Dedup != nil {
		ok, err := d.opts.Dedup.Claim(ctx, key)
		switch {
		case err != nil:
			d.logger.Warn("idempotency check failed, sending anyway",
				"key", key,
				"error", err)
		case !ok:
			d.logger.Info("duplicate send suppressed", "key", key)
			if d.opts.Metrics != nil {
				d.opts.Metrics.SendsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			}
			return Result{Err: fmt.Errorf("%w: %s", ErrDuplicate, key)}
		default:
			claimed = true
		}
	}

	res := send(ctx, msg)
	res.Duration = d.now().Sub(start)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if claimed {
		d.settleClaim(rctx, msg.IdempotencyKey, res)
	}
	d.record(rctx, msg, res, path, batchID)
	return res
}

// sendPooled borrows a connection, sends, and always releases the
// connection: returned on success, invalidated on any failure or panic.
func (d *Dispatcher) sendPooled(ctx context.Context, msg *message.Message) (res Result) {
	entry, err := d.pool.Borrow(ctx)
	if err != nil {
		d.logger.Warn("failed to borrow connection", "error", err)
		return Result{Err: err}
	}

	conn := entry.Object()
	res.Server = conn.Server().Name
	healthy := false

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during send", "server", res.Server, "panic", r)
			res = Result{Server: res.Server, Err: fmt.Errorf("send panicked: %v", r)}
			healthy = false
		}
		if healthy {
			if err := d.pool.Return(entry); err != nil {
				d.logger.Warn("failed to return connection", "server", res.Server, "error", err)
			}
			return
		}
		if err := d.pool.Invalidate(entry); err != nil {
			d.logger.Warn("failed to invalidate connection", "server", res.Server, "error", err)
		}
	}()

	if !conn.Connected() {
		if err := d.factory.Connect(ctx, conn); err != nil {
			res.Err = err
			return res
		}
	}

	id, err := conn.Session().Send(ctx, msg)
	conn.markUsed(d.now())
	if err != nil {
		res.Err = err
		return res
	}

	healthy = true
	res.Success = true
	res.MessageID = id
	return res
}

func (d *Dispatcher) sendLegacy(ctx context.Context, msg *message.Message) Result {
	if d.opts.Legacy == nil || d.opts.LegacyServer == nil {
		return Result{Err: ErrLegacyUnavailable}
	}
	srv := d.opts.LegacyServer
	id, err := d.opts.Legacy.SendOnce(ctx, srv, msg)
	if err != nil {
		return Result{Server: srv.Name, Err: err}
	}
	return Result{Success: true, MessageID: id, Server: srv.Name}
}

func (d *Dispatcher) rejected(err error, path string) Result {
	d.logger.Debug("send rejected", "path", path, "error", err)
	if d.opts.Metrics != nil {
		d.opts.Metrics.SendsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
	}
	return Result{Err: err}
}

func (d *Dispatcher) settleClaim(ctx context.Context, key string, res Result) {
	var err error
	if res.Success {
		err = d.opts.Dedup.Confirm(ctx, key, res.MessageID)
	} else {
		err = d.opts.Dedup.Release(ctx, key)
	}
	if err != nil {
		d.logger.Warn("failed to settle idempotency key", "key", key, "error", err)
	}
}

// record updates metrics and the optional stores. Store failures are logged
// and never change the result.
func (d *Dispatcher) record(ctx context.Context, msg *message.Message, res Result, path, batchID string) {
	outcome := metrics.OutcomeSuccess
	if !res.Success {
		outcome = metrics.OutcomeFailure
	}

	if m := d.opts.Metrics; m != nil {
		if path == sendlog.PathLegacy {
			m.LegacySends.WithLabelValues(outcome).Inc()
		} else {
			m.SendsTotal.WithLabelValues(outcome).Inc()
			m.SendDuration.Observe(res.Duration.Seconds())
		}
	}

	logger := d.logFor(ctx)
	if res.Success {
		logger.Debug("message sent",
			"path", path,
			"server", res.Server,
			"smtp_message_id", res.MessageID,
			"duration", res.Duration)
	} else {
		logger.Error("message send failed",
			"path", path,
			"server", res.Server,
			"error", res.Error())
	}

	if s := d.opts.Stats; s != nil {
		d.recordStats(ctx, s, msg, res, path)
	}

	if d.opts.SendLog != nil {
		err := d.opts.SendLog.Record(ctx, sendlog.Entry{
			BatchID:    batchID,
			Path:       path,
			Server:     res.Server,
			Sender:     msg.From,
			Recipients: msg.Recipients(),
			Subject:    msg.Subject,
			Success:    res.Success,
			Error:      res.Error(),
			MessageID:  res.MessageID,
			Duration:   res.Duration,
		})
		if err != nil {
			d.logger.Warn("failed to write send log", "error", err)
		}
	}
}

// logFor adds the request, batch and message IDs carried by ctx
func (d *Dispatcher) logFor(ctx context.Context) *slog.Logger {
	logger := d.logger
	if id := reqctx.RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if id := reqctx.BatchID(ctx); id != "" {
		logger = logger.With("batch_id", id)
	}
	if id := reqctx.MessageID(ctx); id != "" {
		logger = logger.With("message_id", id)
	}
	return logger
}

func (d *Dispatcher) recordStats(ctx context.Context, s StatsRecorder, msg *message.Message, res Result, path string) {
	var errs []error
	if path == sendlog.PathLegacy {
		errs = append(errs, s.IncrLegacy(ctx))
	}
	if res.Success {
		errs = append(errs, s.IncrSent(ctx))
	} else {
		errs = append(errs, s.IncrFailed(ctx))
		recipient := ""
		if len(msg.To) > 0 {
			recipient = msg.To[0]
		}
		errs = append(errs, s.AddRecentError(ctx, metrics.RecentError{
			MessageID: msg.ID,
			Server:    res.Server,
			Recipient: recipient,
			Error:     res.Error(),
			Timestamp: d.now().UTC().Format(time.RFC3339),
		}))
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("failed to update delivery stats", "error", err)
	}
}

// Package pool implements a bounded object pool with borrow/return/invalidate
// semantics, validation hooks and a background eviction sweep.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted is returned when Borrow waited MaxWait without capacity
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrPoolClosed is returned by every operation after Close
	ErrPoolClosed = errors.New("pool closed")
	// ErrIllegalTransition is returned when an entry is released twice, is
	// not active, or belongs to another pool
	ErrIllegalTransition = errors.New("illegal pool entry transition")
	// ErrValidationFailed is returned when a newly created object fails
	// validation on borrow
	ErrValidationFailed = errors.New("pooled object failed validation")
)

// Factory creates, validates and destroys pooled objects. Validate and
// Destroy must not propagate failures; they run outside the pool lock.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, obj T) bool
	Destroy(obj T)
}

// Pool manages the lifecycle of reusable objects. All accounting (idle set,
// active count, waiter queue) is guarded by a single mutex; factory calls
// happen outside it.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
	// idle is ordered least recently returned first
	idle     []*Entry[T]
	active   int
	checking int
	creating int
	waiters  []chan struct{}
	// reserved counts waiters signaled but not yet back under the lock;
	// that much free capacity is held for them
	reserved int
	closed   bool
	stats    counters

	evictCancel context.CancelFunc
	evictWg     sync.WaitGroup
}

type counters struct {
	created            int64
	destroyed          int64
	borrowed           int64
	returned           int64
	invalidated        int64
	evicted            int64
	validationFailures int64
	timeouts           int64
}

// New creates a pool, warms it up to MinIdle and starts the eviction sweep
// when EvictionInterval is positive.
func New[T any](cfg Config, factory Factory[T], logger *slog.Logger) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "connection-pool"),
		now:     time.Now,
	}

	p.ensureMinIdle(context.Background())

	if cfg.EvictionInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.evictCancel = cancel
		p.evictWg.Add(1)
		go p.evictionLoop(ctx)
	}

	p.logger.Info("connection pool initialized",
		"max_total", cfg.MaxTotal,
		"max_idle", cfg.MaxIdle,
		"min_idle", cfg.MinIdle,
		"max_wait", cfg.MaxWait,
		"eviction_interval", cfg.EvictionInterval)

	return p, nil
}

// Config returns the pool configuration
func (p *Pool[T]) Config() Config {
	return p.cfg
}

// Borrow lends out an active entry. It reuses the most recently returned idle
// entry, creates a new one while under MaxTotal, or waits for capacity up to
// MaxWait. Waiters are served in FIFO order: freed capacity is held for the
// longest waiting borrower and a new caller queues behind existing waiters.
func (p *Pool[T]) Borrow(ctx context.Context) (*Entry[T], error) {
	var deadline <-chan time.Time
	if p.cfg.MaxWait > 0 {
		timer := time.NewTimer(p.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	var w chan struct{}
	woken := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		free := p.availableLocked()
		front := woken
		woken = false
		var mayTake bool
		if front {
			p.reserved--
			mayTake = free > 0
		} else {
			mayTake = len(p.waiters) == 0 && free > p.reserved
		}

		if n := len(p.idle); mayTake && n > 0 {
			e := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			e.state = StateActive
			p.active++
			p.mu.Unlock()

			if p.cfg.TestOnBorrow && !p.factory.Validate(ctx, e.obj) {
				p.logger.Debug("idle connection failed validation on borrow")
				p.destroyActive(e, true)
				continue
			}

			p.markBorrowed(e)
			return e, nil
		}

		if mayTake && p.totalLocked() < p.cfg.MaxTotal {
			// reserve the slot before creating outside the lock
			p.active++
			p.mu.Unlock()
			return p.borrowNew(ctx)
		}

		if w == nil {
			w = make(chan struct{}, 1)
		}
		if front {
			// capacity was taken while waking; keep the place at the head
			p.waiters = append([]chan struct{}{w}, p.waiters...)
		} else {
			p.waiters = append(p.waiters, w)
		}
		p.signalLocked()
		p.mu.Unlock()

		select {
		case <-w:
			woken = true
			continue
		case <-deadline:
			p.abandonWait(w)
			p.mu.Lock()
			p.stats.timeouts++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: no connection available after %v", ErrPoolExhausted, p.cfg.MaxWait)
		case <-ctx.Done():
			p.abandonWait(w)
			return nil, ctx.Err()
		}
	}
}

func (p *Pool[T]) borrowNew(ctx context.Context) (*Entry[T], error) {
	obj, err := p.factory.Create(ctx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.signalLocked()
		p.mu.Unlock()
		return nil, err
	}

	e := p.newEntry(obj)
	p.mu.Lock()
	e.state = StateActive
	p.mu.Unlock()

	if p.cfg.TestOnBorrow && !p.factory.Validate(ctx, obj) {
		p.destroyActive(e, true)
		return nil, ErrValidationFailed
	}

	p.markBorrowed(e)
	return e, nil
}

// Return gives a borrowed entry back to the pool. With TestOnReturn an
// entry that fails validation is destroyed. When the idle set is full the
// least recently returned idle entry is destroyed to make room.
func (p *Pool[T]) Return(e *Entry[T]) error {
	if err := p.beginRelease(e); err != nil {
		return err
	}

	if p.cfg.TestOnReturn && !p.factory.Validate(context.Background(), e.obj) {
		p.logger.Debug("connection failed validation on return")
		p.destroyActive(e, true)
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyActive(e, false)
		return nil
	}

	p.active--
	e.state = StateIdle
	e.releasing = false
	e.lastReturnedAt = p.now()
	p.idle = append(p.idle, e)
	p.stats.returned++

	var excess *Entry[T]
	if len(p.idle)+p.checking > p.cfg.MaxIdle {
		excess = p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		excess.state = StateInvalid
	}
	p.signalLocked()
	p.mu.Unlock()

	if excess != nil {
		p.logger.Debug("idle set full, destroying least recently used connection",
			"max_idle", p.cfg.MaxIdle)
		p.finishDestroy(excess)
	}
	return nil
}

// Invalidate destroys a borrowed entry without validation. Callers use it
// when they already know the object is broken.
func (p *Pool[T]) Invalidate(e *Entry[T]) error {
	if err := p.beginRelease(e); err != nil {
		return err
	}

	p.mu.Lock()
	p.stats.invalidated++
	p.mu.Unlock()

	p.destroyActive(e, false)
	return nil
}

// Evict runs one eviction sweep. Idle entries are visited oldest first and
// destroyed once idle for MinEvictableIdleTime, never dropping below MinIdle.
// With TestWhileIdle the remaining idle entries are validated and failures
// destroyed regardless of age. The pool is then topped back up to MinIdle.
func (p *Pool[T]) Evict(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	now := p.now()
	remaining := len(p.idle)
	kept := make([]*Entry[T], 0, len(p.idle))
	var doomed []*Entry[T]
	for _, e := range p.idle {
		if p.cfg.MinEvictableIdleTime > 0 && remaining > p.cfg.MinIdle &&
			now.Sub(e.lastReturnedAt) >= p.cfg.MinEvictableIdleTime {
			e.state = StateInvalid
			doomed = append(doomed, e)
			remaining--
			continue
		}
		kept = append(kept, e)
	}

	var testing []*Entry[T]
	if p.cfg.TestWhileIdle {
		testing = kept
		kept = nil
		p.checking += len(testing)
	}
	p.idle = kept
	p.stats.evicted += int64(len(doomed))
	p.signalLocked()
	p.mu.Unlock()

	for _, e := range doomed {
		p.finishDestroy(e)
	}

	if len(doomed) > 0 {
		p.logger.Debug("evicted idle connections", "count", len(doomed))
	}

	if len(testing) > 0 {
		p.validateIdle(ctx, testing)
	}

	p.ensureMinIdle(ctx)

	stats := p.Stats()
	p.logger.Debug("connection pool maintenance",
		"idle", stats.Idle,
		"active", stats.Active,
		"total", stats.Total,
		"created", stats.Created,
		"destroyed", stats.Destroyed)
}

func (p *Pool[T]) validateIdle(ctx context.Context, entries []*Entry[T]) {
	valid := make([]*Entry[T], 0, len(entries))
	var failed []*Entry[T]
	for _, e := range entries {
		if p.factory.Validate(ctx, e.obj) {
			valid = append(valid, e)
		} else {
			failed = append(failed, e)
		}
	}

	p.mu.Lock()
	p.checking -= len(entries)
	p.stats.validationFailures += int64(len(failed))
	for _, e := range failed {
		e.state = StateInvalid
	}
	if p.closed {
		for _, e := range valid {
			e.state = StateInvalid
		}
		failed = append(failed, valid...)
	} else {
		// tested entries went idle before anything returned meanwhile
		p.idle = append(valid, p.idle...)
		for excess := len(p.idle) - p.cfg.MaxIdle; excess > 0; excess-- {
			e := p.idle[0]
			p.idle[0] = nil
			p.idle = p.idle[1:]
			e.state = StateInvalid
			failed = append(failed, e)
		}
	}
	p.signalLocked()
	p.mu.Unlock()

	for _, e := range failed {
		p.finishDestroy(e)
	}

	if len(failed) > 0 {
		p.logger.Debug("idle validation destroyed connections", "count", len(failed))
	}
}

// ensureMinIdle creates idle entries until MinIdle is reached or MaxTotal
// would be exceeded.
func (p *Pool[T]) ensureMinIdle(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle)+p.checking >= p.cfg.MinIdle || p.totalLocked() >= p.cfg.MaxTotal {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		obj, err := p.factory.Create(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.signalLocked()
			p.mu.Unlock()
			p.logger.Warn("failed to create idle connection", "error", err)
			return
		}

		e := p.newEntryLocked(obj)
		if p.closed {
			e.state = StateInvalid
			p.mu.Unlock()
			p.finishDestroy(e)
			return
		}
		e.state = StateIdle
		e.lastReturnedAt = p.now()
		p.idle = append(p.idle, e)
		p.signalLocked()
		p.mu.Unlock()
	}
}

func (p *Pool[T]) evictionLoop(ctx context.Context) {
	defer p.evictWg.Done()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Evict(ctx)
		}
	}
}

// Close stops the eviction sweep, destroys idle entries and fails pending
// and future borrows with ErrPoolClosed. Entries still borrowed are destroyed
// when they are returned.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, e := range idle {
		e.state = StateInvalid
	}
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.reserved = 0
	p.mu.Unlock()

	if p.evictCancel != nil {
		p.evictCancel()
		p.evictWg.Wait()
	}

	for _, e := range idle {
		p.finishDestroy(e)
	}

	stats := p.Stats()
	p.logger.Info("connection pool closed",
		"total_created", stats.Created,
		"total_destroyed", stats.Destroyed,
		"still_active", stats.Active)

	return nil
}

// Stats returns a consistent snapshot of the pool counters
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idle) + p.checking
	return Stats{
		Active:             p.active,
		Idle:               idle,
		Total:              p.active + idle,
		MaxTotal:           p.cfg.MaxTotal,
		MaxIdle:            p.cfg.MaxIdle,
		MinIdle:            p.cfg.MinIdle,
		Waiters:            len(p.waiters),
		Closed:             p.closed,
		Created:            p.stats.created,
		Destroyed:          p.stats.destroyed,
		Borrowed:           p.stats.borrowed,
		Returned:           p.stats.returned,
		Invalidated:        p.stats.invalidated,
		Evicted:            p.stats.evicted,
		ValidationFailures: p.stats.validationFailures,
		Timeouts:           p.stats.timeouts,
	}
}

// beginRelease checks ownership and marks the entry as being released so a
// second concurrent Return or Invalidate is rejected.
func (p *Pool[T]) beginRelease(e *Entry[T]) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrIllegalTransition)
	}
	if e.pool != p {
		return fmt.Errorf("%w: entry belongs to another pool", ErrIllegalTransition)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.state != StateActive || e.releasing {
		return fmt.Errorf("%w: cannot release entry in state %s", ErrIllegalTransition, e.state)
	}
	e.releasing = true
	return nil
}

// destroyActive destroys an entry that is counted as active and frees its slot
func (p *Pool[T]) destroyActive(e *Entry[T], validationFailure bool) {
	p.mu.Lock()
	e.state = StateInvalid
	e.releasing = false
	p.active--
	if validationFailure {
		p.stats.validationFailures++
	}
	p.signalLocked()
	p.mu.Unlock()

	p.finishDestroy(e)
}

// finishDestroy calls the factory outside the lock; e must already be invalid
func (p *Pool[T]) finishDestroy(e *Entry[T]) {
	p.factory.Destroy(e.obj)

	p.mu.Lock()
	e.state = StateDestroyed
	p.stats.destroyed++
	p.mu.Unlock()

	p.logger.Debug("destroyed connection",
		"usage_count", e.borrowCount,
		"age", p.now().Sub(e.createdAt))
}

func (p *Pool[T]) markBorrowed(e *Entry[T]) {
	p.mu.Lock()
	e.lastBorrowedAt = p.now()
	e.borrowCount++
	p.stats.borrowed++
	p.mu.Unlock()
}

func (p *Pool[T]) newEntry(obj T) *Entry[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newEntryLocked(obj)
}

func (p *Pool[T]) newEntryLocked(obj T) *Entry[T] {
	p.stats.created++
	now := p.now()
	return &Entry[T]{
		obj:            obj,
		pool:           p,
		state:          StateCreated,
		createdAt:      now,
		lastReturnedAt: now,
	}
}

func (p *Pool[T]) totalLocked() int {
	return p.active + len(p.idle) + p.checking + p.creating
}

// availableLocked is the capacity a borrow could use right now: idle
// entries plus slots left under MaxTotal
func (p *Pool[T]) availableLocked() int {
	return len(p.idle) + p.cfg.MaxTotal - p.totalLocked()
}

// signalLocked wakes waiters in FIFO order for every unit of free capacity
// not already held for an earlier wakeup
func (p *Pool[T]) signalLocked() {
	for len(p.waiters) > 0 && p.availableLocked() > p.reserved {
		w := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]
		p.reserved++
		w <- struct{}{}
	}
}

// abandonWait removes w from the queue. If w was already signaled, its
// reservation is released and handed to the next waiter.
func (p *Pool[T]) abandonWait(w chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}

	select {
	case _, ok := <-w:
		if ok {
			p.reserved--
			p.signalLocked()
		}
	default:
	}
}

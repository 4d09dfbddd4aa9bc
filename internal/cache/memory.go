package cache

import (
	"context"
	"sync"
	"time"
)

// item represents a cached value with expiration
type item struct {
	value      string
	expiration int64 // Unix nanoseconds, 0 for no expiry
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory implements Cache in process. It is the default store when no
// external cache is configured and is only correct for a single instance.
type Memory struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	items     map[string]item
	connected bool
	stop      chan struct{}
	done      chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		now:    time.Now,
		items:  make(map[string]item),
	}
}

// Connect starts the janitor that removes expired items
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.janitor(m.stop, m.done)

	m.connected = true
	return nil
}

func (m *Memory) janitor(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-stop:
			return
		}
	}
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	stop, done := m.stop, m.done
	m.items = make(map[string]item)
	m.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type returns the type of the cache
func (m *Memory) Type() string {
	return "memory"
}

func (m *Memory) expiry(expiration time.Duration) int64 {
	if expiration <= 0 {
		return 0
	}
	return m.now().Add(expiration).UnixNano()
}

// getLocked returns the live item for key, dropping it if expired
func (m *Memory) getLocked(key string) (item, bool) {
	it, ok := m.items[key]
	if !ok {
		return item{}, false
	}
	if it.expired(m.now().UnixNano()) {
		delete(m.items, key)
		return item{}, false
	}
	return it, true
}

// Get retrieves a value from the cache
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return "", ErrNotConnected
	}
	it, ok := m.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return it.value, nil
}

// Set stores a value in the cache
func (m *Memory) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.items[key] = item{value: value, expiration: m.expiry(expiration)}
	return nil
}

// SetNX sets a value only if the key does not exist
func (m *Memory) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}
	if _, ok := m.getLocked(key); ok {
		return false, nil
	}
	m.items[key] = item{value: value, expiration: m.expiry(expiration)}
	return true, nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if _, ok := m.getLocked(key); !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

// Exists checks if a key exists in the cache
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}
	_, ok := m.getLocked(key)
	return ok, nil
}

// Len returns the number of stored items, including expired ones not yet swept
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
}

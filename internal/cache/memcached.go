package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	config Config

	mu          sync.RWMutex
	client      *memcache.Client
	isConnected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Addr == "" {
		config.Addr = "localhost:11211"
	} else if _, _, err := net.SplitHostPort(config.Addr); err != nil {
		config.Addr = net.JoinHostPort(config.Addr, "11211")
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isConnected {
		return nil
	}

	client := memcache.New(m.config.Addr)
	client.Timeout = m.config.timeout()

	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.client = client
	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	m.client = nil
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isConnected
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

func (m *Memcached) conn() (*memcache.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.isConnected {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// expirationSeconds converts a TTL to memcached's seconds. Values above 30
// days are treated by the server as absolute timestamps and are clamped.
func expirationSeconds(d time.Duration) int32 {
	const maxRelative = 30 * 24 * time.Hour
	if d <= 0 {
		return 0
	}
	if d > maxRelative {
		d = maxRelative
	}
	secs := int32(d / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

// Get retrieves a value from the cache
func (m *Memcached) Get(ctx context.Context, key string) (string, error) {
	client, err := m.conn()
	if err != nil {
		return "", err
	}

	it, err := client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(it.Value), nil
}

// Set stores a value in the cache
func (m *Memcached) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	client, err := m.conn()
	if err != nil {
		return err
	}
	return client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds(expiration),
	})
}

// SetNX sets a value only if the key does not exist, using memcached add
func (m *Memcached) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	client, err := m.conn()
	if err != nil {
		return false, err
	}

	err = client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds(expiration),
	})
	if err != nil {
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes a value from the cache
func (m *Memcached) Delete(ctx context.Context, key string) error {
	client, err := m.conn()
	if err != nil {
		return err
	}

	if err := client.Delete(key); err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Exists checks if a key exists in the cache
func (m *Memcached) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

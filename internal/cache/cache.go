// Package cache provides the key/value stores used to remember idempotency
// keys between sends: in-process memory, Redis and Memcached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
	ErrUnsupported  = errors.New("unsupported cache type")
)

// Cache defines the interface that all cache implementations must satisfy
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the type of the cache (e.g., "redis", "memcached", etc.)
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional expiration
	Set(ctx context.Context, key, value string, expiration time.Duration) error

	// SetNX sets a value only if the key does not exist
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)
}

// Config represents the configuration for a cache
type Config struct {
	Type     string        // memory, redis or memcached
	Addr     string        // host:port
	Password string        // Redis only
	Database int           // Redis only
	Timeout  time.Duration // connect and operation timeout
}

// New creates an unconnected cache for config.Type
func New(config Config) (Cache, error) {
	switch config.Type {
	case "memory":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, config.Type)
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

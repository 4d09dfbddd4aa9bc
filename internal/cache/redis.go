package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Cache interface for Redis
type Redis struct {
	config Config

	mu        sync.RWMutex
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	} else if _, _, err := net.SplitHostPort(config.Addr); err != nil {
		config.Addr = net.JoinHostPort(config.Addr, "6379")
	}
	return &Redis{config: config}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         r.config.Addr,
		Password:     r.config.Password,
		DB:           r.config.Database,
		DialTimeout:  r.config.timeout(),
		ReadTimeout:  r.config.timeout(),
		WriteTimeout: r.config.timeout(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.config.timeout())
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.client = client
	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	return r.client.Close()
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

func (r *Redis) conn() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	client, err := r.conn()
	if err != nil {
		return "", err
	}

	val, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores a value in Redis
func (r *Redis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	return client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets a value in Redis only if the key does not exist
func (r *Redis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	client, err := r.conn()
	if err != nil {
		return false, err
	}
	return client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	client, err := r.conn()
	if err != nil {
		return err
	}

	result, err := client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists checks if a key exists in Redis
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	client, err := r.conn()
	if err != nil {
		return false, err
	}

	result, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

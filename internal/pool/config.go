package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for inconsistent pool settings
var ErrInvalidConfig = errors.New("invalid pool configuration")

// Config defines pool sizing, eviction and validation behavior
type Config struct {
	MaxTotal int
	MaxIdle  int
	MinIdle  int
	// MaxWait bounds how long Borrow waits for capacity. Zero or negative
	// waits until the caller's context ends.
	MaxWait time.Duration
	// EvictionInterval is the period of the background sweep. Zero or
	// negative disables the sweep.
	EvictionInterval time.Duration
	// MinEvictableIdleTime is how long an entry must sit idle before the
	// sweep may destroy it. Zero or negative disables age based eviction.
	MinEvictableIdleTime time.Duration
	TestOnBorrow         bool
	TestOnReturn         bool
	TestWhileIdle        bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxTotal:             20,
		MaxIdle:              10,
		MinIdle:              5,
		MaxWait:              5 * time.Second,
		EvictionInterval:     30 * time.Second,
		MinEvictableIdleTime: time.Minute,
		TestOnBorrow:         true,
		TestOnReturn:         false,
		TestWhileIdle:        true,
	}
}

// Validate checks 0 <= MinIdle <= MaxIdle <= MaxTotal and MaxTotal >= 1
func (c Config) Validate() error {
	if c.MaxTotal < 1 {
		return fmt.Errorf("%w: maxTotal must be >= 1, got %d", ErrInvalidConfig, c.MaxTotal)
	}
	if c.MinIdle < 0 {
		return fmt.Errorf("%w: minIdle must be >= 0, got %d", ErrInvalidConfig, c.MinIdle)
	}
	if c.MaxIdle < c.MinIdle {
		return fmt.Errorf("%w: maxIdle (%d) must be >= minIdle (%d)", ErrInvalidConfig, c.MaxIdle, c.MinIdle)
	}
	if c.MaxTotal < c.MaxIdle {
		return fmt.Errorf("%w: maxTotal (%d) must be >= maxIdle (%d)", ErrInvalidConfig, c.MaxTotal, c.MaxIdle)
	}
	return nil
}

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyKey is returned when an idempotency key is empty
var ErrEmptyKey = errors.New("empty idempotency key")

const pendingMarker = "pending"

// Dedup records idempotency keys so a retried send is not delivered twice.
// A key is claimed before sending, confirmed with the Message-ID on success
// and released on failure so the caller may retry.
type Dedup struct {
	cache  Cache
	ttl    time.Duration
	prefix string
}

// NewDedup wraps a connected cache
func NewDedup(c Cache, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedup{cache: c, ttl: ttl, prefix: "smtppool:dedup:"}
}

// Claim reserves key. It returns false when the key was already claimed.
func (d *Dedup) Claim(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	return d.cache.SetNX(ctx, d.prefix+key, pendingMarker, d.ttl)
}

// Confirm stores the Message-ID of a delivered send under key
func (d *Dedup) Confirm(ctx context.Context, key, messageID string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if messageID == "" {
		messageID = pendingMarker
	}
	return d.cache.Set(ctx, d.prefix+key, messageID, d.ttl)
}

// Release forgets key after a failed send
func (d *Dedup) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	err := d.cache.Delete(ctx, d.prefix+key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Lookup returns the Message-ID recorded for key, or "pending" while the
// original send is still in flight.
func (d *Dedup) Lookup(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	return d.cache.Get(ctx, d.prefix+key)
}

// Close closes the underlying cache
func (d *Dedup) Close() error {
	return d.cache.Close()
}

package delivery

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest is returned for malformed messages, before any pool use
	ErrInvalidRequest = errors.New("invalid send request")
	// ErrValidation is returned when a pooled connection fails validation
	ErrValidation = errors.New("connection validation failed")
	// ErrDuplicate is returned when an idempotency key was already used
	ErrDuplicate = errors.New("duplicate idempotency key")
	// ErrLegacyUnavailable is returned when no single-shot sender is configured
	ErrLegacyUnavailable = errors.New("legacy send path not configured")
	// ErrOverloaded is returned when the async queue has no room for a send
	ErrOverloaded = errors.New("async dispatch queue full")
	// ErrClosed is returned for async sends submitted after Close
	ErrClosed = errors.New("dispatcher closed")
)

// Result is the outcome of one send. Send never returns an error directly;
// failures are carried in Err.
type Result struct {
	Success   bool          `json:"success"`
	MessageID string        `json:"messageId,omitempty"`
	Err       error         `json:"-"`
	Server    string        `json:"server,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Error returns the failure text, or "" on success
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// BulkResult aggregates a bulk send. Success is true only when every item
// succeeded.
type BulkResult struct {
	BatchID   string   `json:"batchId"`
	Success   bool     `json:"success"`
	Succeeded int      `json:"succeeded"`
	Total     int      `json:"total"`
	Items     []Result `json:"items"`
}

package pool

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a pooled entry
type State int32

const (
	StateCreated State = iota
	StateIdle
	StateActive
	StateInvalid
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateInvalid:
		return "invalid"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateCreated: {StateIdle, StateActive, StateInvalid},
	StateIdle:    {StateActive, StateInvalid},
	StateActive:  {StateIdle, StateInvalid},
	StateInvalid: {StateDestroyed},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Entry wraps a pooled object with its lifecycle metadata. Exactly one
// borrower owns an active entry.
type Entry[T any] struct {
	obj  T
	pool *Pool[T]

	// guarded by pool.mu
	state          State
	releasing      bool
	createdAt      time.Time
	lastBorrowedAt time.Time
	lastReturnedAt time.Time
	borrowCount    int64
}

// Object returns the pooled object
func (e *Entry[T]) Object() T {
	return e.obj
}

// State returns the current lifecycle state
func (e *Entry[T]) State() State {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.state
}

// CreatedAt returns when the object was created
func (e *Entry[T]) CreatedAt() time.Time {
	return e.createdAt
}

// LastBorrowedAt returns when the entry was last lent out
func (e *Entry[T]) LastBorrowedAt() time.Time {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.lastBorrowedAt
}

// LastReturnedAt returns when the entry last became idle
func (e *Entry[T]) LastReturnedAt() time.Time {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.lastReturnedAt
}

// BorrowCount returns how many times the entry has been lent out
func (e *Entry[T]) BorrowCount() int64 {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.borrowCount
}

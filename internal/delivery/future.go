package delivery

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous send
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future already resolved with r
func Completed(r Result) *Future {
	f := newFuture()
	f.resolve(r)
	return f
}

// resolve sets the result; only the first call has any effect
func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the send finishes
func (f *Future) Wait() Result {
	<-f.done
	return f.result
}

// WaitContext blocks until the send finishes or ctx ends. Giving up on the
// wait does not cancel the send.
func (f *Future) WaitContext(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

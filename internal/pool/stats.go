package pool

import "fmt"

// Stats is a point-in-time snapshot of pool occupancy and lifetime counters.
// Active + Idle == Total and Total <= MaxTotal always hold for a snapshot.
type Stats struct {
	Active   int
	Idle     int
	Total    int
	MaxTotal int
	MaxIdle  int
	MinIdle  int
	Waiters  int
	Closed   bool

	Created            int64
	Destroyed          int64
	Borrowed           int64
	Returned           int64
	Invalidated        int64
	Evicted            int64
	ValidationFailures int64
	Timeouts           int64
}

// String renders the short form used by the stats endpoint and CLI
func (s Stats) String() string {
	return fmt.Sprintf("Pool Stats - Active: %d, Idle: %d, Total: %d", s.Active, s.Idle, s.Total)
}

// Utilization returns Active/MaxTotal in [0,1]
func (s Stats) Utilization() float64 {
	if s.MaxTotal <= 0 {
		return 0
	}
	return float64(s.Active) / float64(s.MaxTotal)
}

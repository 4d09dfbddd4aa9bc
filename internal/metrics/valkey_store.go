package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DeliveryTotals holds lifetime send counters
type DeliveryTotals struct {
	TotalSent   int64     `json:"total_sent"`
	TotalFailed int64     `json:"total_failed"`
	TotalLegacy int64     `json:"total_legacy"`
	LastUpdated time.Time `json:"last_updated"`
}

// HourlyStats holds hourly send counts
type HourlyStats struct {
	Hour   string `json:"hour"`
	Sent   int64  `json:"sent"`
	Failed int64  `json:"failed"`
}

// RecentError is one failed send kept for the stats endpoint
type RecentError struct {
	MessageID string `json:"message_id"`
	Server    string `json:"server"`
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

const recentErrorLimit = 100

// ValkeyStore keeps delivery counters in Valkey so they survive restarts
// and are shared between instances.
type ValkeyStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkeyStore creates a new Valkey-backed delivery store
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	if err != nil {
		return nil, err
	}

	return &ValkeyStore{
		client: client,
		prefix: "smtppool:stats:",
		now:    time.Now,
	}, nil
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) incrCounter(ctx context.Context, counterName string) error {
	now := s.now()
	key := s.prefix + counterName
	hourKey := s.prefix + "hourly:" + now.Format("2006-01-02:15") + ":" + counterName

	cmds := valkey.Commands{
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Incr().Key(hourKey).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(86400).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(now.Format(time.RFC3339)).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// IncrSent increments the successful send counter
func (s *ValkeyStore) IncrSent(ctx context.Context) error {
	return s.incrCounter(ctx, "sent")
}

// IncrFailed increments the failed send counter
func (s *ValkeyStore) IncrFailed(ctx context.Context) error {
	return s.incrCounter(ctx, "failed")
}

// IncrLegacy increments the single-shot send counter
func (s *ValkeyStore) IncrLegacy(ctx context.Context) error {
	return s.incrCounter(ctx, "legacy")
}

func (s *ValkeyStore) getInt(ctx context.Context, key string) int64 {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		return 0
	}
	return v
}

// Totals retrieves lifetime counters. Missing keys read as zero.
func (s *ValkeyStore) Totals(ctx context.Context) (*DeliveryTotals, error) {
	totals := &DeliveryTotals{
		TotalSent:   s.getInt(ctx, s.prefix+"sent"),
		TotalFailed: s.getInt(ctx, s.prefix+"failed"),
		TotalLegacy: s.getInt(ctx, s.prefix+"legacy"),
	}

	lastUpdated, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	if err != nil && !valkey.IsValkeyNil(err) {
		return nil, err
	}
	if lastUpdated != "" {
		totals.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	}

	return totals, nil
}

// HourlyStats retrieves per-hour counts for the last 24 hours, oldest first
func (s *ValkeyStore) HourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := s.now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		hourStr := hour.Format("2006-01-02:15")

		stats[i] = HourlyStats{
			Hour:   hour.Format("15:00"),
			Sent:   s.getInt(ctx, s.prefix+"hourly:"+hourStr+":sent"),
			Failed: s.getInt(ctx, s.prefix+"hourly:"+hourStr+":failed"),
		}
	}

	return stats, nil
}

// AddRecentError stores a failed send, keeping the newest entries
func (s *ValkeyStore) AddRecentError(ctx context.Context, e RecentError) error {
	if e.Timestamp == "" {
		e.Timestamp = s.now().Format(time.RFC3339)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := valkey.Commands{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(recentErrorLimit - 1).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// RecentErrors retrieves up to limit recent failures, newest first
func (s *ValkeyStore) RecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	if limit <= 0 {
		limit = 10
	}
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(result))
	for _, item := range result {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}

	return out, nil
}

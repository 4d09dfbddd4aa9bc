package api

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/IshanDwivedii/smtp-pool/internal/health"
	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/reqctx"
	"github.com/IshanDwivedii/smtp-pool/internal/sendlog"
)

const (
	defaultRecentErrors = 20
	defaultSendLogLimit = 50
	maxSendLogLimit     = 1000
)

var serverStartTime = time.Now()

// PoolStatsResponse is returned by the pool stats endpoint
type PoolStatsResponse struct {
	Active             int     `json:"active"`
	Idle               int     `json:"idle"`
	Total              int     `json:"total"`
	MaxTotal           int     `json:"maxTotal"`
	MaxIdle            int     `json:"maxIdle"`
	MinIdle            int     `json:"minIdle"`
	Waiters            int     `json:"waiters"`
	Utilization        float64 `json:"utilization"`
	Created            int64   `json:"created"`
	Destroyed          int64   `json:"destroyed"`
	Borrowed           int64   `json:"borrowed"`
	Returned           int64   `json:"returned"`
	Invalidated        int64   `json:"invalidated"`
	Evicted            int64   `json:"evicted"`
	ValidationFailures int64   `json:"validationFailures"`
	Timeouts           int64   `json:"timeouts"`
	Closed             bool    `json:"closed"`
	Summary            string  `json:"summary"`
	Uptime             string  `json:"uptime"`
	NumGoroutines      int     `json:"numGoroutines"`
}

// ConnectivityResponse is returned by the connectivity endpoint
type ConnectivityResponse struct {
	Connected bool `json:"connected"`
}

// DeliveryStatsResponse is returned by the delivery stats endpoint
type DeliveryStatsResponse struct {
	TotalSent    int64                 `json:"total_sent"`
	TotalFailed  int64                 `json:"total_failed"`
	TotalLegacy  int64                 `json:"total_legacy"`
	SuccessRate  float64               `json:"success_rate"`
	LastUpdated  time.Time             `json:"last_updated"`
	ByHour       []metrics.HourlyStats `json:"by_hour"`
	RecentErrors []metrics.RecentError `json:"recent_errors"`
}

// SendLogEntry is one send log row as returned by the API
type SendLogEntry struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batchId,omitempty"`
	Path       string    `json:"path"`
	Server     string    `json:"server,omitempty"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Sender.Stats()

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(stats.String() + "\n"))
		return
	}

	writeJSON(w, PoolStatsResponse{
		Active:             stats.Active,
		Idle:               stats.Idle,
		Total:              stats.Total,
		MaxTotal:           stats.MaxTotal,
		MaxIdle:            stats.MaxIdle,
		MinIdle:            stats.MinIdle,
		Waiters:            stats.Waiters,
		Utilization:        stats.Utilization(),
		Created:            stats.Created,
		Destroyed:          stats.Destroyed,
		Borrowed:           stats.Borrowed,
		Returned:           stats.Returned,
		Invalidated:        stats.Invalidated,
		Evicted:            stats.Evicted,
		ValidationFailures: stats.ValidationFailures,
		Timeouts:           stats.Timeouts,
		Closed:             stats.Closed,
		Summary:            stats.String(),
		Uptime:             time.Since(serverStartTime).Round(time.Second).String(),
		NumGoroutines:      runtime.NumGoroutine(),
	})
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	probe := s.deps.Health.Probe()
	status := http.StatusOK
	if probe.Status != health.ProbeUp {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, probe)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	connected := s.deps.Health.TestPoolConnectivity(r.Context())
	status := http.StatusOK
	if !connected {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, ConnectivityResponse{Connected: connected})
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "Delivery stats unavailable", "no stats store configured")
		return
	}
	ctx := r.Context()

	totals, err := s.deps.Stats.Totals(ctx)
	if err != nil {
		reqctx.Logger(ctx).Warn("failed to read delivery totals", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read delivery stats", err.Error())
		return
	}

	resp := DeliveryStatsResponse{
		TotalSent:   totals.TotalSent,
		TotalFailed: totals.TotalFailed,
		TotalLegacy: totals.TotalLegacy,
		LastUpdated: totals.LastUpdated,
	}
	if attempts := totals.TotalSent + totals.TotalFailed; attempts > 0 {
		resp.SuccessRate = float64(totals.TotalSent) / float64(attempts) * 100
	}

	// hourly and error breakdowns are best effort
	if resp.ByHour, err = s.deps.Stats.HourlyStats(ctx); err != nil {
		reqctx.Logger(ctx).Warn("failed to read hourly stats", "error", err)
	}
	if resp.RecentErrors, err = s.deps.Stats.RecentErrors(ctx, defaultRecentErrors); err != nil {
		reqctx.Logger(ctx).Warn("failed to read recent errors", "error", err)
	}
	writeJSON(w, resp)
}

func (s *Server) handleSendLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.SendLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Send log unavailable", "no send log configured")
		return
	}

	limit := defaultSendLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSendLogLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit", "limit must be between 1 and "+strconv.Itoa(maxSendLogLimit))
			return
		}
		limit = n
	}

	entries, err := s.deps.SendLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read send log", err.Error())
		return
	}
	writeJSON(w, toSendLogEntries(entries))
}

func (s *Server) handleSendLogBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.SendLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Send log unavailable", "no send log configured")
		return
	}

	id := mux.Vars(r)["id"]
	entries, err := s.deps.SendLog.Batch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read send log", err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "Batch not found", id)
		return
	}
	writeJSON(w, toSendLogEntries(entries))
}

func toSendLogEntries(entries []sendlog.Entry) []SendLogEntry {
	out := make([]SendLogEntry, len(entries))
	for i, e := range entries {
		out[i] = SendLogEntry{
			ID:         e.ID,
			BatchID:    e.BatchID,
			Path:       e.Path,
			Server:     e.Server,
			Sender:     e.Sender,
			Recipients: e.Recipients,
			Subject:    e.Subject,
			Success:    e.Success,
			Error:      e.Error,
			MessageID:  e.MessageID,
			DurationMS: e.Duration.Milliseconds(),
			CreatedAt:  e.CreatedAt,
		}
	}
	return out
}

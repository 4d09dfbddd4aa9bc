package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshanDwivedii/smtp-pool/internal/config"
	"github.com/IshanDwivedii/smtp-pool/internal/delivery"
	"github.com/IshanDwivedii/smtp-pool/internal/health"
	"github.com/IshanDwivedii/smtp-pool/internal/logging"
	"github.com/IshanDwivedii/smtp-pool/internal/message"
	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/pool"
	"github.com/IshanDwivedii/smtp-pool/internal/sendlog"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []*message.Message
	result   func(msg *message.Message) delivery.Result
	asyncErr error
	stats    pool.Stats
}

func (f *fakeSender) outcome(msg *message.Message) delivery.Result {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.result != nil {
		return f.result(msg)
	}
	return delivery.Result{Success: true, MessageID: "<" + msg.ID + "@test>", Server: "a"}
}

func (f *fakeSender) Send(ctx context.Context, msg *message.Message) delivery.Result {
	return f.outcome(msg)
}

func (f *fakeSender) SendLegacy(ctx context.Context, msg *message.Message) delivery.Result {
	return f.outcome(msg)
}

func (f *fakeSender) SendAsync(ctx context.Context, msg *message.Message) *delivery.Future {
	if f.asyncErr != nil {
		return delivery.Completed(delivery.Result{Err: f.asyncErr})
	}
	return delivery.Completed(f.outcome(msg))
}

func (f *fakeSender) SendBulk(ctx context.Context, msgs []*message.Message) delivery.BulkResult {
	out := delivery.BulkResult{BatchID: "batch-1", Total: len(msgs), Success: true}
	for _, msg := range msgs {
		res := f.outcome(msg)
		if res.Success {
			out.Succeeded++
		} else {
			out.Success = false
		}
		out.Items = append(out.Items, res)
	}
	return out
}

func (f *fakeSender) Stats() pool.Stats { return f.stats }

func (f *fakeSender) messages() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.sent...)
}

type fakeHealth struct {
	probe     health.ProbeResult
	connected bool
}

func (f *fakeHealth) Probe() health.ProbeResult { return f.probe }

func (f *fakeHealth) TestPoolConnectivity(ctx context.Context) bool { return f.connected }

type fakeStats struct {
	totals *metrics.DeliveryTotals
	err    error
}

func (f *fakeStats) Totals(ctx context.Context) (*metrics.DeliveryTotals, error) {
	return f.totals, f.err
}

func (f *fakeStats) HourlyStats(ctx context.Context) ([]metrics.HourlyStats, error) {
	return []metrics.HourlyStats{{Hour: "2026-10-16T10", Sent: 3, Failed: 1}}, nil
}

func (f *fakeStats) RecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error) {
	return nil, errors.New("valkey unavailable")
}

type fakeSendLog struct {
	entries []sendlog.Entry
	limit   int
}

func (f *fakeSendLog) Recent(ctx context.Context, limit int) ([]sendlog.Entry, error) {
	f.limit = limit
	return f.entries, nil
}

func (f *fakeSendLog) Batch(ctx context.Context, batchID string) ([]sendlog.Entry, error) {
	var out []sendlog.Entry
	for _, e := range f.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{Enabled: true, ListenAddr: "127.0.0.1:0"}
}

type fixture struct {
	sender *fakeSender
	health *fakeHealth
	server *Server
}

func newFixture(t *testing.T, cfg config.APIConfig, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		sender: &fakeSender{stats: pool.Stats{Active: 1, Idle: 2, Total: 3, MaxTotal: 5}},
		health: &fakeHealth{probe: health.ProbeResult{Status: health.ProbeUp, Detail: "ok"}, connected: true},
	}
	deps := Deps{Sender: f.sender, Health: f.health}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(cfg, deps, testLogger())
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

const validEmail = `{"from":"sender@example.com","to":"a@example.com, b@example.com","subject":"Hi","body":"Hello","cc":["c@example.com"]}`

func TestNewServer(t *testing.T) {
	deps := Deps{Sender: &fakeSender{}, Health: &fakeHealth{}}

	_, err := NewServer(config.APIConfig{Enabled: false}, deps, nil)
	assert.ErrorContains(t, err, "disabled")

	_, err = NewServer(testAPIConfig(), Deps{}, nil)
	assert.Error(t, err)

	cfg := testAPIConfig()
	cfg.AuthEnabled = true
	_, err = NewServer(cfg, deps, nil)
	assert.ErrorContains(t, err, "API keys")

	srv, err := NewServer(config.APIConfig{Enabled: true}, deps, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultListenAddr, srv.config.ListenAddr)
}

func TestSendEmail(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodPost, "/api/email/send", validEmail)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[EmailResponse](t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, "Email sent successfully :)", resp.Message)
	assert.NotEmpty(t, resp.MessageID)

	sent := f.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, sent[0].To)
	assert.Equal(t, []string{"c@example.com"}, sent[0].Cc)
}

func TestSendEmailFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid", fmt.Errorf("%w: %w", delivery.ErrInvalidRequest, message.ErrMissingSender), http.StatusBadRequest},
		{"duplicate", delivery.ErrDuplicate, http.StatusConflict},
		{"transport", errors.New("connect to a: connection refused"), http.StatusInternalServerError},
		{"exhausted", pool.ErrPoolExhausted, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testAPIConfig(), nil)
			f.sender.result = func(*message.Message) delivery.Result { return delivery.Result{Err: tt.err} }

			rr := f.do(http.MethodPost, "/api/email/send", validEmail)
			assert.Equal(t, tt.code, rr.Code)
			resp := decode[EmailResponse](t, rr)
			assert.False(t, resp.Success)
			assert.Equal(t, "Failed To send email :(", resp.Message)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestSendEmailBadBody(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodPost, "/api/email/send", `{"to": 42}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, "/api/email/send", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.sender.messages())

	rr = f.do(http.MethodGet, "/api/email/send", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSendAsync(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodPost, "/api/email/send/async", validEmail)
	require.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode[EmailResponse](t, rr)
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.MessageID)

	sent := f.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, resp.MessageID, sent[0].ID)
}

func TestSendAsyncRejects(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodPost, "/api/email/send/async", `{"to":"a@example.com","subject":"s","body":"b"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.sender.messages(), "invalid messages are not submitted")

	f.sender.asyncErr = fmt.Errorf("%w: 1000 sends waiting", delivery.ErrOverloaded)
	rr = f.do(http.MethodPost, "/api/email/send/async", validEmail)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	f.sender.asyncErr = delivery.ErrClosed
	rr = f.do(http.MethodPost, "/api/email/send/async", validEmail)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSendBulk(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)
	body := `{"messages":[` + validEmail + `,` + validEmail + `]}`

	rr := f.do(http.MethodPost, "/api/email/bulk", body)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[BulkEmailResponse](t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, "batch-1", resp.BatchID)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "a", resp.Items[0].Server)

	calls := 0
	f.sender.result = func(msg *message.Message) delivery.Result {
		calls++
		if calls == 1 {
			return delivery.Result{Err: errors.New("550 mailbox unavailable")}
		}
		return delivery.Result{Success: true, MessageID: "<ok@test>"}
	}
	rr = f.do(http.MethodPost, "/api/email/bulk", body)
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	resp = decode[BulkEmailResponse](t, rr)
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, "550 mailbox unavailable", resp.Items[0].Error)
	assert.True(t, resp.Items[1].Success)

	rr = f.do(http.MethodPost, "/api/email/bulk", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSendLegacy(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodPost, "/api/email/legacy", validEmail)
	assert.Equal(t, http.StatusOK, rr.Code)

	f.sender.result = func(*message.Message) delivery.Result {
		return delivery.Result{Err: delivery.ErrLegacyUnavailable}
	}
	rr = f.do(http.MethodPost, "/api/email/legacy", validEmail)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPoolStats(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodGet, "/api/pool/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[PoolStatsResponse](t, rr)
	assert.Equal(t, 1, resp.Active)
	assert.Equal(t, 2, resp.Idle)
	assert.Equal(t, 5, resp.MaxTotal)
	assert.InDelta(t, 0.2, resp.Utilization, 1e-9)
	assert.Equal(t, "Pool Stats - Active: 1, Idle: 2, Total: 3", resp.Summary)

	rr = f.do(http.MethodGet, "/api/pool/stats?format=text", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Pool Stats - Active: 1, Idle: 2, Total: 3\n", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
}

func TestPoolHealth(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodGet, "/api/pool/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, health.ProbeUp, decode[health.ProbeResult](t, rr).Status)

	f.health.probe = health.ProbeResult{Status: health.ProbeDown, Detail: "connection pool closed"}
	rr = f.do(http.MethodGet, "/api/pool/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "connection pool closed", decode[health.ProbeResult](t, rr).Detail)
}

func TestPoolConnectivity(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodGet, "/api/pool/connectivity", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[ConnectivityResponse](t, rr).Connected)

	f.health.connected = false
	rr = f.do(http.MethodGet, "/api/pool/connectivity", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.False(t, decode[ConnectivityResponse](t, rr).Connected)
}

func TestDeliveryStats(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)
	rr := f.do(http.MethodGet, "/api/stats/delivery", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	store := &fakeStats{totals: &metrics.DeliveryTotals{TotalSent: 3, TotalFailed: 1, TotalLegacy: 2}}
	f = newFixture(t, testAPIConfig(), func(d *Deps) { d.Stats = store })

	rr = f.do(http.MethodGet, "/api/stats/delivery", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[DeliveryStatsResponse](t, rr)
	assert.Equal(t, int64(3), resp.TotalSent)
	assert.Equal(t, int64(2), resp.TotalLegacy)
	assert.InDelta(t, 75.0, resp.SuccessRate, 1e-9)
	assert.Len(t, resp.ByHour, 1)
	assert.Empty(t, resp.RecentErrors, "a failing breakdown does not fail the endpoint")

	store.err = errors.New("connection refused")
	rr = f.do(http.MethodGet, "/api/stats/delivery", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestSendLogEndpoints(t *testing.T) {
	log := &fakeSendLog{entries: []sendlog.Entry{
		{ID: "1", BatchID: "b1", Path: sendlog.PathBulk, Sender: "s@example.com", Recipients: []string{"a@example.com"}, Success: true, Duration: 1500 * time.Millisecond},
		{ID: "2", Path: sendlog.PathPooled, Sender: "s@example.com", Error: "550"},
	}}
	f := newFixture(t, testAPIConfig(), func(d *Deps) { d.SendLog = log })

	rr := f.do(http.MethodGet, "/api/sendlog?limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	entries := decode[[]SendLogEntry](t, rr)
	require.Len(t, entries, 2)
	assert.Equal(t, 10, log.limit)
	assert.Equal(t, int64(1500), entries[0].DurationMS)

	rr = f.do(http.MethodGet, "/api/sendlog?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodGet, "/api/sendlog/batch/b1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]SendLogEntry](t, rr), 1)

	rr = f.do(http.MethodGet, "/api/sendlog/batch/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLogLevelEndpoints(t *testing.T) {
	defer logging.GetLevelManager().SetLevel(slog.LevelInfo)
	f := newFixture(t, testAPIConfig(), nil)

	rr := f.do(http.MethodPut, "/api/logging/level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, slog.LevelDebug, logging.GetLevelManager().GetLevel())

	rr = f.do(http.MethodGet, "/api/logging/level", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DEBUG", decode[LogLevelResponse](t, rr).CurrentLevel)

	rr = f.do(http.MethodPut, "/api/logging/level", `{"level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(http.MethodPut, "/api/logging/level", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthProtectsSendEndpoints(t *testing.T) {
	hash, err := HashAPIKey("k1")
	require.NoError(t, err)
	cfg := testAPIConfig()
	cfg.AuthEnabled = true
	cfg.APIKeys = []string{hash}
	f := newFixture(t, cfg, nil)

	rr := f.do(http.MethodPost, "/api/email/send", validEmail)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, f.sender.messages())

	rr = f.do(http.MethodPost, "/api/email/send", validEmail, "Authorization", "Bearer k1")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPut, "/api/logging/level", `{"level":"info"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(http.MethodGet, "/api/pool/health", "")
	assert.Equal(t, http.StatusOK, rr.Code, "probes stay public")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.PoolActive.Set(4)
	f := newFixture(t, testAPIConfig(), func(d *Deps) { d.Metrics = m })

	rr := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "smtppool_pool_active 4")

	f = newFixture(t, testAPIConfig(), nil)
	rr = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/api/pool/stats?format=text"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && bytes.HasPrefix(body, []byte("Pool Stats"))
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

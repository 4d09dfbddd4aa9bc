// Package api exposes the pooled sender over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/IshanDwivedii/smtp-pool/internal/config"
	"github.com/IshanDwivedii/smtp-pool/internal/delivery"
	"github.com/IshanDwivedii/smtp-pool/internal/health"
	"github.com/IshanDwivedii/smtp-pool/internal/message"
	"github.com/IshanDwivedii/smtp-pool/internal/metrics"
	"github.com/IshanDwivedii/smtp-pool/internal/pool"
	"github.com/IshanDwivedii/smtp-pool/internal/sendlog"
)

const (
	defaultListenAddr = "127.0.0.1:8080"
	maxRequestBody    = 10 << 20
	shutdownTimeout   = 10 * time.Second
)

// Sender is the dispatcher surface the handlers need
type Sender interface {
	Send(ctx context.Context, msg *message.Message) delivery.Result
	SendAsync(ctx context.Context, msg *message.Message) *delivery.Future
	SendBulk(ctx context.Context, msgs []*message.Message) delivery.BulkResult
	SendLegacy(ctx context.Context, msg *message.Message) delivery.Result
	Stats() pool.Stats
}

// PoolHealth is the health monitor surface the handlers need
type PoolHealth interface {
	Probe() health.ProbeResult
	TestPoolConnectivity(ctx context.Context) bool
}

// DeliveryStatsStore reads the shared delivery counters
type DeliveryStatsStore interface {
	Totals(ctx context.Context) (*metrics.DeliveryTotals, error)
	HourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	RecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// SendLogReader reads recorded send results
type SendLogReader interface {
	Recent(ctx context.Context, limit int) ([]sendlog.Entry, error)
	Batch(ctx context.Context, batchID string) ([]sendlog.Entry, error)
}

// Deps are the collaborators served by the API. Sender and Health are
// required; the rest are optional and their endpoints answer 503 when nil.
type Deps struct {
	Sender  Sender
	Health  PoolHealth
	Stats   DeliveryStatsStore
	SendLog SendLogReader
	Metrics *metrics.Metrics
}

// Server is the HTTP API server
type Server struct {
	config      config.APIConfig
	deps        Deps
	logger      *slog.Logger
	auth        *APIKeyAuth
	rateLimiter *RateLimitMiddleware
	router      *mux.Router
	httpServer  *http.Server
}

// NewServer creates the API server and builds its routes
func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("API server disabled in configuration")
	}
	if deps.Sender == nil || deps.Health == nil {
		return nil, fmt.Errorf("API server requires a sender and a health monitor")
	}
	if cfg.AuthEnabled && len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("API auth enabled without any API keys")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		logger:      logger.With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
	if cfg.AuthEnabled {
		s.auth = NewAPIKeyAuth(cfg.APIKeys)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware(s.logger), LoggingMiddleware)

	protect := func(h http.HandlerFunc) http.Handler {
		if s.auth == nil {
			return h
		}
		return s.auth.RequireKey(h)
	}

	api := r.PathPrefix("/api").Subrouter()

	email := api.PathPrefix("/email").Subrouter()
	email.Use(s.rateLimiter.Limit)
	email.Handle("/send", protect(s.handleSend)).Methods(http.MethodPost)
	email.Handle("/send/async", protect(s.handleSendAsync)).Methods(http.MethodPost)
	email.Handle("/bulk", protect(s.handleBulk)).Methods(http.MethodPost)
	email.Handle("/legacy", protect(s.handleLegacy)).Methods(http.MethodPost)

	api.HandleFunc("/pool/stats", s.handlePoolStats).Methods(http.MethodGet)
	api.HandleFunc("/pool/health", s.handlePoolHealth).Methods(http.MethodGet)
	api.HandleFunc("/pool/connectivity", s.handleConnectivity).Methods(http.MethodGet)
	api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods(http.MethodGet)
	api.Handle("/sendlog", protect(s.handleSendLog)).Methods(http.MethodGet)
	api.Handle("/sendlog/batch/{id}", protect(s.handleSendLogBatch)).Methods(http.MethodGet)

	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods(http.MethodGet)
	api.Handle("/logging/level", protect(s.HandleSetLogLevel)).Methods(http.MethodPost, http.MethodPut)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout.Duration,
		WriteTimeout: s.config.WriteTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "addr", ln.Addr().String(), "auth_enabled", s.auth != nil)
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	s.logger.Info("API server stopped")
	if err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

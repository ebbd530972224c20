// Package admin serves the maxiofs admin HTTP endpoint: health checks,
// Prometheus metrics, read-only usage queries and runtime trace snapshots.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/metrics"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/maxiofs/maxiofs/internal/tracing"
	"github.com/rs/zerolog"
)

// Accounting answers the usage queries. *accounting.Aggregator implements it.
type Accounting interface {
	BucketSummaries(ctx context.Context, scope accounting.Scope) ([]accounting.BucketSummary, error)
	StorageMetrics(ctx context.Context, scope accounting.Scope) (*accounting.StorageMetrics, error)
	SystemStorageMetrics(ctx context.Context) (*accounting.SystemMetrics, error)
	TenantUsages(ctx context.Context) ([]*quota.Usage, error)
}

// Quotas looks up one tenant's quota. *lifecycle.Manager implements it.
type Quotas interface {
	TenantQuota(ctx context.Context, tenantID string) (*quota.Usage, error)
}

// Options configures a Server.
type Options struct {
	Accounting Accounting
	Quotas     Quotas
	// Recorder serves /debug/trace. Nil answers 503.
	Recorder *tracing.Recorder
	Logger   zerolog.Logger
}

// Response is the envelope of every /api/v1 reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server is the admin HTTP endpoint.
type Server struct {
	mux      *http.ServeMux
	acct     Accounting
	quotas   Quotas
	recorder *tracing.Recorder
	logger   zerolog.Logger
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Accounting == nil || opts.Quotas == nil {
		return nil, errors.New("admin server requires accounting and quotas")
	}
	s := &Server{
		mux:      http.NewServeMux(),
		acct:     opts.Accounting,
		quotas:   opts.Quotas,
		recorder: opts.Recorder,
		logger:   opts.Logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("GET /health", healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /debug/trace", s.traceHandler)

	s.mux.HandleFunc("GET /api/v1/storage", s.handleStorage)
	s.mux.HandleFunc("GET /api/v1/storage/top", s.handleTopBuckets)
	s.mux.HandleFunc("GET /api/v1/buckets", s.handleBuckets)
	s.mux.HandleFunc("GET /api/v1/system", s.handleSystem)
	s.mux.HandleFunc("GET /api/v1/tenants", s.handleTenants)
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/quota", s.handleTenantQuota)
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // trace snapshots can be large
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin endpoint listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		return nil
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// traceHandler returns a runtime trace snapshot readable by `go tool trace`.
func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.recorder.Enabled() {
		http.Error(w, "tracing not enabled (set admin.trace)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

	if err := s.recorder.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// scope reads the optional tenant query parameter. An empty value selects
// the global buckets; no parameter selects everything.
func scope(r *http.Request) accounting.Scope {
	q := r.URL.Query()
	if !q.Has("tenant") {
		return accounting.AllTenants()
	}
	return accounting.Tenant(q.Get("tenant"))
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	sm, err := s.acct.StorageMetrics(r.Context(), scope(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sm)
}

func (s *Server) handleTopBuckets(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeStatus(w, http.StatusBadRequest, fmt.Sprintf("invalid n %q", v))
			return
		}
		n = parsed
	}
	sm, err := s.acct.StorageMetrics(r.Context(), scope(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sm.TopBuckets(n))
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.acct.BucketSummaries(r.Context(), scope(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, buckets)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	sys, err := s.acct.SystemStorageMetrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sys)
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	usages, err := s.acct.TenantUsages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, usages)
}

func (s *Server) handleTenantQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := s.quotas.TenantQuota(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, usage)
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrTenantNotFound), errors.Is(err, meta.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, meta.ErrStorageUnavailable), errors.Is(err, meta.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	s.writeStatus(w, status, err.Error())
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Error: msg})
	s.logger.Warn().Int("status", status).Str("error", msg).Msg("Admin request failed")
}

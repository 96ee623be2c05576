// ABOUTME: HTTP surface for metrics and health: chi router with /metrics and /healthz.
// ABOUTME: Runs until its context is cancelled, then shuts down gracefully.

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-relay/internal/monitor"
)

// StatsSource reports transport health.
type StatsSource interface {
	Stats() monitor.Stats
}

// Health is the /healthz response body.
type Health struct {
	Status    string        `json:"status"`
	Transport monitor.Stats `json:"transport"`
	Scopes    []string      `json:"agent_scopes"`
}

// Server serves metrics and health over HTTP.
type Server struct {
	metrics *Metrics
	health  StatsSource
	scopes  func() []string
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the router. scopes may be nil.
func NewServer(m *Metrics, health StatsSource, scopes func() []string, logger *slog.Logger) *Server {
	s := &Server{
		metrics: m,
		health:  health,
		scopes:  scopes,
		logger:  logger.With("component", "metrics"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// handleHealth returns 503 while the transport is disconnected.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.health.Stats()
	body := Health{Status: "ok", Transport: stats, Scopes: []string{}}
	if s.scopes != nil {
		body.Scopes = s.scopes()
	}

	status := http.StatusOK
	switch stats.State {
	case monitor.StateDisconnected, monitor.StateConnecting:
		body.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case monitor.StateDegraded:
		body.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("writing health response", "error", err)
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on metrics address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	// The parent context is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return nil
}

// Package debugmetrics exposes a local-only Prometheus scrape endpoint
// (§2 Ambient Stack telemetry extension, supplemented — not named in
// spec.md). Off by default; an operator standing at the device with no
// cloud connectivity can still curl it to see what the agent last sampled.
package debugmetrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps a tiny net/http server exposing promhttp.Handler().
type Server struct {
	addr   string
	logger *slog.Logger
	srv    *http.Server
}

// New creates a Server listening on addr (e.g. "127.0.0.1:9876"). The
// server is not started until Start is called.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		addr:   addr,
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving in the background. Bind failures are reported
// asynchronously via the logger since ListenAndServe blocks.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("debug metrics server stopped", "error", err)
		}
	}()
	s.logger.Info("debug metrics endpoint listening", "addr", s.addr)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down debug metrics server: %w", err)
	}
	return nil
}

// Package server exposes the reconciliation service over HTTP.
//
// Routes:
//
//	POST /sessions/{sessionId}/events:batch
//	GET  /children/{childId}/games/{gameInstanceId}/aggregate
//	GET  /healthz
//	GET  /metrics
//
// Batch and aggregate routes require an HS256 bearer token when a Verifier
// is configured.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/playsync/internal/reconcile"
	"github.com/roach88/playsync/internal/telemetry"
)

// DefaultMaxBodyBytes bounds a batch request body.
const DefaultMaxBodyBytes = 4 << 20

const shutdownTimeout = 10 * time.Second

// Server is the sync API.
type Server struct {
	svc      *reconcile.Service
	verifier *Verifier
	maxBody  int64
}

// Option configures a Server.
type Option func(*Server)

// WithVerifier enables bearer-token authentication.
func WithVerifier(v *Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a server for svc.
func New(svc *reconcile.Service, opts ...Option) *Server {
	s := &Server{svc: svc, maxBody: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, instrumented API.
func (s *Server) Handler() http.Handler {
	telemetry.InitMetrics()
	auth := authenticate(s.verifier)

	router := mux.NewRouter()
	router.Use(instrument)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", telemetry.MetricsHandler()).Methods(http.MethodGet)
	router.Handle("/sessions/{sessionId}/events:batch", auth(http.HandlerFunc(s.handleBatch))).Methods(http.MethodPost)
	router.Handle("/children/{childId}/games/{gameInstanceId}/aggregate", auth(http.HandlerFunc(s.handleAggregate))).Methods(http.MethodGet)
	return router
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sync api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("sync api stopped")
	return nil
}

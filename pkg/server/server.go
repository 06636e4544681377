// Package server exposes submissions, votes and rankings over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/debaterank/internal/metrics"
	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/elonfeng/debaterank/pkg/trend"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ActivitySource serves the cached recent activity feed.
type ActivitySource interface {
	Snapshot() (trend.Activity, bool)
}

// Options configures a Server.
type Options struct {
	Port int
	// AutoApprove makes new submissions eligible for ranking immediately.
	AutoApprove bool
	CookieName  string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. Defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Server provides the HTTP API.
type Server struct {
	store    store.Store
	activity ActivitySource
	opts     Options
	logger   *zap.Logger
	router   *mux.Router
}

// New creates a new HTTP server. Every /api request is one routed unit of
// work on r, with read-your-writes pins kept in pins.
func New(s store.Store, r *dbrouter.Router, pins dbrouter.PinStore, activity ActivitySource, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	srv := &Server{
		store:    s,
		activity: activity,
		opts:     opts,
		logger:   opts.Logger,
		router:   mux.NewRouter(),
	}
	srv.routes(r, pins)
	return srv
}

func (s *Server) routes(r *dbrouter.Router, pins dbrouter.PinStore) {
	s.router.Use(recovery(s.logger), logging(s.logger, s.opts.Metrics))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// API routes sit on the root router so method mismatches reach
	// MethodNotAllowedHandler. Each one is its own unit of work.
	unit := dbrouter.Middleware(r, pins, dbrouter.MiddlewareOptions{
		CookieName: s.opts.CookieName,
		Now:        s.opts.Now,
		Logger:     s.logger,
	})
	api := func(method, path string, h http.HandlerFunc) {
		s.router.Handle("/api/v1"+path, unit(h)).Methods(method)
	}

	api(http.MethodGet, "/submissions", s.handleListSubmissions)
	api(http.MethodPost, "/submissions", s.handleCreateSubmission)
	api(http.MethodGet, "/submissions/{id}", s.handleGetSubmission)
	api(http.MethodPost, "/submissions/{id}/votes", s.handleVote)
	api(http.MethodGet, "/categories", s.handleCategories)
	api(http.MethodGet, "/recent", s.handleRecent)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.opts.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("debaterank server listening", zap.Int("port", s.opts.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

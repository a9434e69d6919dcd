// Package proxy wires the router, forwarder, metrics store, and admin
// live feed behind a chi-based HTTP front door.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/croxy/pkg/adminfeed"
	"github.com/lkarlslund/croxy/pkg/autorouter"
	"github.com/lkarlslund/croxy/pkg/config"
	"github.com/lkarlslund/croxy/pkg/forwarder"
	"github.com/lkarlslund/croxy/pkg/metrics"
	"github.com/lkarlslund/croxy/pkg/router"
)

type Server struct {
	cfg        config.ServerConfig
	router     *router.Router
	forwarder  *forwarder.Forwarder
	metrics    *metrics.Store
	feed       *adminfeed.Feed
	httpServer *http.Server

	retentionStop chan struct{}

	activeRequests atomic.Int64
	draining       atomic.Bool
}

// NewServer builds a Server from a validated config snapshot. sink may
// be nil to disable the metrics log.
func NewServer(cfg config.ServerConfig, sink metrics.Sink) *Server {
	var classifier router.Classifier
	if cfg.AutoRouter.Enabled {
		classifier = autorouter.New(cfg.AutoRouter.URL, cfg.AutoRouter.Model, cfg.AutoRouter.TimeoutMs)
	}

	var window time.Duration
	if cfg.Retention.Enabled {
		window = time.Duration(cfg.Retention.Minutes) * time.Minute
	}
	s := &Server{
		cfg:       cfg,
		router:    router.New(cfg, classifier),
		forwarder: forwarder.New(&http.Client{}, cfg.Server.MaxBodySize),
		metrics:   metrics.New(window, sink),
		feed:      adminfeed.New(cfg.Admin.Token),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Admin.Enabled {
		r.Get("/admin/ws", s.feed.ServeWS)
		r.With(s.feed.RequireAuth).Get("/admin/snapshot", s.handleAdminSnapshot)
	}

	r.NotFound(s.handleRequest)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Run blocks, serving HTTP and (if enabled) running the retention
// sweep, until ctx is cancelled, then drains and shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	if s.cfg.Retention.Enabled {
		s.retentionStop = make(chan struct{})
		go s.runRetention(s.retentionStop)
	}

	go func() {
		log.Info("croxy listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForIdle(ctx)
	if s.retentionStop != nil {
		close(s.retentionStop)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return <-errCh
}

// runRetention periodically evicts records older than the configured
// window and, when anything was actually removed, tells connected
// admin clients so their view stays in sync with the store.
func (s *Server) runRetention(stop <-chan struct{}) {
	ticker := time.NewTicker(s.metrics.RetentionInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.metrics.EvictOlderThan(s.metrics.Cutoff()); n > 0 {
				s.feed.Broadcast(map[string]any{"type": "evicted", "count": n})
			}
		}
	}
}

func (s *Server) waitForIdle(ctx context.Context) {
	if s.activeRequests.Load() == 0 {
		return
	}
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if s.activeRequests.Load() == 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

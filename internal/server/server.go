// Package server is the HTTP ingress: platform webhooks, the manual
// review endpoint, indexing progress over SSE, feedback links and
// /metrics. Handlers validate and schedule; the heavy work happens on
// background goroutines so webhook deliveries are acknowledged fast.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"reviewd/internal/cache"
	"reviewd/internal/config"
	"reviewd/internal/progress"
	"reviewd/internal/repos"
	"reviewd/internal/review"
	"reviewd/internal/store"
)

const (
	readTimeout = 30 * time.Second
	idleTimeout = 120 * time.Second

	// maxWebhookBody bounds webhook payloads; GitHub caps deliveries at
	// 25 MB, so anything past that is garbage.
	maxWebhookBody = 25 << 20
)

// Server owns the router and the scheduling of background work.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	cache   *cache.Cache
	repos   *repos.Service
	runner  *review.Runner
	bus     *progress.Bus
	metrics *Metrics
	logger  *zap.Logger

	// adapterFor is swapped by tests to inject fake platforms.
	adapterFor AdapterFactory

	bg sync.WaitGroup
}

// New wires the handlers. The metrics are injected rather than owned
// because producers outside this package (the LLM request observer)
// report into the same registry.
func New(cfg *config.Config, st *store.Store, c *cache.Cache, rs *repos.Service, runner *review.Runner, bus *progress.Bus, metrics *Metrics, logger *zap.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		cache:      c,
		repos:      rs,
		runner:     runner,
		bus:        bus,
		metrics:    metrics,
		logger:     logger,
		adapterFor: NewAdapterFactory(cfg.GitHub, cfg.Azure, logger),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/github", s.handleGitHubWebhook)
		r.Post("/webhooks/azure", s.handleAzureWebhook)
		r.Post("/reviews", s.handleManualReview)
		// Branch names may contain slashes, so the branch segment is a
		// wildcard rather than a named param.
		r.Get("/progress/{repoID}/*", s.handleProgress)
		r.Get("/feedback", s.handleFeedback)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Run serves until the context is cancelled or SIGINT/SIGTERM arrives,
// then drains in-flight requests and waits briefly for scheduled
// background work.
func (s *Server) Run(ctx context.Context) error {
	s.primeGauges(ctx)

	srv := &http.Server{
		Addr:        s.cfg.Server.Addr,
		Handler:     s.Router(),
		ReadTimeout: readTimeout,
		// SSE responses stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Server.Addr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	grace := s.cfg.ShutdownGrace()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("forcing close after drain timeout", zap.Error(err))
		_ = srv.Close()
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("background work still running at shutdown")
	}
	return nil
}

// Wait blocks until all scheduled background work has finished. Tests
// use it to observe webhook side effects deterministically.
func (s *Server) Wait() {
	s.bg.Wait()
}

// primeGauges publishes symbol counts for every indexed branch so the
// gauge is meaningful before the first push arrives.
func (s *Server) primeGauges(ctx context.Context) {
	pairs, err := s.store.ListIndexedBranches(ctx)
	if err != nil {
		s.logger.Warn("priming graph gauges failed", zap.Error(err))
		return
	}
	for _, p := range pairs {
		n, err := s.store.CountSymbols(ctx, p.RepoID, p.Branch)
		if err != nil {
			continue
		}
		s.metrics.GraphSymbols.WithLabelValues(p.RepoID, p.Branch).Set(float64(n))
	}
}

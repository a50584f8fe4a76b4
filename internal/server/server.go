package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/pipeflow/internal/config"
	"github.com/me/pipeflow/internal/executor"
	"github.com/me/pipeflow/internal/store"
	"github.com/me/pipeflow/internal/workflow"
)

// Server is the read-only pipeflow progress API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store        // optional; run history
	workflow  *workflow.Workflow // optional; the run in progress
	pool      *executor.Pool     // optional; tasks of the run in progress
	broker    *Broker
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore sets the run history served by /runs.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithWorkflow sets the workflow whose steps are served by /steps and
// streamed by /sse/steps.
func WithWorkflow(wf *workflow.Workflow) Option {
	return func(s *Server) {
		s.workflow = wf
	}
}

// WithPool sets the worker pool whose running tasks /health reports.
func WithPool(p *executor.Pool) Option {
	return func(s *Server) {
		s.pool = p
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workflow != nil {
		s.broker = NewBroker(s.workflow, s.logger)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close detaches the server from the workflow and ends open event streams.
func (s *Server) Close() {
	if s.broker != nil {
		s.broker.Close()
	}
}

// ListenAndServe serves the API on cfg.Addr until ctx is cancelled, then
// shuts down within cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Streams block Shutdown until their clients leave.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		// Steps of the run in progress
		r.Route("/steps", func(r chi.Router) {
			r.Get("/", s.handleListSteps)
			r.Get("/{id}", s.handleGetStep)
		})

		// Run history
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
		})

		r.Route("/sse", func(r chi.Router) {
			r.Get("/steps", s.handleSSESteps)
		})
	})
}

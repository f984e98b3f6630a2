package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/journal"
)

// FarmRegistry looks up the farms the server controls.
type FarmRegistry interface {
	Get(id string) (*farm.Farm, bool)
	List() []*farm.Farm
}

// CallJournal answers queries about settled calls.
type CallJournal interface {
	Calls(ctx context.Context, f journal.Filter) ([]journal.CallRecord, error)
	Summarize(ctx context.Context, farmID string) (journal.Summary, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// CallTimeout bounds how long POST /run and /broadcast wait for a result.
	CallTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	farms     FarmRegistry
	journal   CallJournal
	events    *events.Hub
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithJournal enables GET /calls.
func WithJournal(j CallJournal) Option {
	return func(s *Server) { s.journal = j }
}

// WithEvents enables GET /events, streaming from hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.events = hub }
}

// WithGatherer enables GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a new API server instance
func New(config Config, farms FarmRegistry, logger *slog.Logger, opts ...Option) *Server {
	if config.CallTimeout <= 0 {
		config.CallTimeout = 5 * time.Minute
	}
	s := &Server{
		config:    config,
		farms:     farms,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.CallTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/farms", s.handleListFarms)
		r.Route("/farms/{farmID}", func(r chi.Router) {
			r.Use(s.farmCtx)
			r.Get("/", s.handleFarmStatus)
			r.Delete("/", s.handleKillFarm)
			r.Post("/run", s.handleRun)
			r.Post("/broadcast", s.handleBroadcast)
			r.Post("/workers", s.handleCreateWorkers)
			r.Delete("/workers/{workerID}", s.handleKillWorker)
		})

		r.Get("/calls", s.handleCalls)
		r.Get("/calls/summary", s.handleCallSummary)
		r.Get("/events", s.handleEvents)
		if s.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

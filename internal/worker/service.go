// Package worker provides the HTTP service that ingests error events and
// serves the dashboard queries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/faultline/internal/analytics"
	"github.com/thebtf/faultline/internal/config"
	"github.com/thebtf/faultline/internal/db/gorm"
	"github.com/thebtf/faultline/internal/enrich"
	"github.com/thebtf/faultline/internal/ingest"
	"github.com/thebtf/faultline/internal/normalize"
	"github.com/thebtf/faultline/internal/watcher"
	"github.com/thebtf/faultline/internal/worker/sse"
)

// HTTP server timeouts. SSE streams clear their own write deadline.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
)

// Service is the faultline worker.
type Service struct {
	startTime       time.Time
	config          *config.Config
	store           *gorm.Store
	projectStore    *gorm.ProjectStore
	groupStore      *gorm.GroupStore
	occurrenceStore *gorm.OccurrenceStore
	pipeline        *ingest.Pipeline
	analytics       *analytics.Service
	dispatcher      *enrich.Dispatcher
	sseBroadcaster  *sse.Broadcaster
	metrics         *Metrics
	rulesWatcher    *watcher.Watcher
	router          chi.Router
	server          *http.Server
	version         string
	ready           atomic.Bool
}

// NewService opens the configured database and wires the worker.
func NewService(version string, cfg *config.Config) (*Service, error) {
	if cfg.DBDriver == gorm.DriverSQLite {
		if err := config.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	store, err := gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return newService(version, cfg, store), nil
}

// newService wires every component around an open store.
func newService(version string, cfg *config.Config, store *gorm.Store) *Service {
	s := &Service{
		version:         version,
		config:          cfg,
		store:           store,
		projectStore:    gorm.NewProjectStore(store),
		groupStore:      gorm.NewGroupStore(store),
		occurrenceStore: gorm.NewOccurrenceStore(store),
		sseBroadcaster:  sse.NewBroadcaster(),
		router:          chi.NewRouter(),
		startTime:       time.Now(),
	}
	s.metrics = newMetrics(s.sseBroadcaster.ClientCount)

	var enqueuer enrich.Enqueuer = enrich.Discard{}
	if cfg.AnalyzerURL != "" {
		s.dispatcher = enrich.NewDispatcher(
			enrich.NewClient(cfg.AnalyzerURL, cfg.EnrichTimeoutDuration()),
			s.groupStore,
			enrich.WithWorkers(cfg.EnrichWorkers),
			enrich.WithBufferSize(cfg.EnrichBuffer),
			enrich.WithJobTimeout(cfg.EnrichTimeoutDuration()),
			enrich.WithOnDone(s.metrics.observeEnrichment),
		)
		enqueuer = s.dispatcher
	} else {
		log.Info().Msg("No analyzer configured, enrichment disabled")
	}

	s.pipeline = ingest.New(s.groupStore, s.occurrenceStore, enqueuer)
	s.analytics = analytics.NewService(s.occurrenceStore, s.groupStore)

	s.setupRoutes()
	return s
}

// Handler returns the service's HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Ingestion: CORS first so that rejections are readable cross-origin.
	r.With(ingestCORS).Options("/api/error", func(http.ResponseWriter, *http.Request) {})
	r.With(ingestCORS, s.requireReady, s.requireAPIKey).Post("/api/error", s.handleIngest)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/api/errors", s.handleListErrors)
		r.Get("/api/errors/{id}", s.handleGetError)
		r.Get("/api/analytics", s.handleAnalytics)
		r.Get("/api/events", s.sseBroadcaster.HandleSSE)
	})
}

// reloadRules loads the placeholder rules file into the pipeline. A broken
// file keeps the previous rules in place.
func (s *Service) reloadRules() {
	path := s.config.RulesPath
	if path == "" {
		return
	}

	n, err := normalize.LoadFile(path)
	if err != nil {
		s.metrics.rulesReloads.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("path", path).Msg("Failed to load placeholder rules, keeping previous set")
		return
	}

	s.pipeline.SetNormalizer(n)
	s.metrics.rulesReloads.WithLabelValues("ok").Inc()
	log.Info().Str("path", path).Strs("rules", n.RuleNames()).Msg("Placeholder rules loaded")
}

// Start loads rules, begins watching them and serves HTTP in the background.
func (s *Service) Start() error {
	s.reloadRules()

	if s.config.RulesPath != "" {
		w, err := watcher.New(s.config.RulesPath, s.reloadRules)
		if err != nil {
			log.Warn().Err(err).Msg("Rules watcher unavailable, hot reload disabled")
		} else if err := w.Start(); err == nil {
			s.rulesWatcher = w
		}
	}

	addr := net.JoinHostPort(s.config.WorkerHost, strconv.Itoa(s.config.WorkerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	// Open SSE streams would otherwise keep Shutdown waiting.
	s.server.RegisterOnShutdown(s.sseBroadcaster.CloseAll)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.ready.Store(true)
	log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("Worker started")
	return nil
}

// Shutdown stops accepting requests, drains enrichment and closes the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.rulesWatcher != nil {
		if err := s.rulesWatcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop rules watcher: %w", err))
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close enrichment: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	log.Info().Msg("Worker stopped")
	return errors.Join(errs...)
}

// Package server provides the HTTP server and routing for Importfolio.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/importfolio/internal/config"
	"github.com/aristath/importfolio/internal/database"
	historyhandlers "github.com/aristath/importfolio/internal/modules/history/handlers"
	optimizationhandlers "github.com/aristath/importfolio/internal/modules/optimization/handlers"
	"github.com/aristath/importfolio/internal/scheduler"
)

// Config holds server configuration.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Config    *config.Config
	HistoryDB *database.DB
	CacheDB   *database.DB
	Scheduler *scheduler.Scheduler
	DevMode   bool

	OptimizationHandlers *optimizationhandlers.Handler
	HistoryHandlers      *historyhandlers.Handler
}

// Server represents the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	historyDB *database.DB
	cacheDB   *database.DB
	scheduler *scheduler.Scheduler
	startedAt time.Time
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		historyDB: cfg.HistoryDB,
		cacheDB:   cfg.CacheDB,
		scheduler: cfg.Scheduler,
		startedAt: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes(cfg.OptimizationHandlers, cfg.HistoryHandlers)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// Long enough for a full optimization run with the maximum grid.
	s.router.Use(middleware.Timeout(120 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes(
	optimizationHandlers *optimizationhandlers.Handler,
	historyHandlers *historyhandlers.Handler,
) {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		optimizationHandlers.RegisterRoutes(r)
		historyHandlers.RegisterRoutes(r)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/jobs", s.handleJobsStatus)
			r.Get("/databases", s.handleDatabaseStats)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Package server exposes the HTTP control surface: job listing and manual
// firing, forced scans, observation pause/resume, the full-auto switch,
// alerts, the paper book, and system health.
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

	"github.com/avlonitis/vigil/internal/alerting"
	"github.com/avlonitis/vigil/internal/autonomy"
	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/paper"
	"github.com/avlonitis/vigil/internal/policy"
	"github.com/avlonitis/vigil/internal/scheduler"
)

// Config holds server configuration.
type Config struct {
	Port    int
	DevMode bool
	Log     zerolog.Logger

	DB        *database.DB
	Scheduler *scheduler.Scheduler
	Autonomy  *autonomy.Service
	Engine    *policy.Engine
	State     *policy.StateRepository
	Alerts    *alerting.Service
	Paper     *paper.Engine
	Journal   *journal.Repository
	Clock     clock.Clock
}

// Server is the HTTP control surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	db        *database.DB
	scheduler *scheduler.Scheduler
	autonomy  *autonomy.Service
	engine    *policy.Engine
	state     *policy.StateRepository
	alerts    *alerting.Service
	paper     *paper.Engine
	journal   *journal.Repository
	clock     clock.Clock
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		db:        cfg.DB,
		scheduler: cfg.Scheduler,
		autonomy:  cfg.Autonomy,
		engine:    cfg.Engine,
		state:     cfg.State,
		alerts:    cfg.Alerts,
		paper:     cfg.Paper,
		journal:   cfg.Journal,
		clock:     cfg.Clock,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

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

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/{name}/run", s.handleRunJob)
		})

		r.Route("/autonomy", func(r chi.Router) {
			r.Get("/state", s.handleAutonomyState)
			r.Post("/scan", s.handleForceScan)
			r.Post("/scan/event", s.handleEventScan)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/full-auto", s.handleFullAuto)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/{id}/ack", s.handleAckAlert)
			r.Post("/{id}/resolve", s.handleResolveAlert)
		})

		r.Route("/paper", func(r chi.Router) {
			r.Get("/book", s.handlePaperBook)
			r.Get("/positions", s.handlePaperPositions)
			r.Get("/orders", s.handlePaperOrders)
			r.Get("/fills", s.handlePaperFills)
		})

		r.Get("/journal", s.handleJournal)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

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

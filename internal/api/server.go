// Package api provides the HTTP interface for scoring and case management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/action"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/casework"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/network"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/threshold"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Pipeline *pipeline.Pipeline
	Engine   *scoring.Engine
	Analyzer *network.Analyzer
	Router   *threshold.Router
	Actions  *action.Executor
	Alerts   *alert.Manager
	Cases    *casework.Manager
	Monitor  *monitor.Monitor
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Event scoring
		r.Post("/events", handler.IngestEvent)
		r.Get("/events/{id}", handler.GetEvent)
		r.Get("/decisions/{id}", handler.GetDecision)

		// Behavior profiles
		r.Get("/profiles/{entityID}", handler.GetProfile)

		// Alerts
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/acknowledge", handler.AcknowledgeAlert)
		r.Post("/alerts/{id}/status", handler.TransitionAlert)

		// Cases
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{id}", handler.GetCase)
		r.Post("/cases", handler.OpenCase)
		r.Post("/cases/{id}/claim", handler.ClaimCase)
		r.Post("/cases/{id}/status", handler.TransitionCase)
		r.Post("/cases/{id}/close", handler.CloseCase)
		r.Post("/cases/{id}/notes", handler.AddCaseNote)
		r.Post("/cases/{id}/alerts", handler.AbsorbAlert)

		// Automated actions
		r.Get("/actions/{id}", handler.GetAction)
		r.Post("/actions/{id}/override", handler.OverrideAction)

		// Scoring models
		r.Get("/models", handler.ListModels)
		r.Post("/models", handler.CreateModel)
		r.Get("/models/{id}/versions/{version}/health", handler.ModelHealth)
		r.Post("/models/{id}/versions/{version}/promote", handler.PromoteModel)
		r.Post("/models/{id}/retrain", handler.RetrainModel)

		// Risk thresholds
		r.Get("/thresholds", handler.GetThresholds)
		r.Put("/thresholds", handler.SetThresholds)

		// Network graph inspection
		r.Get("/network", handler.NetworkSnapshot)

		// Dashboard
		r.Get("/dashboard/stats", handler.DashboardStats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Package server provides the HTTP server and routing for Hindsight.
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

	"github.com/aristath/hindsight/internal/config"
	"github.com/aristath/hindsight/internal/database"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/aristath/hindsight/internal/modules/engine"
	"github.com/aristath/hindsight/internal/modules/results"
	"github.com/aristath/hindsight/internal/modules/risk"
	"github.com/aristath/hindsight/internal/modules/sweep"
	"github.com/aristath/hindsight/internal/modules/universe"
)

// Config holds everything the HTTP server needs to run.
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	HistoryDB *database.DB
	ResultsDB *database.DB
	CacheDB   *database.DB

	Engine       *engine.Engine
	Runner       *sweep.Runner
	Results      *results.Repository
	Universe     *universe.Repository
	PanelBuilder *universe.PanelBuilder
	RiskBuilder  *risk.Builder
	Cache        *calculations.Cache
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config

	historyDB *database.DB
	resultsDB *database.DB
	cacheDB   *database.DB

	backtestHandlers *BacktestHandlers
	systemHandlers   *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		historyDB: cfg.HistoryDB,
		resultsDB: cfg.ResultsDB,
		cacheDB:   cfg.CacheDB,
		backtestHandlers: NewBacktestHandlers(
			cfg.Engine,
			cfg.Runner,
			cfg.Results,
			cfg.Universe,
			cfg.PanelBuilder,
			cfg.RiskBuilder,
			cfg.Log,
		),
		systemHandlers: NewSystemHandlers(
			cfg.Log,
			cfg.Config.DataDir,
			cfg.HistoryDB,
			cfg.ResultsDB,
			cfg.CacheDB,
			cfg.Cache,
		),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // sweeps can take a while
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(5 * time.Minute))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/backtests", func(r chi.Router) {
			r.Post("/", s.backtestHandlers.HandleRunBacktest)
			r.Post("/sweep", s.backtestHandlers.HandleRunSweep)
			r.Get("/", s.backtestHandlers.HandleListRuns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.backtestHandlers.HandleGetRun)
				r.Get("/config", s.backtestHandlers.HandleGetRunConfig)
				r.Get("/equity", s.backtestHandlers.HandleGetEquityCurve)
				r.Get("/trades", s.backtestHandlers.HandleGetTrades)
				r.Get("/rebalances", s.backtestHandlers.HandleGetRebalances)
			})
		})

		r.Get("/strategies", s.backtestHandlers.HandleListStrategies)

		r.Route("/universe", func(r chi.Router) {
			r.Get("/symbols", s.backtestHandlers.HandleListSymbols)
			r.Post("/prices", s.backtestHandlers.HandleSyncPrices)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleSystemStatus)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
			r.Get("/cache/stats", s.systemHandlers.HandleCacheStats)
			r.Post("/cache/clear", s.systemHandlers.HandleCacheClear)
			r.Post("/cache/prune", s.systemHandlers.HandleCachePrune)
		})
	})
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the underlying router, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
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

// Package server provides the HTTP server and routing.
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

	"github.com/ipozdeev/black-litterman-bayes/internal/database"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/repair"
)

// Config holds server configuration
type Config struct {
	Log               zerolog.Logger
	Port              int
	DevMode           bool
	MarketDB          *database.DB
	CacheDB           *database.DB
	RepairHandler     *repair.Handler
	PosteriorHandlers *PosteriorHandlers
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if cfg.DevMode {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	systemHandlers := NewSystemHandlers(cfg.MarketDB, cfg.CacheDB, cfg.Log)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", systemHandlers.HandleHealth)

		r.Post("/repair", cfg.RepairHandler.HandleRepair)

		r.Route("/posterior", func(r chi.Router) {
			r.Post("/run", cfg.PosteriorHandlers.HandleRun)
			r.Get("/latest", cfg.PosteriorHandlers.HandleLatest)
			r.Get("/snapshots", cfg.PosteriorHandlers.HandleListSnapshots)
			r.Get("/snapshots/{uuid}", cfg.PosteriorHandlers.HandleGetSnapshot)
		})

		r.Route("/views", func(r chi.Router) {
			r.Post("/", cfg.PosteriorHandlers.HandleAddView)
			r.Get("/", cfg.PosteriorHandlers.HandleListViews)
		})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slicewise/slicewise/internal/config"
	"github.com/slicewise/slicewise/internal/editor"
	"github.com/slicewise/slicewise/internal/history"
	"github.com/slicewise/slicewise/internal/runner"
)

// Server is the REST + WebSocket status API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that. The broadcaster is attached to both controllers'
// hubs, so every runner and editor event reaches WebSocket clients.
func New(
	cfg *config.ServerConfig,
	run *runner.Controller,
	edit *editor.Controller,
	hist *history.Store,
) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(registry)
	broadcaster.Attach(run.Hub())
	broadcaster.Attach(edit.Hub())

	handlers := NewHandlers(run, edit, hist)
	r := newRouter(handlers, registry, cfg.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// newRouter builds the full route table with global middleware.
func newRouter(handlers *Handlers, registry *ClientRegistry, allowedOrigins []string) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(allowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Route("/api/v1", func(r chi.Router) {
		// Run control
		r.Get("/run", handlers.GetRunState)
		r.Put("/run/config", handlers.SetRunConfig)
		r.Post("/run/start", handlers.StartRun)
		r.Post("/run/stop", handlers.StopRun)

		// Pipeline editing
		r.Get("/pipeline", handlers.GetPipeline)
		r.Get("/pipeline/summary", handlers.PipelineSummary)
		r.Post("/pipeline/new", handlers.NewPipeline)
		r.Post("/pipeline/load", handlers.LoadPipeline)
		r.Post("/pipeline/save", handlers.SavePipeline)
		r.Post("/pipeline/validate", handlers.ValidatePipeline)
		r.Post("/pipeline/steps", handlers.AddStep)
		r.Route("/pipeline/steps/{index}", func(r chi.Router) {
			r.Put("/", handlers.UpdateStep)
			r.Delete("/", handlers.RemoveStep)
			r.Post("/select", handlers.SelectStep)
			r.Post("/move", handlers.MoveStep)
			r.Post("/duplicate", handlers.DuplicateStep)
			r.Post("/rename", handlers.RenameStep)
		})

		// Run history
		r.Get("/runs", handlers.ListRuns)
		r.Get("/runs/{id}", handlers.GetRun)
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(registry, allowedOrigins))

	return r
}

// Run starts the event broadcaster goroutine and the HTTP server. Blocks
// until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcaster.Run(ctx)

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

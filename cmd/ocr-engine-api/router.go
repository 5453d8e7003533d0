// Package main provides the API router setup.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/paperless-ai/ocr-engine/cmd/ocr-engine-api/handlers"
	"github.com/paperless-ai/ocr-engine/cmd/ocr-engine-api/middleware"
	"github.com/paperless-ai/ocr-engine/internal/observability"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Logger     *observability.Logger
	Controller handlers.BatchController
	Store      handlers.OutcomeReader
	Worker     handlers.WorkerChecker
	Events     http.Handler
	Metrics    http.Handler
	Ready      func(ctx context.Context) error
}

// RouterConfig holds router level settings.
type RouterConfig struct {
	ServiceName    string
	RequestTimeout time.Duration
	AllowedOrigins []string
	Auth           middleware.AuthConfig
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(deps Dependencies, cfg RouterConfig) http.Handler {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ocr-engine"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Unauthenticated probes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"` + cfg.ServiceName + `"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				deps.Logger.Warn().Err(err).Msg("Readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	batchHandler := handlers.NewBatchHandler(deps.Logger, deps.Controller)
	historyHandler := handlers.NewHistoryHandler(deps.Logger, deps.Store)
	workerHandler := handlers.NewWorkerHandler(deps.Logger, deps.Worker)

	r.Route("/api/v1/ocr", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))

		// The event stream is long-lived and must not sit behind the request timeout.
		r.Method(http.MethodGet, "/events", deps.Events)

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			}

			r.Post("/batches", batchHandler.StartBatch)
			r.Post("/batches/stop", batchHandler.StopBatch)
			r.Get("/status", batchHandler.Status)

			r.Get("/statistics", historyHandler.Statistics)
			r.Get("/history", historyHandler.RecentHistory)
			r.Delete("/history", historyHandler.ResetAll)
			r.Get("/processed", historyHandler.Processed)

			r.Get("/sessions", historyHandler.ListSessions)
			r.Get("/sessions/{sessionId}", historyHandler.GetSession)

			r.Route("/documents/{documentId}", func(r chi.Router) {
				r.Get("/history", historyHandler.DocumentHistory)
				r.Delete("/history", historyHandler.ResetDocument)
				r.Get("/text", historyHandler.DocumentText)
			})

			r.Get("/worker/health", workerHandler.Health)
		})
	})

	return r
}

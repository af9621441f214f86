package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/marketing-pipeline/internal/api/handlers"
	"github.com/agentoven/marketing-pipeline/internal/api/middleware"
	"github.com/agentoven/marketing-pipeline/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id",
			middleware.HeaderOrg, middleware.HeaderBrand, middleware.HeaderUser},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireTenant)

		// Tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.SubmitTask)
			r.Route("/{taskId}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Delete("/", h.CancelTask)
				r.Get("/await", h.AwaitTask)
				r.Get("/log", h.TaskLog)
				r.Get("/replay", h.ReplayTask)
			})
		})

		// Time series
		r.Route("/metrics", func(r chi.Router) {
			r.Get("/", h.QueryMetrics)
			r.Post("/", h.IngestMetrics)
		})

		// Historical winners
		r.Route("/winners", func(r chi.Router) {
			r.Get("/", h.ListWinners)
			r.Put("/", h.PutWinners)
		})

		// Human review queue
		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", h.ListReviews)
			r.Post("/{taskId}/resolve", h.ResolveReview)
		})

		// Generation providers
		r.Get("/providers", h.ListProviders)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "marketing-pipeline",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "marketing-pipeline",
		})
	}
}

package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or
	// Authorization: Bearer <key>. Empty skips auth (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// Empty defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, public, no auth required
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Scene list
		r.Get("/scenes", h.ListScenes)
		r.Get("/scenes/{id}", h.GetScene)
		r.Patch("/scenes/{id}", h.UpdateScene)

		// Batch structure generation
		r.Post("/scenes/structure", h.GenerateStructure)
		r.Get("/scenes/structure", h.StructureStatus)
		r.Post("/scenes/structure/confirm", h.ConfirmBatch)
		r.Post("/scenes/structure/cancel", h.CancelBatch)
		r.Post("/scenes/structure/cancel-generation", h.CancelStructureGeneration)

		// Per-scene jobs
		r.Post("/scenes/{id}/image", h.EnqueueImage)
		r.Post("/scenes/{id}/garment-swap", h.EnqueueGarmentSwap)
		r.Post("/scenes/{id}/motion", h.EnqueueMotion)
		r.Post("/scenes/{id}/preview", h.EnqueuePreview)
		r.Post("/scenes/{id}/cancel", h.CancelScene)

		// Final render
		r.Post("/render", h.RenderFinal)
		r.Get("/render", h.RenderStatus)

		// Debug
		r.Get("/debug/queues", h.QueueLengths)
	})

	return r
}

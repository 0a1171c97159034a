package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api/notifications", func(r chi.Router) {
		// Manual pipeline triggers
		r.Post("/process", h.HandleProcess)
		r.Get("/process", h.HandleProcess)

		// Scheduler lifecycle
		r.Post("/scheduler", h.HandleSchedulerAction)
		r.Get("/scheduler", h.HandleSchedulerStatus)

		// Queue inspection
		r.Get("/queue", h.HandleQueueStats)
		r.Get("/queue/failed", h.HandleQueueFailed)

		// Per-user preferences
		r.Get("/settings", h.HandleGetSettings)
		r.Put("/settings", h.HandleSaveSettings)

		// Additional recipients
		r.Get("/additional-recipients", h.HandleListRecipients)
		r.Post("/additional-recipients", h.HandleAddRecipient)
		r.Put("/additional-recipients/{id}", h.HandleUpdateRecipient)
		r.Delete("/additional-recipients/{id}", h.HandleDeleteRecipient)

		// Transport probe
		r.Post("/test-email", h.HandleTestEmail)
	})

	return r
}

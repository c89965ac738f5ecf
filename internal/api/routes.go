package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/health", h.Health)
	r.Post("/auth/device", h.DeviceToken)

	// Device-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.secret))
		r.Get("/sync/pull", h.Pull)
		r.Post("/sync/push", h.Push)
		r.Get("/stats", h.Stats)
	})

	return r
}

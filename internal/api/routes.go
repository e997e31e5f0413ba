package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/email-outbox/internal/auth"
	"github.com/ignite/email-outbox/internal/domain"
)

// SetupRoutes builds the full router. Everything under /api/v1 is
// authenticated; the access type gate runs before any handler touches
// entry state.
func SetupRoutes(h *Handlers, creds auth.CredentialStore) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.HeaderProjectID, auth.HeaderAccessType, auth.HeaderAPIKey},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Require(creds, domain.AccessServer))

			r.Post("/emails/send-email", h.SendEmail)
			r.Get("/emails/outbox", h.ListOutbox)
			r.Get("/emails/outbox/{id}", h.GetOutboxEntry)
			r.Patch("/emails/outbox/{id}", h.PatchOutboxEntry)
			r.Get("/emails/delivery-info", h.DeliveryInfo)
			r.Post("/emails/events", h.RecordEvent)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Require(creds, domain.AccessAdmin))

			r.Post("/emails/capacity-boost", h.CapacityBoost)
		})
	})

	return r
}

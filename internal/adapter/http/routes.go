package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents (register is public, handled by middleware exemption)
		r.Post("/agents/register", h.Register)
		r.Get("/agents/me", h.Me)
		r.Put("/agents/me", h.UpdateMe)
		r.Get("/agents/{id}", h.GetAgent)

		// Credits
		r.Get("/credits", h.GetCredits)
		r.Get("/credits/check", h.CheckCredits)

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/available", h.ListAvailable)
		r.Post("/tasks/pickup", h.Pickup)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/pickup", h.PickupSpecific)
		r.Post("/tasks/{id}/deliver", h.Deliver)
		r.Post("/tasks/{id}/approve", h.Approve)
		r.Post("/tasks/{id}/reject", h.Reject)
		r.Post("/tasks/{id}/cancel", h.Cancel)
		r.Post("/tasks/{id}/abandon", h.Abandon)
		r.Post("/tasks/{id}/rate", h.RateTask)
	})
}

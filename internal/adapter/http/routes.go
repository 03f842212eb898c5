package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		// Tasks
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Put("/tasks/{id}/status", h.ReportStatus)
		r.Post("/tasks/{id}/successor", h.CreateSuccessor)
		r.Post("/tasks/{id}/quarantine", h.QuarantineTask)
		r.Post("/tasks/{id}/requeue", h.RequeueTask)
		r.Post("/tasks/{id}/sandbox", h.ProvisionSandbox)

		// Sandboxes
		r.Get("/sandboxes/{containerId}", h.SandboxStatus)
		r.Delete("/sandboxes/{containerId}", h.TerminateSandbox)

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents/{id}", h.GetAgent)
		r.Post("/agents/{id}/heartbeat", h.Heartbeat)
		r.Post("/agents/{id}/claim", h.ClaimTask)

		// Services
		r.Post("/services", h.CreateService)
		r.Get("/services/{id}", h.GetService)
		r.Post("/services/{id}/charge", h.ChargeService)
		r.Post("/services/{id}/budget", h.IncreaseBudget)
		r.Get("/services/{id}/usage", h.ListUsage)
	})
}

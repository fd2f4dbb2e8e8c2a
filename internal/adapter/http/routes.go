package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/middleware"
)

// TokenLookup resolves the push token issued for a task.
type TokenLookup func(taskID string) (token string, ok bool)

// CallbackAuth configures the push notification receiver.
type CallbackAuth struct {
	Tokens  TokenLookup
	Push    config.Push
	Limiter *middleware.RateLimiter // optional
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, cb CallbackAuth) {
	// Push notifications from remote agents (outside API auth, per-task token or HMAC)
	r.Route("/a2a/callbacks", func(r chi.Router) {
		if cb.Limiter != nil {
			r.Use(cb.Limiter.Handler)
		}
		lookup := func(req *http.Request) (string, bool) {
			if cb.Tokens == nil {
				return "", false
			}
			return cb.Tokens(chi.URLParam(req, "taskID"))
		}
		r.With(middleware.PushAuth(lookup, cb.Push.TokenHeader, cb.Push.SignatureHeader)).
			Post("/{taskID}", h.PushCallback)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agent registry
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.DeleteAgent)
		r.Post("/agents/{id}/refresh", h.RefreshAgent)

		// Agent health
		r.Get("/agents/{id}/health", h.AgentHealth)
		r.Post("/agents/{id}/probe", h.ProbeAgent)

		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Post("/tasks/{id}/input", h.ProvideInput)
		r.Get("/tasks/{id}/events", h.TaskEvents)

		// Sessions
		r.Get("/sessions/{id}/tasks", h.ListSessionTasks)
	})
}

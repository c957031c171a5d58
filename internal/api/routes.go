package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes builds the router. health may be nil.
func SetupRoutes(h *Handlers, health *HealthChecker, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if health != nil {
		r.Get("/health", health.HandleHealth)
		r.Get("/health/live", health.HandleLiveness)
		r.Get("/health/ready", health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/", h.Enqueue)
			r.Get("/{id}", h.GetItem)
			r.Post("/{id}/process", h.Process)
			r.Post("/{id}/cancel", h.Cancel)
			r.Get("/{id}/outcome", h.Outcome)
		})
		r.Post("/events", h.RecordEvent)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/can-send", h.CanSend)
			r.Put("/bindings/{bindingID}/primary", h.SetPrimaryBinding)
			if h.blacklist != nil {
				r.Get("/blacklist", h.ListBlacklist)
				r.Get("/blacklist/stats", h.BlacklistStats)
				r.Post("/blacklist", h.AddBlacklist)
				r.Delete("/blacklist/{email}", h.RemoveBlacklist)
			}
		})
		r.Put("/providers/{id}/default", h.SetDefaultProvider)
	})

	return r
}

package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the chi router. Every route but /health and /metrics
// sits behind the worker-secret Bearer middleware.
func NewRouter(h *Handler, workerSecret string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireWorkerSecret(workerSecret))
		r.Post("/process", h.Process)
		r.Get("/status/{uploadId}", h.Status)
		r.Get("/result/{uploadId}", h.Result)
		r.Post("/cron/cleanup-checkpoints", h.CleanupCheckpoints)
	})

	return r
}

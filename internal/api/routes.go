package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/metrics"
	"github.com/lalithlochan/dropcast/internal/redis"
)

// NewRouter wires the ops API. limiter may be nil; an empty authSecret
// leaves /v1 unauthenticated.
func NewRouter(h *Handler, limiter *redis.RateLimiter, authSecret []byte, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))
		r.Use(AuthMiddleware(authSecret, logger))

		r.Post("/pipeline/runs", h.TriggerRun)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/drops/{id}", h.GetDrop)
			r.Get("/drops/{id}/jobs", h.ListDropJobs)
			r.Post("/drops/{id}/cancel", h.CancelDrop)
			r.Get("/breakers", h.ListBreakers)
		})
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Package api assembles the HTTP surface of the adherence service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	ServiceName string
	Version     string
	APIKeys     map[string]string
	Limiter     *middleware.ClientLimiter
	Metrics     *metrics.Metrics
	Ready       map[string]ReadinessCheck
	Logger      *zap.Logger
}

// NewRouter mounts the /v1 API behind authentication and rate limiting, and
// the health, readiness and metrics endpoints in front of it.
func NewRouter(h *handlers.Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"` + cfg.ServiceName + `","version":"` + cfg.Version + `"}`))
	})
	r.Get("/ready", readyHandler(cfg.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.RateLimit(cfg.Limiter))
		r.Mount("/", h.Routes())
	})
	return r
}

func readyHandler(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"not ready","dependency":"` + name + `"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

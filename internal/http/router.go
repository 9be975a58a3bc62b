package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/api"
	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/config"
	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
)

// NewRouter wires the health, OAuth and admin API routes.
func NewRouter(cfg *config.Config, store *store.Store, authService *auth.Service, apiHandler *api.Handler) http.Handler {
	r := chi.NewRouter()

	authLimiter := ratelimit.NewIPRateLimiter("auth", rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	apiLimiter := ratelimit.NewIPRateLimiter("api", rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(store))

	if cfg.PrometheusEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(authLimiter.Middleware())
		r.Get("/auth/login", authService.BeginOAuth)
		r.Get(cfg.OAuth.RedirectPath, authService.HandleOAuthCallback)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiLimiter.Middleware())
		r.Use(middleware.AllowContentType("application/json"))
		apiHandler.Routes(r)
	})

	return r
}

// readiness reports 503 while the database is unreachable.
func readiness(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.HealthCheck(ctx); err != nil {
			httperrors.LogError(r, "readiness check failed", err)
			httperrors.Write(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/invgrid/sitesync/internal/repositories"
)

// NewRouter mounts the full HTTP surface: public liveness endpoints,
// site-key protected sync endpoints, and JWT protected operator endpoints.
func NewRouter(h *Handlers, sites repositories.SiteStore, logs repositories.LogStore) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/api/v1/sync/ping", h.Ping)
	r.Post("/api/v1/auth/login", h.Login)

	siteAuth := SiteAuthMiddleware(sites, logs)
	r.Group(func(r chi.Router) {
		r.Use(siteAuth)
		r.Get("/api/v1/sync/schema", h.Schema)
		r.Post("/api/v1/sync/push", h.SyncPush)
		r.Post("/api/v1/sync/pull", h.SyncPull)
		r.Post("/api/v1/register-site", h.RegisterSite)
		r.Post("/api/sync/check-in", h.CheckIn)
	})

	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(h.auth))
		r.Get("/api/v1/conflicts", h.ListConflicts)
		r.Post("/api/v1/conflicts/{model}/{id}/resolve", h.ResolveConflict)
		r.Get("/api/v1/diagnostics/status", h.DiagnosticsStatus)
		r.Get("/api/v1/diagnostics/sites", h.DiagnosticsSites)
		r.Post("/api/v1/diagnostics/reset", h.ResetAndReplay)
		r.Post("/api/v1/sites", h.ProvisionSite)
	})

	return r
}

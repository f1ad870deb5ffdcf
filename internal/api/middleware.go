package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/services"
	"github.com/invgrid/sitesync/internal/utils"
)

type ctxKey int

const (
	ctxSiteID ctxKey = iota
	ctxOperator
)

// SiteID returns the authenticated site from the request context.
func SiteID(ctx context.Context) string {
	id, _ := ctx.Value(ctxSiteID).(string)
	return id
}

// Operator returns the authenticated operator claims, if any.
func Operator(ctx context.Context) *OperatorClaims {
	c, _ := ctx.Value(ctxOperator).(*OperatorClaims)
	return c
}

// SiteAuthMiddleware authenticates sync endpoints with the Site-ID and
// API-Key headers against the site_keys table. Outcomes land in the audit
// log either way.
func SiteAuthMiddleware(sites repositories.SiteStore, logs repositories.LogStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			siteID := r.Header.Get(services.HeaderSiteID)
			apiKey := r.Header.Get(services.HeaderAPIKey)
			if siteID == "" || apiKey == "" {
				writeError(w, http.StatusUnauthorized, "missing site credentials")
				return
			}

			key, err := sites.GetSiteKey(r.Context(), siteID)
			if errors.Is(err, repositories.ErrNotFound) || (err == nil && !key.Active) ||
				(err == nil && !utils.CheckAPIKey(key.KeyHash, apiKey)) {
				if logErr := logs.Audit(r.Context(), "key_auth_fail", siteID, r.URL.Path); logErr != nil {
					slog.Error("failed to audit auth failure", "err", logErr)
				}
				writeError(w, http.StatusUnauthorized, "invalid site credentials")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "auth lookup failed")
				return
			}

			if err := sites.TouchSiteKey(r.Context(), siteID, time.Now().UTC()); err != nil {
				slog.Warn("failed to touch site key", "site", siteID, "err", err)
			}
			if err := logs.Audit(r.Context(), "key_auth_ok", siteID, r.URL.Path); err != nil {
				slog.Error("failed to audit auth success", "err", err)
			}

			ctx := context.WithValue(r.Context(), ctxSiteID, siteID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuthMiddleware authenticates the operator API with a bearer token.
func OperatorAuthMiddleware(auth *OperatorAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := auth.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxOperator, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

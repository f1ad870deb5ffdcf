package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/services"
	"github.com/invgrid/sitesync/internal/utils"
)

// Handlers carries the services behind the HTTP surface.
type Handlers struct {
	reg       *registry.Registry
	records   repositories.RecordStore
	sites     repositories.SiteStore
	ingress   *services.IngressService
	registry  *services.SiteRegistry
	conflicts *services.ConflictService
	diag      *services.DiagnosticsService
	auth      *OperatorAuth
	resetFn   func(context.Context) error
}

func NewHandlers(
	reg *registry.Registry,
	records repositories.RecordStore,
	sites repositories.SiteStore,
	ingress *services.IngressService,
	siteRegistry *services.SiteRegistry,
	conflicts *services.ConflictService,
	diag *services.DiagnosticsService,
	auth *OperatorAuth,
	resetFn func(context.Context) error,
) *Handlers {
	return &Handlers{
		reg: reg, records: records, sites: sites,
		ingress: ingress, registry: siteRegistry,
		conflicts: conflicts, diag: diag, auth: auth,
		resetFn: resetFn,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Schema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"revision": h.diag.Revision()})
}

// SyncPush accepts a pushed batch from an authenticated site.
func (h *Handlers) SyncPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	records, err := services.ParsePushBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := h.ingress.ApplyBatch(r.Context(), SiteID(r.Context()), records)
	writeJSON(w, http.StatusOK, result)
}

// SyncPull answers with records changed since the caller's watermark.
func (h *Handlers) SyncPull(w http.ResponseWriter, r *http.Request) {
	var req services.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pull request")
		return
	}
	since := time.Time{}
	if req.Since != "" {
		ts, ok := utils.ParseTime(req.Since)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = ts
	}
	wanted := req.Models
	if len(wanted) == 0 {
		wanted = h.reg.SyncModels()
	}

	out := []map[string]any{}
	for _, name := range wanted {
		e, ok := h.reg.Entity(name)
		if !ok || !e.Syncable {
			continue
		}
		recs, err := h.records.UpdatedSince(r.Context(), name, since, req.SiteID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "pull query failed")
			return
		}
		for _, rec := range recs {
			if rec.IsDeleted {
				out = append(out, registry.Tombstone(e, rec))
			} else {
				out = append(out, registry.Project(e, rec))
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// RegisterSite records a heartbeat from an edge instance.
func (h *Handlers) RegisterSite(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat")
		return
	}
	if hb.SiteID == "" {
		hb.SiteID = SiteID(r.Context())
	}
	if err := h.registry.RecordCheckIn(r.Context(), &hb, remoteIP(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record check-in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CheckIn is the legacy check-in endpoint; same bookkeeping as RegisterSite
// plus an empty task list in the response.
func (h *Handlers) CheckIn(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat")
		return
	}
	if hb.SiteID == "" {
		hb.SiteID = SiteID(r.Context())
	}
	if err := h.registry.RecordCheckIn(r.Context(), &hb, remoteIP(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record check-in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": []any{}})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Login issues an operator bearer token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	token, expiresAt, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// ListConflicts returns unresolved conflicts, filterable by model and since.
func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, ok := utils.ParseTime(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = ts
	}
	views, err := h.conflicts.List(r.Context(), r.URL.Query().Get("model"), since)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ResolveConflict applies an operator decision to one record.
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	var res services.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid resolution")
		return
	}
	rec, err := h.conflicts.Resolve(r.Context(), model, id, res)
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DiagnosticsStatus exposes watermarks, counters and last errors.
func (h *Handlers) DiagnosticsStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.diag.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DiagnosticsSites lists connected sites with derived connection status.
func (h *Handlers) DiagnosticsSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.registry.SiteStatuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sites")
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

// ResetAndReplay backs up unsynced rows, resets the database and replays
// the backup. Drastic; operator-only.
func (h *Handlers) ResetAndReplay(w http.ResponseWriter, r *http.Request) {
	if h.resetFn == nil {
		writeError(w, http.StatusNotImplemented, "reset is not available on this instance")
		return
	}
	if err := h.diag.ResetAndReplay(r.Context(), services.DefaultBackupPath, h.resetFn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ProvisionSite creates a site key and returns the plaintext credential
// once.
func (h *Handlers) ProvisionSite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID string `json:"site_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	}
	plaintext, err := utils.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	hash, err := utils.HashAPIKey(plaintext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash key")
		return
	}
	key := &models.SiteKey{SiteID: req.SiteID, KeyHash: hash, Active: true}
	if err := h.sites.CreateSiteKey(r.Context(), key); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			writeError(w, http.StatusConflict, "site already provisioned")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"site_id": req.SiteID,
		"api_key": plaintext,
	})
}

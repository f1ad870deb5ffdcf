package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/services"
	"github.com/invgrid/sitesync/internal/utils"
)

type testServer struct {
	srv      *httptest.Server
	reg      *registry.Registry
	records  *repositories.MemoryRecordStore
	sites    *repositories.MemorySiteStore
	logs     *repositories.MemoryLogStore
	tunables *repositories.MemoryTunableStore
	auth     *OperatorAuth
	apiKey   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg, err := registry.Load()
	require.NoError(t, err)

	records := repositories.NewMemoryRecordStore(reg)
	tunables := repositories.NewMemoryTunableStore()
	sites := repositories.NewMemorySiteStore()
	logs := repositories.NewMemoryLogStore()
	presence := repositories.NewMemoryPresenceStore()

	diag := services.NewDiagnosticsService(reg, records, tunables, logs,
		repositories.NewMemorySchemaInspector(reg), "rev-test")
	ingress := services.NewIngressService(reg, records, logs, diag)
	siteRegistry := services.NewSiteRegistry(sites, presence, logs, 10*time.Minute)
	conflicts := services.NewConflictService(reg, records, logs)
	auth := NewOperatorAuth(records, "test-jwt-secret", time.Hour)

	handlers := NewHandlers(reg, records, sites, ingress, siteRegistry, conflicts, diag, auth, nil)
	router := NewRouter(handlers, sites, logs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	// Provision one known site key.
	plaintext, err := utils.GenerateAPIKey()
	require.NoError(t, err)
	hash, err := utils.HashAPIKey(plaintext)
	require.NoError(t, err)
	require.NoError(t, sites.CreateSiteKey(context.Background(), &models.SiteKey{
		SiteID: "site-9", KeyHash: hash, Active: true,
	}))

	return &testServer{
		srv: srv, reg: reg, records: records, sites: sites,
		logs: logs, tunables: tunables, auth: auth, apiKey: plaintext,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) siteHeaders() map[string]string {
	return map[string]string{
		services.HeaderSiteID: "site-9",
		services.HeaderAPIKey: ts.apiKey,
	}
}

func (ts *testServer) operatorHeaders(t *testing.T) map[string]string {
	t.Helper()
	ts.seedOperator(t)
	token, _, err := ts.auth.Login(context.Background(), "admin@example.com", "hunter2hunter2")
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (ts *testServer) seedOperator(t *testing.T) {
	t.Helper()
	if _, err := ts.records.FindByNaturalKey(context.Background(), "users", "email", "admin@example.com"); err == nil {
		return
	}
	hashed, err := utils.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	require.NoError(t, ts.records.ApplyInsert(context.Background(), "users", &models.Record{
		UUID: "op-uuid", Version: 1,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		Fields: map[string]any{
			"email": "admin@example.com", "hashed_password": hashed, "role": "admin",
		},
	}))
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/api/v1/sync/ping", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestSchema(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/api/v1/sync/schema", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "schema requires site auth")

	resp = ts.request(t, http.MethodGet, "/api/v1/sync/schema", nil, ts.siteHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "rev-test", body["revision"])
}

func TestSiteAuth_RejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	// No headers at all.
	resp := ts.request(t, http.MethodPost, "/api/v1/sync/push",
		map[string]any{"records": []any{}}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong key.
	resp = ts.request(t, http.MethodPost, "/api/v1/sync/push",
		map[string]any{"records": []any{}}, map[string]string{
			services.HeaderSiteID: "site-9",
			services.HeaderAPIKey: "definitely-wrong-key-123456",
		})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, ts.logs.Audits("key_auth_fail"))

	// Unknown site.
	resp = ts.request(t, http.MethodPost, "/api/v1/sync/push",
		map[string]any{"records": []any{}}, map[string]string{
			services.HeaderSiteID: "site-unknown",
			services.HeaderAPIKey: ts.apiKey,
		})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSiteAuth_AcceptsAndTouchesKey(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/sync/push",
		map[string]any{"records": []any{}}, ts.siteHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	key, err := ts.sites.GetSiteKey(context.Background(), "site-9")
	require.NoError(t, err)
	assert.NotNil(t, key.LastUsedAt)
	assert.NotEmpty(t, ts.logs.Audits("key_auth_ok"))
}

func TestSyncPush_AppliesBatch(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/sync/push", map[string]any{
		"records": []map[string]any{{
			"model": "devices", "id": 1, "version": 1,
			"uuid": "uuid-1", "hostname": "sw-1", "mac": "aa:01",
			"created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-01-01T00:00:00Z",
		}},
	}, ts.siteHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeBody[services.PushResult](t, resp)
	assert.Equal(t, services.PushResult{Accepted: 1}, result)

	rec, err := ts.records.Get(context.Background(), "devices", 1)
	require.NoError(t, err)
	assert.Equal(t, "sw-1", rec.Fields["hostname"])
}

func TestSyncPush_MalformedBodyIs400(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/sync/push",
		map[string]any{"status": "ok"}, ts.siteHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncPull_ReturnsChangedRecords(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.records.ApplyInsert(context.Background(), "devices", &models.Record{
		ID: 1, UUID: "uuid-1", Version: 2,
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Fields:    map[string]any{"hostname": "sw-1", "mac": "aa:01"},
	}))

	resp := ts.request(t, http.MethodPost, "/api/v1/sync/pull", services.PullRequest{
		Since:  "2026-01-01T00:00:00Z",
		Models: []string{"devices"},
	}, ts.siteHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	records := decodeBody[[]map[string]any](t, resp)
	require.Len(t, records, 1)
	assert.Equal(t, "devices", records[0]["model"])
	assert.Equal(t, "uuid-1", records[0]["uuid"])
	assert.NotContains(t, records[0], "sync_state")
}

func TestSyncPull_SinceExcludesOldRows(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.records.ApplyInsert(context.Background(), "devices", &models.Record{
		ID: 1, UUID: "uuid-1", Version: 1,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Fields:    map[string]any{"hostname": "sw-1", "mac": "aa:01"},
	}))

	resp := ts.request(t, http.MethodPost, "/api/v1/sync/pull", services.PullRequest{
		Since: "2026-06-01T00:00:00Z",
	}, ts.siteHeaders())
	records := decodeBody[[]map[string]any](t, resp)
	assert.Empty(t, records)
}

func TestRegisterSiteAndCheckIn(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/register-site", models.Heartbeat{
		SiteID: "site-9", GitVersion: "abc123", SyncStatus: "ok",
	}, ts.siteHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sites, err := ts.sites.ListConnectedSites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "abc123", sites[0].LastVersion)

	// Legacy check-in answers with an empty task list.
	resp = ts.request(t, http.MethodPost, "/api/sync/check-in", models.Heartbeat{
		SiteID: "site-9", SyncStatus: "ok",
	}, ts.siteHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Empty(t, body["tasks"])
}

func TestOperatorLoginAndConflicts(t *testing.T) {
	ts := newTestServer(t)

	// No token: rejected.
	resp := ts.request(t, http.MethodGet, "/api/v1/conflicts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	headers := ts.operatorHeaders(t)
	resp = ts.request(t, http.MethodGet, "/api/v1/conflicts", nil, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOperatorLogin_BadPassword(t *testing.T) {
	ts := newTestServer(t)
	ts.seedOperator(t)

	resp := ts.request(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": "admin@example.com", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestResolveConflictEndpoint(t *testing.T) {
	ts := newTestServer(t)
	headers := ts.operatorHeaders(t)

	// Seed a record carrying one unresolved conflict.
	rec := &models.Record{
		ID: 1, UUID: "uuid-1", Version: 2,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		Fields:    map[string]any{"hostname": "sw-1", "mac": "aa:01", "location": "rack 4"},
		Conflicts: []models.ConflictEntry{{
			Field: "location", LocalValue: "rack 4", RemoteValue: "basement",
			DetectedAt: time.Now().UTC(), Source: "pull",
			LocalVersion: 2, RemoteVersion: 2, ConflictType: models.ConflictTypeField,
		}},
	}
	require.NoError(t, ts.records.ApplyInsert(context.Background(), "devices", rec))

	resp := ts.request(t, http.MethodPost, "/api/v1/conflicts/devices/1/resolve",
		services.Resolution{Choice: models.ChoiceCloud}, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := ts.records.Get(context.Background(), "devices", 1)
	require.NoError(t, err)
	assert.Equal(t, "basement", stored.Fields["location"])
	assert.False(t, stored.HasConflicts())

	// Resolving again fails: nothing left to resolve.
	resp = ts.request(t, http.MethodPost, "/api/v1/conflicts/devices/1/resolve",
		services.Resolution{Choice: models.ChoiceCloud}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiagnosticsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	headers := ts.operatorHeaders(t)

	resp := ts.request(t, http.MethodGet, "/api/v1/diagnostics/status", nil, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "rev-test", status["Schema Revision"])

	resp = ts.request(t, http.MethodGet, "/api/v1/diagnostics/sites", nil, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProvisionSite(t *testing.T) {
	ts := newTestServer(t)
	headers := ts.operatorHeaders(t)

	resp := ts.request(t, http.MethodPost, "/api/v1/sites",
		map[string]string{"site_id": "site-new"}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.NotEmpty(t, body["api_key"])

	// The returned plaintext authenticates against the stored hash.
	key, err := ts.sites.GetSiteKey(context.Background(), "site-new")
	require.NoError(t, err)
	assert.True(t, utils.CheckAPIKey(key.KeyHash, body["api_key"]))

	// Provisioning the same site twice conflicts.
	resp = ts.request(t, http.MethodPost, "/api/v1/sites",
		map[string]string{"site_id": "site-new"}, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

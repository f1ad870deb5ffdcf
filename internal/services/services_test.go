package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
)

// testEnv wires the services against in-memory stores.
type testEnv struct {
	reg      *registry.Registry
	records  *repositories.MemoryRecordStore
	tunables *repositories.MemoryTunableStore
	logs     *repositories.MemoryLogStore
	diag     *DiagnosticsService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.Load()
	require.NoError(t, err)
	records := repositories.NewMemoryRecordStore(reg)
	tunables := repositories.NewMemoryTunableStore()
	logs := repositories.NewMemoryLogStore()
	diag := NewDiagnosticsService(reg, records, tunables, logs,
		repositories.NewMemorySchemaInspector(reg), "rev-test")
	return &testEnv{reg: reg, records: records, tunables: tunables, logs: logs, diag: diag}
}

func edgeConfig() *config.Config {
	return &config.Config{
		Role:            config.RoleLocal,
		CloudBaseURL:    "http://cloud.test",
		SiteID:          "site-9",
		SyncAPIKey:      "test-key",
		EnableCloudSync: true,
		SyncTimeout:     time.Second,
		SyncRetries:     1,
	}
}

// seedDevice inserts a device whose sync_state matches its fields, i.e. a
// row fully agreed with the peer.
func (env *testEnv) seedDevice(t *testing.T, id int64, uuid string, fields map[string]any) *models.Record {
	t.Helper()
	e, _ := env.reg.Entity("devices")
	rec := &models.Record{
		ID:        id,
		UUID:      uuid,
		Version:   1,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Fields:    fields,
	}
	rec.SyncState = syncStateFromRecord(e, rec)
	require.NoError(t, env.records.ApplyInsert(context.Background(), "devices", rec))
	return rec
}

func (env *testEnv) mustGet(t *testing.T, model string, id int64) *models.Record {
	t.Helper()
	rec, err := env.records.Get(context.Background(), model, id)
	require.NoError(t, err)
	return rec
}

// fakeTransport implements SyncTransport with pluggable responses.
type fakeTransport struct {
	pushFn     func(records []map[string]any) (*PushResult, error)
	pullFn     func(req PullRequest) ([]map[string]any, error)
	registerFn func(hb *models.Heartbeat) error
	revision   string

	pushes    [][]map[string]any
	pulls     []PullRequest
	regs      []*models.Heartbeat
	handshake int
}

func (f *fakeTransport) Push(ctx context.Context, records []map[string]any) (*PushResult, error) {
	f.pushes = append(f.pushes, records)
	if f.pushFn != nil {
		return f.pushFn(records)
	}
	return &PushResult{Accepted: len(records)}, nil
}

func (f *fakeTransport) Pull(ctx context.Context, req PullRequest) ([]map[string]any, error) {
	f.pulls = append(f.pulls, req)
	if f.pullFn != nil {
		return f.pullFn(req)
	}
	return nil, nil
}

func (f *fakeTransport) RegisterSite(ctx context.Context, hb *models.Heartbeat) error {
	f.regs = append(f.regs, hb)
	if f.registerFn != nil {
		return f.registerFn(hb)
	}
	return nil
}

func (f *fakeTransport) SchemaRevision(ctx context.Context) (string, error) {
	f.handshake++
	if f.revision != "" {
		return f.revision, nil
	}
	return "rev-test", nil
}

func (f *fakeTransport) factory() TransportFactory {
	return func(conn ConnSettings) SyncTransport { return f }
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/models"
)

func newPush(env *testEnv, cfg *config.Config, transport *fakeTransport) *PushService {
	return NewPushService(env.reg, env.records, env.tunables, env.logs, env.diag, cfg, transport.factory())
}

// Nothing to push: no HTTP call is made and the watermark stays put.
func TestPushOnce_EmptyPayloadSkipsRequest(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	// One fully synced row whose timestamps predate the watermark.
	env.seedDevice(t, 1, "uuid-1", map[string]any{"hostname": "sw-1", "mac": "aa:01"})
	require.NoError(t, setWatermark(context.Background(), env.tunables,
		models.TunableLastSyncPushWorker, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, newPush(env, edgeConfig(), transport).PushOnce(context.Background()))

	assert.Empty(t, transport.pushes, "no batch means no request")
	mark := watermark(context.Background(), env.tunables, models.TunableLastSyncPushWorker)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), mark)
}

// Changed rows are pushed, the watermark advances and counters land in the
// tunables.
func TestPushOnce_PushesChangedRows(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	rec := env.seedDevice(t, 1, "uuid-1", map[string]any{"hostname": "sw-1", "mac": "aa:01"})
	rec.Fields["hostname"] = "sw-1-renamed"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, env.records.ApplySave(context.Background(), "devices", rec))

	before := time.Now().UTC()
	require.NoError(t, newPush(env, edgeConfig(), transport).PushOnce(context.Background()))

	require.Len(t, transport.pushes, 1)
	require.Len(t, transport.pushes[0], 1)
	wire := transport.pushes[0][0]
	assert.Equal(t, "devices", wire["model"])
	assert.Equal(t, "sw-1-renamed", wire["hostname"])

	mark := watermark(context.Background(), env.tunables, models.TunableLastSyncPushWorker)
	assert.False(t, mark.Before(before), "watermark must advance to the iteration start")

	count, err := env.tunables.Get(context.Background(), models.TunableLastSyncPushWorkerCount)
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	audits := env.logs.Audits("sync_push")
	assert.Len(t, audits, 1)
}

// After a successful push the local sync_state reflects the shipped values,
// so the row stops being a push candidate.
func TestPushOnce_RefreshesSyncState(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	rec := env.seedDevice(t, 1, "uuid-1", map[string]any{"hostname": "sw-1", "mac": "aa:01"})
	rec.Fields["hostname"] = "sw-1-renamed"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, env.records.ApplySave(context.Background(), "devices", rec))

	require.NoError(t, newPush(env, edgeConfig(), transport).PushOnce(context.Background()))

	stored := env.mustGet(t, "devices", 1)
	assert.Equal(t, "sw-1-renamed", stored.SyncState["hostname"])
}

// Deleted rows go out as tombstones, without their payload fields.
func TestPushOnce_DeletedRowsAsTombstones(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	rec := env.seedDevice(t, 1, "uuid-1", map[string]any{
		"hostname": "sw-1", "mac": "aa:01", "notes": "secret",
	})
	now := time.Now().UTC()
	rec.IsDeleted = true
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	require.NoError(t, env.records.ApplySave(context.Background(), "devices", rec))

	require.NoError(t, newPush(env, edgeConfig(), transport).PushOnce(context.Background()))

	require.Len(t, transport.pushes, 1)
	wire := transport.pushes[0][0]
	assert.Equal(t, true, wire["is_deleted"])
	assert.Contains(t, wire, "mac")
	assert.NotContains(t, wire, "notes")
}

// Rows missing uuid or updated_at are counted invalid and not shipped.
func TestPushOnce_InvalidRowsExcluded(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	rec := &models.Record{
		ID: 1, Version: 1, UpdatedAt: time.Now().UTC(),
		Fields: map[string]any{"hostname": "sw-x", "mac": "aa:99"},
	}
	require.NoError(t, env.records.ApplyInsert(context.Background(), "devices", rec))

	require.NoError(t, newPush(env, edgeConfig(), transport).PushOnce(context.Background()))

	assert.Empty(t, transport.pushes)
}

// The cloud role never pushes.
func TestPushOnce_CloudRoleIsNoop(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	cfg := edgeConfig()
	cfg.Role = config.RoleCloud

	require.NoError(t, newPush(env, cfg, transport).PushOnce(context.Background()))
	assert.Zero(t, transport.handshake)
}

// Sync disabled via tunable: no traffic.
func TestPushOnce_DisabledByTunable(t *testing.T) {
	env := newTestEnv(t)
	transport := &fakeTransport{}
	require.NoError(t, env.tunables.Set(context.Background(), models.TunableEnableCloudSync, "false"))
	rec := env.seedDevice(t, 1, "uuid-1", map[string]any{"hostname": "sw-1", "mac": "aa:01"})
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, env.records.ApplySave(context.Background(), "devices", rec))

	require.NoError(t, newPush(env, edgeConfig(), transport).PushOnce(context.Background()))
	assert.Zero(t, transport.handshake)
	assert.Empty(t, transport.pushes)
}

// A failed push records the error tunable; the next success clears it.
func TestPushOnce_ErrorRecordedAndCleared(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedDevice(t, 1, "uuid-1", map[string]any{"hostname": "sw-1", "mac": "aa:01"})
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, env.records.ApplySave(context.Background(), "devices", rec))

	failing := &fakeTransport{pushFn: func([]map[string]any) (*PushResult, error) {
		return nil, assert.AnError
	}}
	err := newPush(env, edgeConfig(), failing).PushOnce(context.Background())
	require.Error(t, err)

	msg, err := env.tunables.Get(context.Background(), models.TunableLastSyncPushError)
	require.NoError(t, err)
	assert.NotEmpty(t, msg)

	ok := &fakeTransport{}
	require.NoError(t, newPush(env, edgeConfig(), ok).PushOnce(context.Background()))
	_, err = env.tunables.Get(context.Background(), models.TunableLastSyncPushError)
	assert.Error(t, err, "error tunable must be cleared on success")
}

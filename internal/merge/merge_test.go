package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgrid/sitesync/internal/models"
)

func deviceRecord() *models.Record {
	return &models.Record{
		ID:      1,
		UUID:    "aaaa-1111",
		Version: 3,
		Fields: map[string]any{
			"hostname": "sw-lobby-01",
			"location": "lobby",
			"notes":    "",
		},
		SyncState: map[string]any{
			"hostname": "sw-lobby-01",
			"location": "lobby",
			"notes":    "",
		},
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// A remote-only edit is applied and the version bumps exactly once.
func TestApplyUpdate_RemoteEditApplied(t *testing.T) {
	rec := deviceRecord()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	conflicts := ApplyUpdate(rec, map[string]any{"location": "basement"}, 3, "pull", now)

	require.Empty(t, conflicts)
	assert.Equal(t, "basement", rec.Fields["location"])
	assert.Equal(t, "basement", rec.SyncState["location"])
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, now, rec.UpdatedAt)
}

// A local-only edit survives an incoming payload that still carries the old
// agreed value.
func TestApplyUpdate_LocalEditWins(t *testing.T) {
	rec := deviceRecord()
	rec.Fields["location"] = "rack 4"

	conflicts := ApplyUpdate(rec, map[string]any{"location": "lobby"}, 3, "pull", time.Now().UTC())

	require.Empty(t, conflicts)
	assert.Equal(t, "rack 4", rec.Fields["location"])
	// The agreed state now records the local value so the next push carries it.
	assert.Equal(t, "rack 4", rec.SyncState["location"])
}

// Both sides changed the same field at the same version: the field stays
// local and a conflict entry is recorded.
func TestApplyUpdate_ConcurrentEditConflicts(t *testing.T) {
	rec := deviceRecord()
	rec.Fields["location"] = "rack 4"

	conflicts := ApplyUpdate(rec, map[string]any{"location": "basement"}, 3, "pull", time.Now().UTC())

	require.Len(t, conflicts, 1)
	assert.Equal(t, "location", conflicts[0].Field)
	assert.Equal(t, "rack 4", conflicts[0].LocalValue)
	assert.Equal(t, "basement", conflicts[0].RemoteValue)
	assert.Equal(t, models.ConflictTypeField, conflicts[0].ConflictType)
	assert.Equal(t, "rack 4", rec.Fields["location"], "conflicted field must stay local")
	assert.True(t, rec.HasConflicts())
}

// The higher version wins a concurrent edit outright.
func TestApplyUpdate_HigherRemoteVersionWins(t *testing.T) {
	rec := deviceRecord()
	rec.Fields["location"] = "rack 4"

	conflicts := ApplyUpdate(rec, map[string]any{"location": "basement"}, 7, "pull", time.Now().UTC())

	require.Empty(t, conflicts)
	assert.Equal(t, "basement", rec.Fields["location"])
}

func TestApplyUpdate_HigherLocalVersionWins(t *testing.T) {
	rec := deviceRecord()
	rec.Version = 9
	rec.Fields["location"] = "rack 4"

	conflicts := ApplyUpdate(rec, map[string]any{"location": "basement"}, 3, "pull", time.Now().UTC())

	require.Empty(t, conflicts)
	assert.Equal(t, "rack 4", rec.Fields["location"])
	assert.Equal(t, "rack 4", rec.SyncState["location"])
}

// A conflicted field is never overwritten by later payloads until resolved,
// even when the same remote value arrives again.
func TestApplyUpdate_ConflictedFieldFrozen(t *testing.T) {
	rec := deviceRecord()
	rec.Fields["location"] = "rack 4"

	first := ApplyUpdate(rec, map[string]any{"location": "basement"}, 3, "pull", time.Now().UTC())
	require.Len(t, first, 1)

	second := ApplyUpdate(rec, map[string]any{"location": "basement"}, 4, "pull", time.Now().UTC())
	assert.Empty(t, second, "repeat payload must not duplicate the conflict")
	assert.Equal(t, "rack 4", rec.Fields["location"])
	assert.Len(t, rec.Conflicts, 1)
}

// Applying an identical payload twice changes nothing the second time except
// the version counter.
func TestApplyUpdate_Idempotent(t *testing.T) {
	rec := deviceRecord()
	payload := map[string]any{"location": "basement", "notes": "repatched"}

	ApplyUpdate(rec, payload, 3, "pull", time.Now().UTC())
	fields := map[string]any{}
	for k, v := range rec.Fields {
		fields[k] = v
	}

	conflicts := ApplyUpdate(rec, payload, 4, "pull", time.Now().UTC())
	require.Empty(t, conflicts)
	assert.Equal(t, fields, rec.Fields)
}

// Fields with no sync_state entry (a record created before tracking, or a
// brand new column) take the remote value without conflicting.
func TestApplyUpdate_UntrackedFieldTakesRemote(t *testing.T) {
	rec := deviceRecord()
	delete(rec.SyncState, "notes")
	rec.Fields["notes"] = "local scribble"

	conflicts := ApplyUpdate(rec, map[string]any{"notes": "from cloud"}, 3, "pull", time.Now().UTC())

	require.Empty(t, conflicts)
	assert.Equal(t, "from cloud", rec.Fields["notes"])
}

// Bookkeeping timestamps are overwritten unconditionally and carry the
// payload's updated_at instead of the merge clock.
func TestApplyUpdate_BookkeepingFields(t *testing.T) {
	rec := deviceRecord()
	remoteUpdated := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	ApplyUpdate(rec, map[string]any{
		"location":   "basement",
		"updated_at": remoteUpdated.Format(time.RFC3339Nano),
	}, 3, "pull", time.Now().UTC())

	assert.Equal(t, remoteUpdated, rec.UpdatedAt)
}

func TestClearConflicts(t *testing.T) {
	rec := deviceRecord()
	rec.Fields["location"] = "rack 4"
	ApplyUpdate(rec, map[string]any{"location": "basement"}, 3, "pull", time.Now().UTC())
	require.True(t, rec.HasConflicts())

	ClearConflicts(rec)
	assert.False(t, rec.HasConflicts())
	assert.Equal(t, "rack 4", rec.Fields["location"], "values stay untouched")
}

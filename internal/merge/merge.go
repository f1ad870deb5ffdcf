// Package merge implements the field-level version merge used on both ends
// of replication. ApplyUpdate is a pure function of the record, its sync
// state and the incoming payload; persistence is the caller's concern.
package merge

import (
	"sort"
	"time"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/utils"
)

// Fields overwritten unconditionally. They carry their own ordering
// semantics and never produce conflicts.
var ignoredFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
	"is_deleted": true,
}

// ApplyUpdate merges incoming field values into rec.
//
// A field is applied, kept, or flagged as a conflict by comparing the local
// value and the incoming value against the last agreed value in sync_state.
// When both sides changed the same field to different values, the higher
// version wins; on a tie the field is left alone and a conflict entry is
// recorded. The record version is bumped exactly once per call.
//
// Fields already listed in rec.Conflicts are never touched until the
// operator resolves them.
func ApplyUpdate(rec *models.Record, incoming map[string]any, incomingVersion int64, source string, now time.Time) []models.ConflictEntry {
	localVersion := rec.Version
	conflicted := make(map[string]bool, len(rec.Conflicts))
	for _, c := range rec.Conflicts {
		conflicted[c.Field] = true
	}

	var newConflicts []models.ConflictEntry
	sawUpdatedAt := false

	for _, f := range sortedKeys(incoming) {
		r := incoming[f]

		if ignoredFields[f] {
			applyBookkeeping(rec, f, r)
			if f == "updated_at" {
				sawUpdatedAt = true
			}
			setSyncState(rec, f, r)
			continue
		}
		if conflicted[f] {
			continue
		}

		l := fieldValue(rec, f)
		s, tracked := syncStateValue(rec, f)

		changedLocal := tracked && !utils.ValuesEqual(l, s)
		changedRemote := tracked && !utils.ValuesEqual(r, s)

		switch {
		case changedLocal && changedRemote && !utils.ValuesEqual(r, l):
			switch {
			case incomingVersion > localVersion:
				setField(rec, f, r)
				setSyncState(rec, f, r)
			case localVersion > incomingVersion:
				setSyncState(rec, f, l)
			default:
				newConflicts = append(newConflicts, models.ConflictEntry{
					Field:         f,
					LocalValue:    utils.JSONSafe(l),
					RemoteValue:   utils.JSONSafe(r),
					DetectedAt:    now,
					Source:        source,
					LocalVersion:  localVersion,
					RemoteVersion: incomingVersion,
					ConflictType:  models.ConflictTypeField,
				})
			}
		case changedLocal:
			// Remote still agrees with the last sync; local edit wins.
			setSyncState(rec, f, l)
		default:
			setField(rec, f, r)
			setSyncState(rec, f, r)
		}
	}

	rec.Version++
	if !sawUpdatedAt {
		rec.UpdatedAt = now
	}
	rec.Conflicts = append(rec.Conflicts, newConflicts...)
	return newConflicts
}

// ClearConflicts drops all conflict entries without touching versions or
// field values.
func ClearConflicts(rec *models.Record) {
	rec.Conflicts = nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fieldValue(rec *models.Record, name string) any {
	if name == "uuid" {
		return rec.UUID
	}
	return rec.Fields[name]
}

func setField(rec *models.Record, name string, v any) {
	if name == "uuid" {
		if s, ok := utils.JSONSafe(v).(string); ok {
			rec.UUID = s
		}
		return
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	rec.Fields[name] = utils.JSONSafe(v)
}

func syncStateValue(rec *models.Record, name string) (any, bool) {
	if rec.SyncState == nil {
		return nil, false
	}
	s, ok := rec.SyncState[name]
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

func setSyncState(rec *models.Record, name string, v any) {
	if rec.SyncState == nil {
		rec.SyncState = make(map[string]any)
	}
	rec.SyncState[name] = utils.JSONSafe(v)
}

func applyBookkeeping(rec *models.Record, name string, v any) {
	switch name {
	case "created_at":
		if ts, ok := utils.ParseTime(v); ok {
			rec.CreatedAt = ts
		}
	case "updated_at":
		if ts, ok := utils.ParseTime(v); ok {
			rec.UpdatedAt = ts
		}
	case "deleted_at":
		if v == nil {
			rec.DeletedAt = nil
			rec.IsDeleted = false
			return
		}
		if ts, ok := utils.ParseTime(v); ok {
			rec.DeletedAt = &ts
			rec.IsDeleted = true
		}
	case "is_deleted":
		if b, ok := v.(bool); ok {
			rec.IsDeleted = b
		}
	}
}

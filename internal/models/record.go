package models

import (
	"time"
)

// Record is a replicated row of any syncable entity. Payload columns live in
// Fields as JSON-safe values; identity and sync bookkeeping are typed.
// SyncState holds the last field values confirmed with the peer and is nil
// for rows that have never completed a sync.
type Record struct {
	ID        int64          `json:"id"`
	UUID      string         `json:"uuid"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	IsDeleted bool           `json:"is_deleted"`
	Fields    map[string]any `json:"fields"`
	SyncState map[string]any `json:"sync_state,omitempty"`
	Conflicts []ConflictEntry `json:"conflict_data,omitempty"`
}

// Clone returns a deep copy so stores can hand out records without aliasing.
func (r *Record) Clone() *Record {
	c := *r
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	c.Fields = cloneMap(r.Fields)
	c.SyncState = cloneMap(r.SyncState)
	if r.Conflicts != nil {
		c.Conflicts = make([]ConflictEntry, len(r.Conflicts))
		copy(c.Conflicts, r.Conflicts)
	}
	return &c
}

// HasConflicts reports whether the record carries unresolved field conflicts.
func (r *Record) HasConflicts() bool { return len(r.Conflicts) > 0 }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

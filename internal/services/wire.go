package services

import (
	"fmt"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/utils"
)

// recordFromWire builds a full record from a wire payload, for inserts of
// rows that do not exist locally. Wire payloads never carry sync_state; it
// is rebuilt from the applied fields afterwards.
func recordFromWire(e *registry.Entity, raw map[string]any) (*models.Record, error) {
	id, ok := asInt64(raw["id"])
	if !ok {
		return nil, fmt.Errorf("%w: missing id", errSkipRecord)
	}
	version, ok := asInt64(raw["version"])
	if !ok {
		return nil, fmt.Errorf("%w: missing version", errSkipRecord)
	}

	rec := &models.Record{
		ID:      id,
		UUID:    asString(raw["uuid"]),
		Version: version,
		Fields:  make(map[string]any, len(e.Columns)),
	}
	if ts, ok := utils.ParseTime(raw["created_at"]); ok {
		rec.CreatedAt = ts
	}
	if ts, ok := utils.ParseTime(raw["updated_at"]); ok {
		rec.UpdatedAt = ts
	}
	if raw["deleted_at"] != nil {
		if ts, ok := utils.ParseTime(raw["deleted_at"]); ok {
			rec.DeletedAt = &ts
			rec.IsDeleted = true
		}
	}
	if b, ok := raw["is_deleted"].(bool); ok && b {
		rec.IsDeleted = true
	}
	for _, c := range e.Columns {
		if v, ok := raw[c.Name]; ok {
			rec.Fields[c.Name] = utils.JSONSafe(v)
		}
	}
	return rec, nil
}

// wireModel extracts the entity name; "table" is the legacy key.
func wireModel(raw map[string]any) string {
	if m := asString(raw["model"]); m != "" {
		return m
	}
	return asString(raw["table"])
}

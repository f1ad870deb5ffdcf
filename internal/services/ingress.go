package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invgrid/sitesync/internal/merge"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/utils"
)

// ErrBadPayload means the push body matched neither accepted shape.
var ErrBadPayload = errors.New("unrecognized push payload")

// IngressService applies pushed batches on the center side.
type IngressService struct {
	reg     *registry.Registry
	records repositories.RecordStore
	logs    repositories.LogStore
	diag    *DiagnosticsService
}

func NewIngressService(
	reg *registry.Registry,
	records repositories.RecordStore,
	logs repositories.LogStore,
	diag *DiagnosticsService,
) *IngressService {
	return &IngressService{reg: reg, records: records, logs: logs, diag: diag}
}

// ParsePushBody accepts both payload shapes:
//
//	{"records":[{"model":..., ...}]} or {"model":X, "records":[...]}
//	legacy: {"devices":[{...}], "users":[{...}]}
func ParsePushBody(body []byte) ([]map[string]any, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	defaultModel := ""
	if rawModel, ok := top["model"]; ok {
		json.Unmarshal(rawModel, &defaultModel)
	}

	if rawRecords, ok := top["records"]; ok {
		var records []map[string]any
		if err := json.Unmarshal(rawRecords, &records); err != nil {
			return nil, fmt.Errorf("%w: records is not an array", ErrBadPayload)
		}
		if defaultModel != "" {
			for _, r := range records {
				if wireModel(r) == "" {
					r["model"] = defaultModel
				}
			}
		}
		return records, nil
	}

	// Legacy shape: top-level map of table name to record list.
	var records []map[string]any
	matched := false
	for table, raw := range top {
		var rows []map[string]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			continue
		}
		matched = true
		for _, r := range rows {
			if wireModel(r) == "" {
				r["model"] = table
			}
			records = append(records, r)
		}
	}
	if !matched {
		return nil, ErrBadPayload
	}
	return records, nil
}

// ApplyBatch applies each record and tallies the response counts. A record
// that produces field conflicts counts toward conflicts, a clean
// application toward accepted, and anything malformed or unknown toward
// skipped.
func (s *IngressService) ApplyBatch(ctx context.Context, siteID string, records []map[string]any) PushResult {
	var result PushResult
	for _, raw := range records {
		conflicts, err := s.applyRecord(ctx, siteID, raw)
		switch {
		case errors.Is(err, errSkipRecord):
			result.Skipped++
		case err != nil:
			s.diag.RecordError(ctx, wireModel(raw), "ingress_apply", err)
			result.Skipped++
		case conflicts > 0:
			result.Conflicts++
		default:
			result.Accepted++
		}
	}
	return result
}

func (s *IngressService) applyRecord(ctx context.Context, siteID string, raw map[string]any) (int, error) {
	model := wireModel(raw)
	e, ok := s.reg.Entity(model)
	if !ok || !e.Syncable {
		if err := s.logs.Audit(ctx, "sync_push_skip", siteID, fmt.Sprintf("unknown model %q", model)); err != nil {
			slog.Error("failed to audit skip", "err", err)
		}
		return 0, fmt.Errorf("%w: unknown model %q", errSkipRecord, model)
	}
	id, okID := asInt64(raw["id"])
	if _, okVer := asInt64(raw["version"]); !okID || !okVer {
		return 0, fmt.Errorf("%w: missing id or version", errSkipRecord)
	}

	local, err := s.records.Get(ctx, model, id)
	switch {
	case err == nil:
		return s.mergeInto(ctx, e, local, raw)
	case errors.Is(err, repositories.ErrNotFound):
		return s.insertPushed(ctx, siteID, e, raw)
	default:
		return 0, err
	}
}

func (s *IngressService) mergeInto(ctx context.Context, e *registry.Entity, local *models.Record, raw map[string]any) (int, error) {
	if raw["deleted_at"] != nil {
		return s.applyTombstone(ctx, e, local, raw)
	}
	version, _ := asInt64(raw["version"])
	payload := registry.PayloadFields(raw)
	newConflicts := merge.ApplyUpdate(local, payload, version, "push", time.Now().UTC())
	if err := s.records.ApplySave(ctx, e.Name, local); err != nil {
		return 0, err
	}
	return len(newConflicts), nil
}

func (s *IngressService) applyTombstone(ctx context.Context, e *registry.Entity, local *models.Record, raw map[string]any) (int, error) {
	remoteDeleted, ok := utils.ParseTime(raw["deleted_at"])
	if !ok {
		return 0, fmt.Errorf("%w: bad deleted_at", errSkipRecord)
	}
	remoteUpdated, _ := utils.ParseTime(raw["updated_at"])

	if local.UpdatedAt.After(remoteUpdated) {
		if hasDeleteConflict(local, remoteDeleted) {
			return 1, nil
		}
		version, _ := asInt64(raw["version"])
		local.Conflicts = append(local.Conflicts, models.ConflictEntry{
			Field:         "deleted_at",
			LocalValue:    utils.JSONSafe(local.UpdatedAt),
			RemoteValue:   utils.JSONSafe(remoteDeleted),
			DetectedAt:    time.Now().UTC(),
			Source:        "push",
			LocalVersion:  local.Version,
			RemoteVersion: version,
			ConflictType:  models.ConflictTypeDelete,
		})
		if err := s.records.ApplySave(ctx, e.Name, local); err != nil {
			return 0, err
		}
		return 1, nil
	}

	keep := map[string]bool{}
	for _, nk := range e.NaturalKeys {
		keep[nk] = true
	}
	for name := range local.Fields {
		if !keep[name] {
			local.Fields[name] = nil
		}
	}
	local.IsDeleted = true
	local.DeletedAt = &remoteDeleted
	if !remoteUpdated.IsZero() {
		local.UpdatedAt = remoteUpdated
	}
	local.Version++
	local.SyncState = syncStateFromRecord(e, local)
	if err := s.records.ApplySave(ctx, e.Name, local); err != nil {
		return 0, err
	}
	if err := s.logs.LogDeletion(ctx, &models.DeletionLog{
		Model: e.Name, RecordID: local.ID, UUID: local.UUID, Source: "push",
	}); err != nil {
		slog.Error("failed to log deletion", "err", err)
	}
	return 0, nil
}

// insertPushed inserts a record the center has never seen, reconciling
// natural-key duplicates first: the row with the earlier created_at wins,
// ties break on the lexicographically lower uuid.
func (s *IngressService) insertPushed(ctx context.Context, siteID string, e *registry.Entity, raw map[string]any) (int, error) {
	rec, err := recordFromWire(e, raw)
	if err != nil {
		return 0, err
	}

	for _, nk := range e.NaturalKeys {
		dup, err := s.records.FindByNaturalKey(ctx, e.Name, nk, raw[nk])
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return s.resolveDuplicate(ctx, siteID, e, nk, dup, rec)
	}

	rec.SyncState = syncStateFromRecord(e, rec)
	err = s.records.ApplyInsert(ctx, e.Name, rec)
	if errors.Is(err, repositories.ErrDuplicate) {
		// Some peers send rows whose uuid already exists under another id;
		// fall back to merging into that row.
		existing, getErr := s.records.GetByUUID(ctx, e.Name, rec.UUID)
		if getErr != nil {
			return 0, fmt.Errorf("insert failed and no row to update: %w", err)
		}
		return s.mergeInto(ctx, e, existing, raw)
	}
	return 0, err
}

func (s *IngressService) resolveDuplicate(ctx context.Context, siteID string, e *registry.Entity, nk string, dup *models.Record, incoming *models.Record) (int, error) {
	if dup.IsDeleted {
		// A tombstoned duplicate is revived with the incoming payload.
		incoming.ID = dup.ID
		incoming.SyncState = syncStateFromRecord(e, incoming)
		if err := s.records.ApplySave(ctx, e.Name, incoming); err != nil {
			return 0, err
		}
		return 0, s.logDuplicate(ctx, e.Name, nk, dup, incoming, "revived tombstoned duplicate")
	}

	incomingWins := incoming.CreatedAt.Before(dup.CreatedAt) ||
		(incoming.CreatedAt.Equal(dup.CreatedAt) && incoming.UUID < dup.UUID)

	if !incomingWins {
		// Existing row was created first; drop the incoming copy.
		return 0, s.logDuplicate(ctx, e.Name, nk, dup, incoming, "kept earlier created_at")
	}

	// Incoming row is older: tombstone the local duplicate, then insert.
	now := time.Now().UTC()
	dup.IsDeleted = true
	dup.DeletedAt = &now
	dup.UpdatedAt = now
	dup.Version++
	if err := s.records.ApplySave(ctx, e.Name, dup); err != nil {
		return 0, err
	}
	incoming.ID = 0
	incoming.SyncState = syncStateFromRecord(e, incoming)
	if err := s.records.ApplyInsert(ctx, e.Name, incoming); err != nil {
		return 0, err
	}
	if err := s.logs.LogDeletion(ctx, &models.DeletionLog{
		Model: e.Name, RecordID: dup.ID, UUID: dup.UUID, Source: "duplicate_resolution",
	}); err != nil {
		slog.Error("failed to log deletion", "err", err)
	}
	return 0, s.logDuplicate(ctx, e.Name, nk, incoming, dup, "incoming created earlier")
}

func (s *IngressService) logDuplicate(ctx context.Context, model, nk string, kept, removed *models.Record, reason string) error {
	return s.logs.LogDuplicate(ctx, &models.DuplicateResolutionLog{
		Model: model, NaturalKey: nk,
		KeptID: kept.ID, RemovedID: removed.ID,
		KeptUUID: kept.UUID, RemovedUUID: removed.UUID,
		Reason: reason,
	})
}

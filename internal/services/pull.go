package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/merge"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/utils"
)

// PullService fetches records changed on the center and applies them
// locally through the merge engine.
type PullService struct {
	reg       *registry.Registry
	records   repositories.RecordStore
	tunables  repositories.TunableStore
	logs      repositories.LogStore
	diag      *DiagnosticsService
	cfg       *config.Config
	transport TransportFactory
}

func NewPullService(
	reg *registry.Registry,
	records repositories.RecordStore,
	tunables repositories.TunableStore,
	logs repositories.LogStore,
	diag *DiagnosticsService,
	cfg *config.Config,
	transport TransportFactory,
) *PullService {
	return &PullService{
		reg: reg, records: records, tunables: tunables, logs: logs,
		diag: diag, cfg: cfg, transport: transport,
	}
}

func (s *PullService) PullOnce(ctx context.Context) error {
	if s.cfg.Role == config.RoleCloud {
		return nil
	}
	conn, ok := resolveConn(ctx, s.tunables, s.cfg)
	if !ok {
		return nil
	}
	client := s.transport(conn)

	if _, err := client.SchemaRevision(ctx); err != nil {
		return s.fail(ctx, "handshake", err)
	}
	broken := s.diag.BrokenModels(ctx)

	start := time.Now().UTC()
	since := watermark(ctx, s.tunables, models.TunableLastSyncPullWorker)

	wanted := s.cfg.PullModels
	if len(wanted) == 0 {
		wanted = s.reg.SyncModels()
	}
	var pullModels []string
	for _, m := range wanted {
		if !broken[m] {
			pullModels = append(pullModels, m)
		}
	}

	recs, err := client.Pull(ctx, PullRequest{
		Since:  since.UTC().Format(time.RFC3339Nano),
		Models: pullModels,
		SiteID: conn.SiteID,
	})
	if err != nil {
		return s.fail(ctx, "pull", err)
	}

	applied, conflicts, skipped := 0, 0, 0
	for _, raw := range recs {
		n, err := s.applyPulled(ctx, raw)
		if errors.Is(err, errSkipRecord) {
			skipped++
			continue
		}
		if err != nil {
			s.diag.RecordError(ctx, wireModel(raw), "pull_apply", err)
			skipped++
			continue
		}
		applied++
		conflicts += n
	}

	if err := setWatermark(ctx, s.tunables, models.TunableLastSyncPull, start); err != nil {
		return err
	}
	if err := setWatermark(ctx, s.tunables, models.TunableLastSyncPullWorker, start); err != nil {
		return err
	}
	s.tunables.Set(ctx, models.TunableLastSyncPullWorkerCount, strconv.Itoa(applied))
	s.tunables.Set(ctx, models.TunableLastSyncPullConflicts, strconv.Itoa(conflicts))
	s.tunables.Delete(ctx, models.TunableLastSyncPullError)

	if len(recs) > 0 {
		detail := fmt.Sprintf("pulled=%d applied=%d conflicts=%d skipped=%d", len(recs), applied, conflicts, skipped)
		if err := s.logs.Audit(ctx, "sync_pull", conn.SiteID, detail); err != nil {
			slog.Error("failed to audit pull", "err", err)
		}
	}
	return nil
}

// applyPulled applies one wire record and returns how many new conflicts it
// produced.
func (s *PullService) applyPulled(ctx context.Context, raw map[string]any) (int, error) {
	model := wireModel(raw)
	e, ok := s.reg.Entity(model)
	if !ok || !e.Syncable {
		return 0, fmt.Errorf("%w: unknown model %q", errSkipRecord, model)
	}
	id, okID := asInt64(raw["id"])
	if _, okVer := asInt64(raw["version"]); !okID || !okVer {
		return 0, fmt.Errorf("%w: missing id or version", errSkipRecord)
	}
	if err := s.checkDrift(ctx, e, raw); err != nil {
		return 0, err
	}

	local, err := s.records.Get(ctx, model, id)
	switch {
	case err == nil:
		return s.applyToExisting(ctx, e, local, raw)
	case errors.Is(err, repositories.ErrNotFound):
		return s.insertPulled(ctx, e, raw)
	default:
		return 0, err
	}
}

// checkDrift skips records whose payload carries columns this side does not
// know, recording the issue once.
func (s *PullService) checkDrift(ctx context.Context, e *registry.Entity, raw map[string]any) error {
	for k := range raw {
		switch k {
		case "model", "table", "id", "version", "uuid",
			"created_at", "updated_at", "deleted_at", "is_deleted":
			continue
		}
		if !e.HasColumn(k) {
			s.diag.issue(ctx, e.Name, k, "unknown_column", "column received from peer")
			return fmt.Errorf("%w: unknown column %q on %q", errSkipRecord, k, e.Name)
		}
	}
	return nil
}

func (s *PullService) applyToExisting(ctx context.Context, e *registry.Entity, local *models.Record, raw map[string]any) (int, error) {
	incomingUUID := asString(raw["uuid"])
	if incomingUUID != "" && incomingUUID != local.UUID {
		return 0, s.reconcileIdentity(ctx, e, local, raw)
	}
	if raw["deleted_at"] != nil {
		return s.applyDelete(ctx, e, local, raw)
	}

	before := make(map[string]any, len(local.Fields))
	for k, v := range local.Fields {
		before[k] = v
	}

	version, _ := asInt64(raw["version"])
	payload := registry.PayloadFields(raw)
	newConflicts := merge.ApplyUpdate(local, payload, version, "pull", time.Now().UTC())
	if err := s.records.ApplySave(ctx, e.Name, local); err != nil {
		return 0, err
	}

	if e.JournalEdits {
		var changed []string
		for _, c := range e.Columns {
			if c.Editable && !utils.ValuesEqual(before[c.Name], local.Fields[c.Name]) {
				changed = append(changed, c.Name)
			}
		}
		if len(changed) > 0 {
			s.journal(ctx, e.Name, local.ID, "sync_pull:"+strings.Join(changed, ","))
		}
	}
	return len(newConflicts), nil
}

// reconcileIdentity handles a row whose id matches but whose uuid does not.
// If the entity's identity key (email for users) matches, the remote row is
// authoritative. Otherwise the local row is moved out of the way and the
// remote row inserted under its original id.
func (s *PullService) reconcileIdentity(ctx context.Context, e *registry.Entity, local *models.Record, raw map[string]any) error {
	if e.IdentityKey != "" && !utils.IsBlank(raw[e.IdentityKey]) &&
		utils.ValuesEqual(local.Fields[e.IdentityKey], raw[e.IdentityKey]) {
		rec, err := recordFromWire(e, raw)
		if err != nil {
			return err
		}
		rec.ID = local.ID
		rec.SyncState = syncStateFromRecord(e, rec)
		rec.Conflicts = nil
		return s.records.ApplySave(ctx, e.Name, rec)
	}

	maxID, err := s.records.MaxID(ctx, e.Name)
	if err != nil {
		return err
	}
	if err := s.records.ReassignID(ctx, e.Name, local.ID, maxID+1); err != nil {
		return fmt.Errorf("failed to move local row aside: %w", err)
	}
	rec, err := recordFromWire(e, raw)
	if err != nil {
		return err
	}
	rec.SyncState = syncStateFromRecord(e, rec)
	if err := s.records.ApplyInsert(ctx, e.Name, rec); err != nil {
		return err
	}
	s.journal(ctx, e.Name, rec.ID, "sync_pull:identity_remap")
	return nil
}

func (s *PullService) applyDelete(ctx context.Context, e *registry.Entity, local *models.Record, raw map[string]any) (int, error) {
	remoteDeleted, ok := utils.ParseTime(raw["deleted_at"])
	if !ok {
		return 0, fmt.Errorf("%w: bad deleted_at", errSkipRecord)
	}
	remoteUpdated, _ := utils.ParseTime(raw["updated_at"])

	if local.UpdatedAt.After(remoteUpdated) {
		// Local edits are newer than the remote tombstone; surface the
		// delete instead of applying it.
		if hasDeleteConflict(local, remoteDeleted) {
			return 1, nil
		}
		version, _ := asInt64(raw["version"])
		local.Conflicts = append(local.Conflicts, models.ConflictEntry{
			Field:         "deleted_at",
			LocalValue:    utils.JSONSafe(local.UpdatedAt),
			RemoteValue:   utils.JSONSafe(remoteDeleted),
			DetectedAt:    time.Now().UTC(),
			Source:        "pull",
			LocalVersion:  local.Version,
			RemoteVersion: version,
			ConflictType:  models.ConflictTypeDelete,
		})
		if err := s.records.ApplySave(ctx, e.Name, local); err != nil {
			return 0, err
		}
		return 1, nil
	}

	// Keep identity and natural keys; everything else is cleared so the
	// tombstone carries no stale payload.
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
		Model: e.Name, RecordID: local.ID, UUID: local.UUID, Source: "pull",
	}); err != nil {
		slog.Error("failed to log deletion", "err", err)
	}
	return 0, nil
}

func (s *PullService) insertPulled(ctx context.Context, e *registry.Entity, raw map[string]any) (int, error) {
	rec, err := recordFromWire(e, raw)
	if err != nil {
		return 0, err
	}
	rec.SyncState = syncStateFromRecord(e, rec)

	err = s.records.ApplyInsert(ctx, e.Name, rec)
	if errors.Is(err, repositories.ErrDuplicate) {
		// Same uuid under a different id: fall back to merging into the
		// existing row.
		existing, getErr := s.records.GetByUUID(ctx, e.Name, rec.UUID)
		if getErr != nil {
			return 0, err
		}
		return s.applyToExisting(ctx, e, existing, raw)
	}
	if err != nil {
		return 0, err
	}
	if e.JournalEdits {
		s.journal(ctx, e.Name, rec.ID, "sync_pull:created")
	}
	return 0, nil
}

func (s *PullService) journal(ctx context.Context, model string, id int64, msg string) {
	if err := s.logs.AppendSyncLog(ctx, model, id, msg); err != nil {
		slog.Error("failed to append sync log", "model", model, "err", err)
	}
}

func (s *PullService) fail(ctx context.Context, action string, err error) error {
	s.tunables.Set(ctx, models.TunableLastSyncPullError, err.Error())
	s.diag.RecordError(ctx, action, "pull", err)
	return err
}

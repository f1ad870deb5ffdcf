package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
)

const DefaultBackupPath = "backups/unsynced_backup.json"

// DiagnosticsService owns the operator-facing health surface: counters,
// schema verification, error dedup, and the reset/replay recovery path.
type DiagnosticsService struct {
	reg       *registry.Registry
	records   repositories.RecordStore
	tunables  repositories.TunableStore
	logs      repositories.LogStore
	inspector repositories.SchemaInspector
	revision  string

	mu   sync.Mutex
	seen map[uint64]bool
}

func NewDiagnosticsService(
	reg *registry.Registry,
	records repositories.RecordStore,
	tunables repositories.TunableStore,
	logs repositories.LogStore,
	inspector repositories.SchemaInspector,
	revision string,
) *DiagnosticsService {
	return &DiagnosticsService{
		reg:       reg,
		records:   records,
		tunables:  tunables,
		logs:      logs,
		inspector: inspector,
		revision:  revision,
		seen:      make(map[uint64]bool),
	}
}

// Revision is the local schema revision exchanged with peers.
func (d *DiagnosticsService) Revision() string { return d.revision }

// RecordError stores a sync failure, once per (model, action, type, message)
// per process.
func (d *DiagnosticsService) RecordError(ctx context.Context, model, action string, err error) {
	errType := fmt.Sprintf("%T", err)
	msg := err.Error()
	hash := xxhash.Sum64String(model + "\x00" + action + "\x00" + errType + "\x00" + msg)

	d.mu.Lock()
	if d.seen[hash] {
		d.mu.Unlock()
		return
	}
	d.seen[hash] = true
	d.mu.Unlock()

	e := &models.SyncError{Hash: hash, Model: model, Action: action, ErrType: errType, Message: msg}
	if logErr := d.logs.RecordSyncError(ctx, e); logErr != nil {
		slog.Error("failed to record sync error", "err", logErr)
	}
}

// VerifySchema diffs the registry against the live database and files one
// sync_issues row per divergence. Drift is reported, never fatal; the
// returned issues let callers exclude broken entities from an iteration.
func (d *DiagnosticsService) VerifySchema(ctx context.Context) ([]*models.SyncIssue, error) {
	var found []*models.SyncIssue
	for _, e := range d.reg.Entities() {
		cols, err := d.inspector.TableColumns(ctx, e.Table)
		if errors.Is(err, repositories.ErrNotFound) {
			found = append(found, d.issue(ctx, e.Name, "", "missing_table", e.Table))
			continue
		}
		if err != nil {
			return found, fmt.Errorf("schema verification failed for %s: %w", e.Table, err)
		}
		for _, required := range []string{"uuid", "version", "updated_at"} {
			if _, ok := cols[required]; !ok {
				found = append(found, d.issue(ctx, e.Name, required, "missing_column", e.Table))
			}
		}
		for _, c := range e.Columns {
			live, ok := cols[c.Name]
			if !ok {
				found = append(found, d.issue(ctx, e.Name, c.Name, "missing_column", e.Table))
				continue
			}
			if !typeCompatible(c.Type, live) {
				found = append(found, d.issue(ctx, e.Name, c.Name, "type_mismatch",
					fmt.Sprintf("%s declared %s, live %s", e.Table, c.Type, live)))
			}
		}
	}
	return found, nil
}

// Live column types acceptable for each declared registry type. The memory
// inspector reports declared types back verbatim, so each set includes its
// own name.
var compatibleTypes = map[string]map[string]bool{
	"string": {"string": true, "text": true, "character varying": true, "character": true},
	"int":    {"int": true, "bigint": true, "integer": true, "smallint": true},
	"float":  {"float": true, "double precision": true, "real": true, "numeric": true},
	"bool":   {"bool": true, "boolean": true},
	"time":   {"time": true, "timestamp with time zone": true, "timestamp without time zone": true},
	"uuid":   {"uuid": true, "text": true, "character varying": true},
	"json":   {"json": true, "jsonb": true},
}

func typeCompatible(declared, live string) bool {
	accepted, ok := compatibleTypes[declared]
	if !ok {
		return true
	}
	return accepted[live]
}

func (d *DiagnosticsService) issue(ctx context.Context, model, field, issueType, detail string) *models.SyncIssue {
	i := &models.SyncIssue{
		Key:       model + ":" + field + ":" + issueType,
		Model:     model,
		Field:     field,
		IssueType: issueType,
		Detail:    detail,
	}
	if err := d.logs.RecordIssue(ctx, i); err != nil {
		slog.Error("failed to record sync issue", "err", err)
	}
	return i
}

// BrokenModels returns the entity names that failed schema verification and
// must be excluded from the current sync iteration.
func (d *DiagnosticsService) BrokenModels(ctx context.Context) map[string]bool {
	issues, err := d.VerifySchema(ctx)
	if err != nil {
		slog.Error("schema verification error", "err", err)
		return nil
	}
	broken := make(map[string]bool)
	for _, i := range issues {
		broken[i.Model] = true
	}
	return broken
}

// Status snapshots everything the diagnostics UI shows: watermarks, counts,
// last errors, connection settings and the schema revision.
func (d *DiagnosticsService) Status(ctx context.Context) (map[string]string, error) {
	out := map[string]string{"Schema Revision": d.revision}
	tunables, err := d.tunables.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tunables {
		if t.Name == models.TunableCloudAPIKey {
			continue // never surface the credential
		}
		out[t.Name] = t.Value
	}
	return out, nil
}

type backupFile struct {
	ExportedAt time.Time                   `json:"exported_at"`
	Revision   string                      `json:"revision"`
	Records    map[string][]map[string]any `json:"records"`
}

// ExportUnsynced writes every record not yet confirmed by the peer to a
// JSON backup, keyed by model. Returns the row count.
func (d *DiagnosticsService) ExportUnsynced(ctx context.Context, path string) (int, error) {
	since := watermark(ctx, d.tunables, models.TunableLastSyncPushWorker)
	out := backupFile{
		ExportedAt: time.Now().UTC(),
		Revision:   d.revision,
		Records:    make(map[string][]map[string]any),
	}
	total := 0
	for _, name := range d.reg.SyncModels() {
		e, _ := d.reg.Entity(name)
		recs, err := d.records.PushCandidates(ctx, name, since)
		if err != nil {
			return 0, fmt.Errorf("failed to collect unsynced %s: %w", name, err)
		}
		for _, rec := range recs {
			out.Records[name] = append(out.Records[name], registry.Project(e, rec))
			total++
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create backup dir: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write backup: %w", err)
	}
	return total, nil
}

// ReplayBackup re-inserts exported rows after a reset, skipping any whose
// id or uuid already exists. Returns (replayed, skipped).
func (d *DiagnosticsService) ReplayBackup(ctx context.Context, path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read backup: %w", err)
	}
	var in backupFile
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, 0, fmt.Errorf("failed to decode backup: %w", err)
	}

	replayed, skipped := 0, 0
	for model, rows := range in.Records {
		e, ok := d.reg.Entity(model)
		if !ok {
			skipped += len(rows)
			continue
		}
		for _, raw := range rows {
			rec, err := recordFromWire(e, raw)
			if err != nil {
				skipped++
				continue
			}
			if _, err := d.records.GetByUUID(ctx, model, rec.UUID); err == nil {
				skipped++
				continue
			}
			if _, err := d.records.Get(ctx, model, rec.ID); err == nil {
				skipped++
				continue
			}
			if err := d.records.ApplyInsert(ctx, model, rec); err != nil {
				d.RecordError(ctx, model, "replay", err)
				skipped++
				continue
			}
			replayed++
		}
	}
	return replayed, skipped, nil
}

// ResetAndReplay is the recovery path: export unsynced rows, run the reset
// function (drop + migrate + seed), then replay the export. Outcomes land
// in the audit log either way.
func (d *DiagnosticsService) ResetAndReplay(ctx context.Context, path string, reset func(context.Context) error) error {
	if path == "" {
		path = DefaultBackupPath
	}
	exported, err := d.ExportUnsynced(ctx, path)
	if err != nil {
		return fmt.Errorf("backup before reset failed: %w", err)
	}
	if err := reset(ctx); err != nil {
		d.audit(ctx, "reset_failed", err.Error())
		return fmt.Errorf("reset failed: %w", err)
	}
	replayed, skipped, err := d.ReplayBackup(ctx, path)
	if err != nil {
		d.audit(ctx, "recovery_failed", err.Error())
		return fmt.Errorf("replay after reset failed: %w", err)
	}
	d.audit(ctx, "recovery_complete",
		fmt.Sprintf("exported=%d replayed=%d skipped=%d", exported, replayed, skipped))
	return nil
}

func (d *DiagnosticsService) audit(ctx context.Context, action, detail string) {
	if err := d.logs.Audit(ctx, action, "system", detail); err != nil {
		slog.Error("failed to write audit log", "action", action, "err", err)
	}
}

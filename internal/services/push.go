package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
)

// SyncTransport is the client-side surface of the center, split out so the
// pipelines can be exercised against a fake in tests.
type SyncTransport interface {
	Push(ctx context.Context, records []map[string]any) (*PushResult, error)
	Pull(ctx context.Context, req PullRequest) ([]map[string]any, error)
	RegisterSite(ctx context.Context, hb *models.Heartbeat) error
	SchemaRevision(ctx context.Context) (string, error)
}

type TransportFactory func(conn ConnSettings) SyncTransport

// PushService collects locally-changed records and ships them to the
// center. One PushOnce call is one loop iteration.
type PushService struct {
	reg       *registry.Registry
	records   repositories.RecordStore
	tunables  repositories.TunableStore
	logs      repositories.LogStore
	diag      *DiagnosticsService
	cfg       *config.Config
	transport TransportFactory
}

func NewPushService(
	reg *registry.Registry,
	records repositories.RecordStore,
	tunables repositories.TunableStore,
	logs repositories.LogStore,
	diag *DiagnosticsService,
	cfg *config.Config,
	transport TransportFactory,
) *PushService {
	return &PushService{
		reg: reg, records: records, tunables: tunables, logs: logs,
		diag: diag, cfg: cfg, transport: transport,
	}
}

func (s *PushService) PushOnce(ctx context.Context) error {
	if s.cfg.Role == config.RoleCloud {
		return nil
	}
	conn, ok := resolveConn(ctx, s.tunables, s.cfg)
	if !ok {
		return nil
	}
	client := s.transport(conn)

	if err := s.schemaHandshake(ctx, client); err != nil {
		return s.fail(ctx, "handshake", err)
	}
	broken := s.diag.BrokenModels(ctx)

	start := time.Now().UTC()
	since := watermark(ctx, s.tunables, models.TunableLastSyncPushWorker)

	var payload []map[string]any
	type pushed struct {
		model string
		id    int64
	}
	var sent []pushed
	invalid := 0

	for _, name := range s.reg.SyncModels() {
		if broken[name] {
			continue
		}
		e, _ := s.reg.Entity(name)
		recs, err := s.records.PushCandidates(ctx, name, since)
		if err != nil {
			return s.fail(ctx, name, err)
		}
		for _, rec := range recs {
			if rec.UUID == "" || rec.UpdatedAt.IsZero() {
				invalid++
				continue
			}
			if rec.IsDeleted {
				payload = append(payload, registry.Tombstone(e, rec))
			} else {
				payload = append(payload, registry.Project(e, rec))
			}
			sent = append(sent, pushed{model: name, id: rec.ID})
		}
	}

	if len(payload) == 0 {
		return nil
	}

	result, err := client.Push(ctx, payload)
	if err != nil {
		return s.fail(ctx, "push", err)
	}

	// Refresh sync_state for everything the center acknowledged. This must
	// not touch updated_at or the rows would look dirty again.
	for _, p := range sent {
		e, _ := s.reg.Entity(p.model)
		rec, err := s.records.Get(ctx, p.model, p.id)
		if err != nil {
			continue
		}
		state := syncStateFromRecord(e, rec)
		if !syncStatesEqual(rec.SyncState, state) {
			if err := s.records.SetSyncState(ctx, p.model, p.id, state); err != nil {
				slog.Error("failed to refresh sync_state", "model", p.model, "id", p.id, "err", err)
			}
		}
	}

	if err := setWatermark(ctx, s.tunables, models.TunableLastSyncPush, start); err != nil {
		return err
	}
	if err := setWatermark(ctx, s.tunables, models.TunableLastSyncPushWorker, start); err != nil {
		return err
	}
	s.tunables.Set(ctx, models.TunableLastSyncPushWorkerCount, strconv.Itoa(result.Accepted))
	s.tunables.Set(ctx, models.TunableLastSyncPushConflicts, strconv.Itoa(result.Conflicts))
	s.tunables.Delete(ctx, models.TunableLastSyncPushError)

	detail := fmt.Sprintf("pushed=%d accepted=%d conflicts=%d skipped=%d invalid=%d",
		len(payload), result.Accepted, result.Conflicts, result.Skipped, invalid)
	if err := s.logs.Audit(ctx, "sync_push", conn.SiteID, detail); err != nil {
		slog.Error("failed to audit push", "err", err)
	}
	slog.Info("push complete", "site", conn.SiteID, "records", len(payload),
		"accepted", result.Accepted, "conflicts", result.Conflicts)
	return nil
}

func (s *PushService) schemaHandshake(ctx context.Context, client SyncTransport) error {
	peer, err := client.SchemaRevision(ctx)
	if err != nil {
		return fmt.Errorf("schema handshake failed: %w", err)
	}
	if peer != s.diag.Revision() {
		// The center migrates itself before applying; we only record the
		// divergence so operators can see it.
		slog.Warn("peer schema revision differs", "local", s.diag.Revision(), "peer", peer)
	}
	return nil
}

func (s *PushService) fail(ctx context.Context, action string, err error) error {
	s.tunables.Set(ctx, models.TunableLastSyncPushError, err.Error())
	s.diag.RecordError(ctx, action, "push", err)
	return err
}

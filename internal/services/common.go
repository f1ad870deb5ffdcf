package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/utils"
)

// ConnSettings is the resolved edge→cloud connection configuration for one
// worker iteration. Tunables win over environment values so operators can
// repoint an edge without a restart.
type ConnSettings struct {
	BaseURL string
	SiteID  string
	APIKey  string
	Enabled bool
}

func resolveConn(ctx context.Context, tunables repositories.TunableStore, cfg *config.Config) (ConnSettings, bool) {
	s := ConnSettings{
		BaseURL: cfg.CloudBaseURL,
		SiteID:  cfg.SiteID,
		APIKey:  cfg.SyncAPIKey,
		Enabled: cfg.EnableCloudSync,
	}
	if v, err := tunables.Get(ctx, models.TunableCloudBaseURL); err == nil && v != "" {
		s.BaseURL = v
	}
	if v, err := tunables.Get(ctx, models.TunableCloudSiteID); err == nil && v != "" {
		s.SiteID = v
	}
	if v, err := tunables.Get(ctx, models.TunableCloudAPIKey); err == nil && v != "" {
		s.APIKey = v
	}
	if v, err := tunables.Get(ctx, models.TunableEnableCloudSync); err == nil && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Enabled = b
		}
	}
	if !s.Enabled || s.BaseURL == "" || s.SiteID == "" || s.APIKey == "" {
		return s, false
	}
	return s, true
}

func watermark(ctx context.Context, tunables repositories.TunableStore, name string) time.Time {
	v, err := tunables.Get(ctx, name)
	if err != nil || v == "" {
		return time.Time{}
	}
	if ts, ok := utils.ParseTime(v); ok {
		return ts
	}
	return time.Time{}
}

func setWatermark(ctx context.Context, tunables repositories.TunableStore, name string, t time.Time) error {
	return tunables.Set(ctx, name, t.UTC().Format(time.RFC3339Nano))
}

// syncStateFromRecord rebuilds the agreed-state snapshot from the record as
// currently stored: the wire projection minus identity and version, which
// never participate in field merging.
func syncStateFromRecord(e *registry.Entity, rec *models.Record) map[string]any {
	state := registry.Project(e, rec)
	delete(state, "model")
	delete(state, "id")
	delete(state, "version")
	return state
}

// hasDeleteConflict reports whether rec already carries an unresolved delete
// conflict for the same remote tombstone. Tombstones are delivered at least
// once, so a redelivery must not stack a second identical entry.
func hasDeleteConflict(rec *models.Record, remoteDeleted time.Time) bool {
	for _, c := range rec.Conflicts {
		if c.ConflictType == models.ConflictTypeDelete && utils.ValuesEqual(c.RemoteValue, remoteDeleted) {
			return true
		}
	}
	return false
}

func syncStatesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !utils.ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// recordVersionFields checks the row shape required for replication.
func hasSyncColumns(raw map[string]any) bool {
	if _, ok := raw["uuid"]; !ok {
		return false
	}
	if _, ok := raw["version"]; !ok {
		return false
	}
	_, ok := raw["updated_at"]
	return ok
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

var errSkipRecord = errors.New("record skipped")

package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/repositories"
)

// PresenceTTL bounds how long a check-in keeps a site Connected in the
// fast presence view.
const PresenceTTL = 10 * time.Minute

// HeartbeatService is the edge-side worker that announces the instance to
// the center on an interval.
type HeartbeatService struct {
	tunables  repositories.TunableStore
	cfg       *config.Config
	transport TransportFactory
}

func NewHeartbeatService(tunables repositories.TunableStore, cfg *config.Config, transport TransportFactory) *HeartbeatService {
	return &HeartbeatService{tunables: tunables, cfg: cfg, transport: transport}
}

func (s *HeartbeatService) BeatOnce(ctx context.Context) error {
	if s.cfg.Role == config.RoleCloud {
		return nil
	}
	conn, ok := resolveConn(ctx, s.tunables, s.cfg)
	if !ok {
		return nil
	}

	syncStatus := "ok"
	if v, err := s.tunables.Get(ctx, models.TunableLastSyncPushError); err == nil && v != "" {
		syncStatus = "push_failing"
	}

	hb := &models.Heartbeat{
		SiteID:      conn.SiteID,
		GitVersion:  s.cfg.GitVersion,
		SyncStatus:  syncStatus,
		Timestamp:   time.Now().UTC(),
		AppVersion:  s.cfg.AppVersion,
		Environment: s.cfg.Environment,
	}
	if err := s.transport(conn).RegisterSite(ctx, hb); err != nil {
		slog.Warn("heartbeat failed", "site", conn.SiteID, "err", err)
		return err
	}
	return setWatermark(ctx, s.tunables, models.TunableLastCloudContact, hb.Timestamp)
}

// SiteRegistry is the center-side counterpart: it records check-ins and
// derives per-site connection status.
type SiteRegistry struct {
	sites    repositories.SiteStore
	presence repositories.PresenceStore
	logs     repositories.LogStore
	window   time.Duration
}

func NewSiteRegistry(sites repositories.SiteStore, presence repositories.PresenceStore, logs repositories.LogStore, window time.Duration) *SiteRegistry {
	if window <= 0 {
		window = PresenceTTL
	}
	return &SiteRegistry{sites: sites, presence: presence, logs: logs, window: window}
}

// RecordCheckIn upserts the durable connected_sites row and refreshes the
// short-TTL presence key.
func (r *SiteRegistry) RecordCheckIn(ctx context.Context, hb *models.Heartbeat, remoteIP string) error {
	now := time.Now().UTC()
	site := &models.ConnectedSite{
		SiteID:           hb.SiteID,
		LastSeen:         now,
		LastVersion:      hb.GitVersion,
		SyncStatus:       hb.SyncStatus,
		LastUpdateStatus: hb.LastUpdateStatus,
		LastIP:           remoteIP,
		AppVersion:       hb.AppVersion,
		Environment:      hb.Environment,
	}
	if err := r.sites.UpsertConnectedSite(ctx, site); err != nil {
		return err
	}
	p := &models.SitePresence{SiteID: hb.SiteID, Status: models.SiteConnected, LastSeen: now}
	if err := r.presence.SetPresence(ctx, p, r.window); err != nil {
		// Presence is a cache; the durable row already holds last_seen.
		slog.Warn("failed to refresh site presence", "site", hb.SiteID, "err", err)
	}
	return nil
}

// SiteStatus pairs the durable site row with its derived connection state.
type SiteStatus struct {
	Site   *models.ConnectedSite `json:"site"`
	Status string                `json:"status"`
}

func (r *SiteRegistry) SiteStatuses(ctx context.Context) ([]SiteStatus, error) {
	sites, err := r.sites.ListConnectedSites(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]SiteStatus, 0, len(sites))
	for _, site := range sites {
		status := models.ConnectionStatus(&site.LastSeen, now, r.window)
		if p, err := r.presence.GetPresence(ctx, site.SiteID); err == nil && p.Status == models.SiteConnected {
			status = models.SiteConnected
		}
		out = append(out, SiteStatus{Site: site, Status: status})
	}
	return out, nil
}

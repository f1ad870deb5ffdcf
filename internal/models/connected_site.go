package models

import "time"

// ConnectedSite is the center-side view of an edge instance, refreshed on
// every heartbeat or check-in.
type ConnectedSite struct {
	SiteID           string    `json:"site_id"`
	LastSeen         time.Time `json:"last_seen"`
	LastVersion      string    `json:"last_version"`
	SyncStatus       string    `json:"sync_status"`
	LastUpdateStatus string    `json:"last_update_status"`
	LastIP           string    `json:"last_ip"`
	AppVersion       string    `json:"app_version"`
	Environment      string    `json:"environment"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Heartbeat is the body an edge posts to /api/v1/register-site and
// /api/sync/check-in.
type Heartbeat struct {
	SiteID           string    `json:"site_id"`
	GitVersion       string    `json:"git_version"`
	SyncStatus       string    `json:"sync_status"`
	LastUpdateStatus string    `json:"last_update_status,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	AppVersion       string    `json:"app_version"`
	Environment      string    `json:"environment"`
}

package models

import "time"

// SitePresence is the short-lived liveness view of an edge site, kept apart
// from the durable ConnectedSite row.
type SitePresence struct {
	SiteID   string    `json:"site_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Derived connection states.
const (
	SiteConnected    = "Connected"
	SiteUnreachable  = "Unreachable"
	SiteDisconnected = "Disconnected"
)

// ConnectionStatus derives the state from the last successful contact.
// A site is Connected within the window, Unreachable past it, and
// Disconnected when it has never been seen.
func ConnectionStatus(lastSeen *time.Time, now time.Time, window time.Duration) string {
	if lastSeen == nil || lastSeen.IsZero() {
		return SiteDisconnected
	}
	if now.Sub(*lastSeen) < window {
		return SiteConnected
	}
	return SiteUnreachable
}

package models

import "time"

// SiteKey authorizes one edge instance. The API key is stored as a bcrypt
// hash; the plaintext only exists at provisioning time.
type SiteKey struct {
	ID         int64      `json:"id"`
	SiteID     string     `json:"site_id"`
	KeyHash    string     `json:"-"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

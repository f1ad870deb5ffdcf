package models

import "time"

// Conflict types.
const (
	ConflictTypeField  = "field"
	ConflictTypeDelete = "delete"
)

// Operator choices when resolving a conflict.
const (
	ChoiceLocal = "local"
	ChoiceCloud = "cloud"
)

// ConflictEntry records one field where both sides diverged concurrently.
// Values are JSON-safe projections (times as ISO-8601 UTC, UUIDs as strings).
type ConflictEntry struct {
	Field         string    `json:"field"`
	LocalValue    any       `json:"local_value"`
	RemoteValue   any       `json:"remote_value"`
	DetectedAt    time.Time `json:"detected_at"`
	Source        string    `json:"source"`
	LocalVersion  int64     `json:"local_version"`
	RemoteVersion int64     `json:"remote_version"`
	ConflictType  string    `json:"conflict_type"`

	// AutoChoice is advisory only: "cloud" when the local value is blank,
	// "local" when the remote value is blank. Never applied automatically.
	AutoChoice string `json:"auto_choice,omitempty"`
}

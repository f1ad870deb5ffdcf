package models

import "time"

// AuditLog records an operator- or peer-visible action (key auth outcomes,
// sync batches, conflict resolutions).
type AuditLog struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncLog is one line of the per-record sync journal, e.g.
// "sync_pull:hostname,location" on a pulled device edit.
type SyncLog struct {
	ID        int64     `json:"id"`
	Model     string    `json:"model"`
	RecordID  int64     `json:"record_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictLog is the durable trace of a conflict detection or resolution.
type ConflictLog struct {
	ID         int64     `json:"id"`
	Model      string    `json:"model"`
	RecordID   int64     `json:"record_id"`
	Field      string    `json:"field"`
	Resolution string    `json:"resolution"`
	CreatedAt  time.Time `json:"created_at"`
}

// DuplicateResolutionLog records which row won an identity collision and why.
type DuplicateResolutionLog struct {
	ID          int64     `json:"id"`
	Model       string    `json:"model"`
	NaturalKey  string    `json:"natural_key"`
	KeptID      int64     `json:"kept_id"`
	RemovedID   int64     `json:"removed_id"`
	KeptUUID    string    `json:"kept_uuid"`
	RemovedUUID string    `json:"removed_uuid"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeletionLog records a soft delete applied through sync.
type DeletionLog struct {
	ID        int64     `json:"id"`
	Model     string    `json:"model"`
	RecordID  int64     `json:"record_id"`
	UUID      string    `json:"uuid"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncIssue describes schema drift found between the registry and the live
// database. The Key field dedupes repeats of the same issue.
type SyncIssue struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Model     string    `json:"model"`
	Field     string    `json:"field"`
	IssueType string    `json:"issue_type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncError is a deduplicated sync failure. Hash covers
// (model, action, error type, message) so identical failures are stored once.
type SyncError struct {
	ID        int64     `json:"id"`
	Hash      uint64    `json:"hash"`
	Model     string    `json:"model"`
	Action    string    `json:"action"`
	ErrType   string    `json:"err_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

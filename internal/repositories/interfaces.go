package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/invgrid/sitesync/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// RecordStore persists the replicated entities. Lookups include soft-deleted
// rows unless stated otherwise; List honors the include-deleted flag.
//
// Save is for local mutations: it refreshes updated_at and fires the commit
// hook so the push worker wakes up. ApplySave/ApplyInsert are for sync
// application: they write the record exactly as given and stay silent.
// SetSyncState rewrites only the agreed-state snapshot, leaving updated_at
// untouched.
type RecordStore interface {
	Get(ctx context.Context, model string, id int64) (*models.Record, error)
	GetByUUID(ctx context.Context, model, uuid string) (*models.Record, error)
	FindByNaturalKey(ctx context.Context, model, column string, value any) (*models.Record, error)
	List(ctx context.Context, model string, includeDeleted bool) ([]*models.Record, error)

	// PushCandidates implements the change-journal selection: rows whose
	// sync_state is null or whose created/updated/deleted timestamp
	// exceeds since.
	PushCandidates(ctx context.Context, model string, since time.Time) ([]*models.Record, error)

	// UpdatedSince selects rows for pull answers: any timestamp column
	// past since, optionally filtered by site id.
	UpdatedSince(ctx context.Context, model string, since time.Time, siteID string) ([]*models.Record, error)

	// Conflicted lists rows with unresolved conflicts detected after since.
	Conflicted(ctx context.Context, model string, since time.Time) ([]*models.Record, error)

	Insert(ctx context.Context, model string, rec *models.Record) error
	Save(ctx context.Context, model string, rec *models.Record) error
	ApplyInsert(ctx context.Context, model string, rec *models.Record) error
	ApplySave(ctx context.Context, model string, rec *models.Record) error
	SetSyncState(ctx context.Context, model string, id int64, state map[string]any) error

	MaxID(ctx context.Context, model string) (int64, error)

	// ReassignID moves a row to a new primary key and remaps every foreign
	// key reference declared in the registry, in one transaction.
	ReassignID(ctx context.Context, model string, oldID, newID int64) error

	// SetCommitHook registers the observer fired after local mutations.
	// Must be called before workers start; the hook must not block.
	SetCommitHook(fn func())
}

// TunableStore is the system_tunables key-value table.
type TunableStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	All(ctx context.Context) ([]models.Tunable, error)
}

// SiteStore covers connected_sites and site_keys.
type SiteStore interface {
	UpsertConnectedSite(ctx context.Context, site *models.ConnectedSite) error
	ListConnectedSites(ctx context.Context) ([]*models.ConnectedSite, error)
	GetSiteKey(ctx context.Context, siteID string) (*models.SiteKey, error)
	TouchSiteKey(ctx context.Context, siteID string, at time.Time) error
	CreateSiteKey(ctx context.Context, key *models.SiteKey) error
}

// LogStore covers the append-only bookkeeping tables.
type LogStore interface {
	Audit(ctx context.Context, action, actor, detail string) error
	AppendSyncLog(ctx context.Context, model string, recordID int64, message string) error
	LogConflict(ctx context.Context, entry *models.ConflictLog) error
	LogDuplicate(ctx context.Context, entry *models.DuplicateResolutionLog) error
	LogDeletion(ctx context.Context, entry *models.DeletionLog) error

	// RecordIssue stores a schema-drift issue once per key.
	RecordIssue(ctx context.Context, issue *models.SyncIssue) error
	// RecordSyncError stores a failure once per hash.
	RecordSyncError(ctx context.Context, e *models.SyncError) error

	ListIssues(ctx context.Context) ([]*models.SyncIssue, error)
	ListSyncErrors(ctx context.Context) ([]*models.SyncError, error)
	ListDuplicates(ctx context.Context) ([]*models.DuplicateResolutionLog, error)
}

// PresenceStore is the short-TTL liveness view of connected sites.
type PresenceStore interface {
	SetPresence(ctx context.Context, presence *models.SitePresence, ttl time.Duration) error
	GetPresence(ctx context.Context, siteID string) (*models.SitePresence, error)
}

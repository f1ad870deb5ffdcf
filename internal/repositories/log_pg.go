package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invgrid/sitesync/internal/models"
)

type PostgresLogStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLogStore(pool *pgxpool.Pool) *PostgresLogStore {
	return &PostgresLogStore{pool: pool}
}

func (r *PostgresLogStore) Audit(ctx context.Context, action, actor, detail string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (action, actor, detail) VALUES ($1, $2, $3)`,
		action, actor, detail)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) AppendSyncLog(ctx context.Context, model string, recordID int64, message string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sync_logs (model, record_id, message) VALUES ($1, $2, $3)`,
		model, recordID, message)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) LogConflict(ctx context.Context, entry *models.ConflictLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conflict_logs (model, record_id, field, resolution) VALUES ($1, $2, $3, $4)`,
		entry.Model, entry.RecordID, entry.Field, entry.Resolution)
	if err != nil {
		return fmt.Errorf("failed to write conflict log: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) LogDuplicate(ctx context.Context, entry *models.DuplicateResolutionLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO duplicate_resolution_logs
		 (model, natural_key, kept_id, removed_id, kept_uuid, removed_uuid, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Model, entry.NaturalKey, entry.KeptID, entry.RemovedID,
		entry.KeptUUID, entry.RemovedUUID, entry.Reason)
	if err != nil {
		return fmt.Errorf("failed to write duplicate resolution log: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) LogDeletion(ctx context.Context, entry *models.DeletionLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO deletion_logs (model, record_id, uuid, source) VALUES ($1, $2, $3, $4)`,
		entry.Model, entry.RecordID, entry.UUID, entry.Source)
	if err != nil {
		return fmt.Errorf("failed to write deletion log: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) RecordIssue(ctx context.Context, issue *models.SyncIssue) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sync_issues (key, model, field, issue_type, detail)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`,
		issue.Key, issue.Model, issue.Field, issue.IssueType, issue.Detail)
	if err != nil {
		return fmt.Errorf("failed to record sync issue: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) RecordSyncError(ctx context.Context, e *models.SyncError) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sync_errors (hash, model, action, err_type, message)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (hash) DO NOTHING`,
		int64(e.Hash), e.Model, e.Action, e.ErrType, e.Message)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

func (r *PostgresLogStore) ListIssues(ctx context.Context) ([]*models.SyncIssue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, key, model, field, issue_type, detail, created_at FROM sync_issues ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync issues: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncIssue
	for rows.Next() {
		var i models.SyncIssue
		if err := rows.Scan(&i.ID, &i.Key, &i.Model, &i.Field, &i.IssueType, &i.Detail, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync issue: %w", err)
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (r *PostgresLogStore) ListSyncErrors(ctx context.Context) ([]*models.SyncError, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, hash, model, action, err_type, message, created_at FROM sync_errors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync errors: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncError
	for rows.Next() {
		var e models.SyncError
		var hash int64
		if err := rows.Scan(&e.ID, &hash, &e.Model, &e.Action, &e.ErrType, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync error: %w", err)
		}
		e.Hash = uint64(hash)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *PostgresLogStore) ListDuplicates(ctx context.Context) ([]*models.DuplicateResolutionLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, model, natural_key, kept_id, removed_id, kept_uuid, removed_uuid, reason, created_at
		 FROM duplicate_resolution_logs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate resolutions: %w", err)
	}
	defer rows.Close()

	var out []*models.DuplicateResolutionLog
	for rows.Next() {
		var d models.DuplicateResolutionLog
		if err := rows.Scan(&d.ID, &d.Model, &d.NaturalKey, &d.KeptID, &d.RemovedID,
			&d.KeptUUID, &d.RemovedUUID, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate resolution: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

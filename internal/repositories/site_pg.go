package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invgrid/sitesync/internal/models"
)

type PostgresSiteStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSiteStore(pool *pgxpool.Pool) *PostgresSiteStore {
	return &PostgresSiteStore{pool: pool}
}

func (r *PostgresSiteStore) UpsertConnectedSite(ctx context.Context, site *models.ConnectedSite) error {
	query := `INSERT INTO connected_sites
	          (site_id, last_seen, last_version, sync_status, last_update_status, last_ip, app_version, environment, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	          ON CONFLICT (site_id) DO UPDATE SET
	            last_seen = EXCLUDED.last_seen,
	            last_version = EXCLUDED.last_version,
	            sync_status = EXCLUDED.sync_status,
	            last_update_status = EXCLUDED.last_update_status,
	            last_ip = EXCLUDED.last_ip,
	            app_version = EXCLUDED.app_version,
	            environment = EXCLUDED.environment,
	            updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query,
		site.SiteID, site.LastSeen, site.LastVersion, site.SyncStatus,
		site.LastUpdateStatus, site.LastIP, site.AppVersion, site.Environment)
	if err != nil {
		return fmt.Errorf("failed to upsert connected site: %w", err)
	}
	return nil
}

func (r *PostgresSiteStore) ListConnectedSites(ctx context.Context) ([]*models.ConnectedSite, error) {
	query := `SELECT site_id, last_seen, last_version, sync_status, last_update_status,
	                 last_ip, app_version, environment, created_at, updated_at
	          FROM connected_sites ORDER BY site_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query connected sites: %w", err)
	}
	defer rows.Close()

	var out []*models.ConnectedSite
	for rows.Next() {
		var s models.ConnectedSite
		err := rows.Scan(&s.SiteID, &s.LastSeen, &s.LastVersion, &s.SyncStatus,
			&s.LastUpdateStatus, &s.LastIP, &s.AppVersion, &s.Environment, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connected site: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connected sites: %w", err)
	}
	return out, nil
}

func (r *PostgresSiteStore) GetSiteKey(ctx context.Context, siteID string) (*models.SiteKey, error) {
	query := `SELECT id, site_id, key_hash, active, last_used_at, created_at
	          FROM site_keys WHERE site_id = $1`
	var k models.SiteKey
	err := r.pool.QueryRow(ctx, query, siteID).Scan(
		&k.ID, &k.SiteID, &k.KeyHash, &k.Active, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site key: %w", err)
	}
	return &k, nil
}

func (r *PostgresSiteStore) TouchSiteKey(ctx context.Context, siteID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE site_keys SET last_used_at = $1 WHERE site_id = $2`, at, siteID)
	if err != nil {
		return fmt.Errorf("failed to touch site key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSiteStore) CreateSiteKey(ctx context.Context, key *models.SiteKey) error {
	query := `INSERT INTO site_keys (site_id, key_hash, active)
	          VALUES ($1, $2, $3) RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, key.SiteID, key.KeyHash, key.Active).
		Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return wrapPgErr(err, "failed to create site key")
	}
	return nil
}

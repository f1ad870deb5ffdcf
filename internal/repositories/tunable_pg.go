package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invgrid/sitesync/internal/models"
)

type PostgresTunableStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTunableStore(pool *pgxpool.Pool) *PostgresTunableStore {
	return &PostgresTunableStore{pool: pool}
}

func (r *PostgresTunableStore) Get(ctx context.Context, name string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM system_tunables WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get tunable %q: %w", name, err)
	}
	return value, nil
}

func (r *PostgresTunableStore) Set(ctx context.Context, name, value string) error {
	query := `INSERT INTO system_tunables (name, value, updated_at) VALUES ($1, $2, NOW())
	          ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, query, name, value); err != nil {
		return fmt.Errorf("failed to set tunable %q: %w", name, err)
	}
	return nil
}

func (r *PostgresTunableStore) Delete(ctx context.Context, name string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM system_tunables WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete tunable %q: %w", name, err)
	}
	return nil
}

func (r *PostgresTunableStore) All(ctx context.Context) ([]models.Tunable, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, value, updated_at FROM system_tunables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tunables: %w", err)
	}
	defer rows.Close()

	var out []models.Tunable
	for rows.Next() {
		var t models.Tunable
		if err := rows.Scan(&t.Name, &t.Value, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tunable: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tunables: %w", err)
	}
	return out, nil
}

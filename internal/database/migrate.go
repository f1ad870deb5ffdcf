package database

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Revision identifies the schema this binary expects. Peers exchange it
// before every sync iteration; a mismatch means one side needs migrating.
func Revision() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(schemaSQL))
}

// Migrate applies the embedded schema and records the revision. The schema
// is idempotent, so running it against an up-to-date database is a no-op.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO schema_revisions (revision) VALUES ($1) ON CONFLICT (revision) DO NOTHING`,
		Revision())
	if err != nil {
		return fmt.Errorf("failed to record schema revision: %w", err)
	}
	slog.Info("schema migrated", "revision", Revision())
	return nil
}

// Reset drops every known table and reapplies the schema. Callers are
// expected to have exported unsynced rows first.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	var tables []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		const prefix = "CREATE TABLE IF NOT EXISTS "
		if rest, ok := strings.CutPrefix(stmt, prefix); ok {
			name, _, found := strings.Cut(rest, " ")
			if found {
				tables = append(tables, strings.TrimSpace(name))
			}
		}
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return Migrate(ctx, pool)
}

package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invgrid/sitesync/internal/registry"
)

// SchemaInspector reports the live shape of a table so the diagnostics
// service can diff it against the registry. ErrNotFound means the table is
// missing entirely.
type SchemaInspector interface {
	TableColumns(ctx context.Context, table string) (map[string]string, error)
}

type PostgresSchemaInspector struct {
	pool *pgxpool.Pool
}

func NewPostgresSchemaInspector(pool *pgxpool.Pool) *PostgresSchemaInspector {
	return &PostgresSchemaInspector{pool: pool}
}

func (i *PostgresSchemaInspector) TableColumns(ctx context.Context, table string) (map[string]string, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, ErrNotFound
	}
	return cols, nil
}

// MemorySchemaInspector answers from the registry itself; the in-memory
// store can never drift.
type MemorySchemaInspector struct {
	reg *registry.Registry
}

func NewMemorySchemaInspector(reg *registry.Registry) *MemorySchemaInspector {
	return &MemorySchemaInspector{reg: reg}
}

func (i *MemorySchemaInspector) TableColumns(ctx context.Context, table string) (map[string]string, error) {
	for _, e := range i.reg.Entities() {
		if e.Table != table {
			continue
		}
		cols := map[string]string{
			"id": "bigint", "uuid": "text", "version": "bigint",
			"created_at": "timestamp with time zone", "updated_at": "timestamp with time zone",
			"deleted_at": "timestamp with time zone", "is_deleted": "boolean",
			"sync_state": "jsonb", "conflict_data": "jsonb",
		}
		for _, c := range e.Columns {
			cols[c.Name] = c.Type
		}
		return cols, nil
	}
	return nil, ErrNotFound
}

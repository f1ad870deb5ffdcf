package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/utils"
)

// PostgresRecordStore persists syncable entities. All SQL is generated from
// the registry metadata so adding an entity requires no new store code.
type PostgresRecordStore struct {
	pool *pgxpool.Pool
	reg  *registry.Registry
	hook func()
}

func NewPostgresRecordStore(pool *pgxpool.Pool, reg *registry.Registry) *PostgresRecordStore {
	return &PostgresRecordStore{pool: pool, reg: reg}
}

func (r *PostgresRecordStore) SetCommitHook(fn func()) { r.hook = fn }

func (r *PostgresRecordStore) fireHook() {
	if r.hook != nil {
		go r.hook()
	}
}

func (r *PostgresRecordStore) entity(model string) (*registry.Entity, error) {
	e, ok := r.reg.Entity(model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q: %w", model, ErrNotFound)
	}
	return e, nil
}

const bookkeepingCols = "id, uuid, version, created_at, updated_at, deleted_at, is_deleted, sync_state, conflict_data"

func selectClause(e *registry.Entity) string {
	cols := make([]string, 0, len(e.Columns))
	for _, c := range e.Columns {
		cols = append(cols, c.Name)
	}
	if len(cols) == 0 {
		return bookkeepingCols
	}
	return bookkeepingCols + ", " + strings.Join(cols, ", ")
}

func scanRecord(row pgx.Row, e *registry.Entity) (*models.Record, error) {
	var (
		rec          models.Record
		deletedAt    *time.Time
		syncState    []byte
		conflictData []byte
	)
	dests := []any{
		&rec.ID, &rec.UUID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
		&deletedAt, &rec.IsDeleted, &syncState, &conflictData,
	}
	holders := make([]any, len(e.Columns))
	for i := range e.Columns {
		holders[i] = new(any)
		dests = append(dests, holders[i])
	}
	if err := row.Scan(dests...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.DeletedAt = deletedAt
	if syncState != nil {
		if err := json.Unmarshal(syncState, &rec.SyncState); err != nil {
			return nil, fmt.Errorf("failed to decode sync_state: %w", err)
		}
	}
	if conflictData != nil {
		if err := json.Unmarshal(conflictData, &rec.Conflicts); err != nil {
			return nil, fmt.Errorf("failed to decode conflict_data: %w", err)
		}
	}
	rec.Fields = make(map[string]any, len(e.Columns))
	for i, c := range e.Columns {
		rec.Fields[c.Name] = utils.JSONSafe(*holders[i].(*any))
	}
	return &rec, nil
}

func (r *PostgresRecordStore) Get(ctx context.Context, model string, id int64) (*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectClause(e), e.Table)
	return scanRecord(r.pool.QueryRow(ctx, query, id), e)
}

func (r *PostgresRecordStore) GetByUUID(ctx context.Context, model, id string) (*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE uuid = $1`, selectClause(e), e.Table)
	return scanRecord(r.pool.QueryRow(ctx, query, id), e)
}

func (r *PostgresRecordStore) FindByNaturalKey(ctx context.Context, model, column string, value any) (*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	c, ok := e.Column(column)
	if !ok {
		return nil, fmt.Errorf("unknown column %q on %q: %w", column, model, ErrNotFound)
	}
	if utils.IsBlank(value) {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY id LIMIT 1`, selectClause(e), e.Table, c.Name)
	return scanRecord(r.pool.QueryRow(ctx, query, columnValue(c, value)), e)
}

func (r *PostgresRecordStore) queryRecords(ctx context.Context, e *registry.Entity, where string, args ...any) ([]*models.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY id`, selectClause(e), e.Table, where)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", e.Table, err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows, e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", e.Table, err)
	}
	return out, nil
}

func (r *PostgresRecordStore) List(ctx context.Context, model string, includeDeleted bool) ([]*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	where := ""
	if !includeDeleted {
		where = "WHERE NOT is_deleted"
	}
	return r.queryRecords(ctx, e, where)
}

func (r *PostgresRecordStore) PushCandidates(ctx context.Context, model string, since time.Time) ([]*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	where := `WHERE sync_state IS NULL OR created_at > $1 OR updated_at > $1 OR deleted_at > $1`
	return r.queryRecords(ctx, e, where, since)
}

func (r *PostgresRecordStore) UpdatedSince(ctx context.Context, model string, since time.Time, siteID string) ([]*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	where := `WHERE (created_at > $1 OR updated_at > $1 OR deleted_at > $1)`
	args := []any{since}
	if siteID != "" && e.SiteIDColumn != "" {
		where += fmt.Sprintf(` AND %s = $2`, e.SiteIDColumn)
		args = append(args, siteID)
	}
	return r.queryRecords(ctx, e, where, args...)
}

func (r *PostgresRecordStore) Conflicted(ctx context.Context, model string, since time.Time) ([]*models.Record, error) {
	e, err := r.entity(model)
	if err != nil {
		return nil, err
	}
	recs, err := r.queryRecords(ctx, e, `WHERE conflict_data IS NOT NULL`)
	if err != nil || since.IsZero() {
		return recs, err
	}
	var out []*models.Record
	for _, rec := range recs {
		for _, c := range rec.Conflicts {
			if c.DetectedAt.After(since) {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (r *PostgresRecordStore) insert(ctx context.Context, model string, rec *models.Record, touch bool) error {
	e, err := r.entity(model)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if touch {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
	}

	cols := []string{"uuid", "version", "created_at", "updated_at", "deleted_at", "is_deleted", "sync_state", "conflict_data"}
	args := []any{rec.UUID, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt, rec.IsDeleted,
		jsonbArg(rec.SyncState), jsonbArg(rec.Conflicts)}
	if rec.ID != 0 {
		cols = append([]string{"id"}, cols...)
		args = append([]any{rec.ID}, args...)
	}
	for _, c := range e.Columns {
		cols = append(cols, c.Name)
		args = append(args, columnValue(&c, rec.Fields[c.Name]))
	}
	ph := make([]string, len(args))
	for i := range args {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, e.Table, strings.Join(cols, ", "), strings.Join(ph, ", "))
	if rec.ID == 0 {
		query += " RETURNING id"
		if err := r.pool.QueryRow(ctx, query, args...).Scan(&rec.ID); err != nil {
			return wrapPgErr(err, "failed to insert record")
		}
		return nil
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return wrapPgErr(err, "failed to insert record")
	}
	// Keep the sequence ahead of explicitly supplied ids.
	fixup := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))`, e.Table, e.Table)
	if _, err := r.pool.Exec(ctx, fixup); err != nil {
		return fmt.Errorf("failed to advance %s id sequence: %w", e.Table, err)
	}
	return nil
}

func (r *PostgresRecordStore) Insert(ctx context.Context, model string, rec *models.Record) error {
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if err := r.insert(ctx, model, rec, true); err != nil {
		return err
	}
	r.fireHook()
	return nil
}

func (r *PostgresRecordStore) ApplyInsert(ctx context.Context, model string, rec *models.Record) error {
	return r.insert(ctx, model, rec, false)
}

func (r *PostgresRecordStore) save(ctx context.Context, model string, rec *models.Record, touch bool) error {
	e, err := r.entity(model)
	if err != nil {
		return err
	}
	if touch {
		rec.UpdatedAt = time.Now().UTC()
	}
	sets := []string{"uuid = $1", "version = $2", "created_at = $3", "updated_at = $4",
		"deleted_at = $5", "is_deleted = $6", "sync_state = $7", "conflict_data = $8"}
	args := []any{rec.UUID, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt, rec.IsDeleted,
		jsonbArg(rec.SyncState), jsonbArg(rec.Conflicts)}
	for _, c := range e.Columns {
		args = append(args, columnValue(&c, rec.Fields[c.Name]))
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Name, len(args)))
	}
	args = append(args, rec.ID)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, e.Table, strings.Join(sets, ", "), len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapPgErr(err, "failed to update record")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRecordStore) Save(ctx context.Context, model string, rec *models.Record) error {
	if err := r.save(ctx, model, rec, true); err != nil {
		return err
	}
	r.fireHook()
	return nil
}

func (r *PostgresRecordStore) ApplySave(ctx context.Context, model string, rec *models.Record) error {
	return r.save(ctx, model, rec, false)
}

func (r *PostgresRecordStore) SetSyncState(ctx context.Context, model string, id int64, state map[string]any) error {
	e, err := r.entity(model)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET sync_state = $1 WHERE id = $2`, e.Table)
	tag, err := r.pool.Exec(ctx, query, jsonbArg(state), id)
	if err != nil {
		return wrapPgErr(err, "failed to set sync_state")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRecordStore) MaxID(ctx context.Context, model string) (int64, error) {
	e, err := r.entity(model)
	if err != nil {
		return 0, err
	}
	var max *int64
	query := fmt.Sprintf(`SELECT MAX(id) FROM %s`, e.Table)
	if err := r.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max id: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (r *PostgresRecordStore) ReassignID(ctx context.Context, model string, oldID, newID int64) error {
	e, err := r.entity(model)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reassign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`UPDATE %s SET id = $1 WHERE id = $2`, e.Table)
	tag, err := tx.Exec(ctx, query, newID, oldID)
	if err != nil {
		return wrapPgErr(err, "failed to reassign id")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	for _, ref := range e.ReferencedBy {
		refEntity, ok := r.reg.Entity(ref.Model)
		if !ok {
			continue
		}
		remap := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, refEntity.Table, ref.Column, ref.Column)
		if _, err := tx.Exec(ctx, remap, newID, oldID); err != nil {
			return wrapPgErr(err, "failed to remap reference")
		}
	}
	fixup := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))`, e.Table, e.Table)
	if _, err := tx.Exec(ctx, fixup); err != nil {
		return fmt.Errorf("failed to advance id sequence: %w", err)
	}
	return tx.Commit(ctx)
}

// columnValue converts a JSON-safe field value to what the driver expects
// for the declared column type.
func columnValue(c *registry.Column, v any) any {
	if v == nil {
		return nil
	}
	switch c.Type {
	case registry.TypeTime:
		if ts, ok := utils.ParseTime(v); ok {
			return ts
		}
		return nil
	case registry.TypeInt:
		switch t := utils.JSONSafe(v).(type) {
		case int64:
			return t
		case float64:
			return int64(t)
		}
		return nil
	case registry.TypeJSON:
		return jsonbArg(v)
	default:
		return utils.JSONSafe(v)
	}
}

func jsonbArg(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if t == nil {
			return nil
		}
	case []models.ConflictEntry:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func wrapPgErr(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", msg, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/utils"
)

// MemoryRecordStore is an in-process RecordStore. It backs the test suite
// and the single-binary demo mode; semantics mirror the Postgres store.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	reg     *registry.Registry
	tables  map[string]map[int64]*models.Record
	nextIDs map[string]int64
	hook    func()
	now     func() time.Time
}

func NewMemoryRecordStore(reg *registry.Registry) *MemoryRecordStore {
	tables := make(map[string]map[int64]*models.Record)
	for _, e := range reg.Entities() {
		tables[e.Name] = make(map[int64]*models.Record)
	}
	return &MemoryRecordStore{
		reg:     reg,
		tables:  tables,
		nextIDs: make(map[string]int64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (s *MemoryRecordStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryRecordStore) SetCommitHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *MemoryRecordStore) fireHook() {
	s.mu.RLock()
	fn := s.hook
	s.mu.RUnlock()
	if fn != nil {
		go fn()
	}
}

// table never mutates the map; every registry entity is pre-created in the
// constructor, so callers holding only the read lock stay safe.
func (s *MemoryRecordStore) table(model string) (map[int64]*models.Record, error) {
	t, ok := s.tables[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q: %w", model, ErrNotFound)
	}
	return t, nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, model string, id int64) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	rec, ok := t[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryRecordStore) GetByUUID(ctx context.Context, model, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	for _, rec := range t {
		if rec.UUID == id {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryRecordStore) FindByNaturalKey(ctx context.Context, model, column string, value any) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	if utils.IsBlank(value) {
		return nil, ErrNotFound
	}
	for _, rec := range t {
		if utils.ValuesEqual(rec.Fields[column], value) {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryRecordStore) List(ctx context.Context, model string, includeDeleted bool) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	var out []*models.Record
	for _, rec := range t {
		if rec.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryRecordStore) PushCandidates(ctx context.Context, model string, since time.Time) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	var out []*models.Record
	for _, rec := range t {
		if rec.SyncState == nil || anyTimestampAfter(rec, since) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryRecordStore) UpdatedSince(ctx context.Context, model string, since time.Time, siteID string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, _ := s.reg.Entity(model)
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	var out []*models.Record
	for _, rec := range t {
		if !anyTimestampAfter(rec, since) {
			continue
		}
		if siteID != "" && e != nil && e.SiteIDColumn != "" {
			if !utils.ValuesEqual(rec.Fields[e.SiteIDColumn], siteID) {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryRecordStore) Conflicted(ctx context.Context, model string, since time.Time) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	var out []*models.Record
	for _, rec := range t {
		if !rec.HasConflicts() {
			continue
		}
		if !since.IsZero() {
			latest := time.Time{}
			for _, c := range rec.Conflicts {
				if c.DetectedAt.After(latest) {
					latest = c.DetectedAt
				}
			}
			if !latest.After(since) {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryRecordStore) insert(model string, rec *models.Record, touch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(model)
	if err != nil {
		return err
	}
	if rec.ID == 0 {
		s.nextIDs[model]++
		for {
			if _, taken := t[s.nextIDs[model]]; !taken {
				break
			}
			s.nextIDs[model]++
		}
		rec.ID = s.nextIDs[model]
	} else if _, taken := t[rec.ID]; taken {
		return fmt.Errorf("id %d already exists: %w", rec.ID, ErrDuplicate)
	}
	for _, existing := range t {
		if rec.UUID != "" && existing.UUID == rec.UUID {
			return fmt.Errorf("uuid %s already exists: %w", rec.UUID, ErrDuplicate)
		}
	}
	now := s.now()
	if touch {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
	}
	t[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryRecordStore) Insert(ctx context.Context, model string, rec *models.Record) error {
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if err := s.insert(model, rec, true); err != nil {
		return err
	}
	s.fireHook()
	return nil
}

func (s *MemoryRecordStore) ApplyInsert(ctx context.Context, model string, rec *models.Record) error {
	return s.insert(model, rec, false)
}

func (s *MemoryRecordStore) save(model string, rec *models.Record, touch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(model)
	if err != nil {
		return err
	}
	if _, ok := t[rec.ID]; !ok {
		return ErrNotFound
	}
	if touch {
		rec.UpdatedAt = s.now()
	}
	t[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryRecordStore) Save(ctx context.Context, model string, rec *models.Record) error {
	if err := s.save(model, rec, true); err != nil {
		return err
	}
	s.fireHook()
	return nil
}

func (s *MemoryRecordStore) ApplySave(ctx context.Context, model string, rec *models.Record) error {
	return s.save(model, rec, false)
}

func (s *MemoryRecordStore) SetSyncState(ctx context.Context, model string, id int64, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(model)
	if err != nil {
		return err
	}
	rec, ok := t[id]
	if !ok {
		return ErrNotFound
	}
	rec.SyncState = state
	return nil
}

func (s *MemoryRecordStore) MaxID(ctx context.Context, model string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(model)
	if err != nil {
		return 0, err
	}
	var max int64
	for id := range t {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *MemoryRecordStore) ReassignID(ctx context.Context, model string, oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.reg.Entity(model)
	if !ok {
		return fmt.Errorf("unknown model %q: %w", model, ErrNotFound)
	}
	t, err := s.table(model)
	if err != nil {
		return err
	}
	rec, ok := t[oldID]
	if !ok {
		return ErrNotFound
	}
	if _, taken := t[newID]; taken {
		return fmt.Errorf("id %d already exists: %w", newID, ErrDuplicate)
	}
	delete(t, oldID)
	rec.ID = newID
	t[newID] = rec
	if s.nextIDs[model] < newID {
		s.nextIDs[model] = newID
	}
	for _, ref := range e.ReferencedBy {
		rt, err := s.table(ref.Model)
		if err != nil {
			continue
		}
		for _, other := range rt {
			if utils.ValuesEqual(other.Fields[ref.Column], oldID) {
				other.Fields[ref.Column] = newID
			}
		}
	}
	return nil
}

func anyTimestampAfter(rec *models.Record, since time.Time) bool {
	if rec.CreatedAt.After(since) || rec.UpdatedAt.After(since) {
		return true
	}
	return rec.DeletedAt != nil && rec.DeletedAt.After(since)
}

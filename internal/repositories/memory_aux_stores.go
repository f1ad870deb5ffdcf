package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/invgrid/sitesync/internal/models"
)

// In-memory implementations of the bookkeeping stores, used by tests and
// demo mode.

type MemoryTunableStore struct {
	mu     sync.RWMutex
	values map[string]models.Tunable
}

func NewMemoryTunableStore() *MemoryTunableStore {
	return &MemoryTunableStore{values: make(map[string]models.Tunable)}
}

func (s *MemoryTunableStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return t.Value, nil
}

func (s *MemoryTunableStore) Set(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = models.Tunable{Name: name, Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryTunableStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	return nil
}

func (s *MemoryTunableStore) All(ctx context.Context) ([]models.Tunable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Tunable, 0, len(s.values))
	for _, t := range s.values {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type MemorySiteStore struct {
	mu    sync.RWMutex
	sites map[string]*models.ConnectedSite
	keys  map[string]*models.SiteKey
}

func NewMemorySiteStore() *MemorySiteStore {
	return &MemorySiteStore{
		sites: make(map[string]*models.ConnectedSite),
		keys:  make(map[string]*models.SiteKey),
	}
}

func (s *MemorySiteStore) UpsertConnectedSite(ctx context.Context, site *models.ConnectedSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.sites[site.SiteID]
	if ok {
		site.CreatedAt = existing.CreatedAt
	} else {
		site.CreatedAt = now
	}
	site.UpdatedAt = now
	c := *site
	s.sites[site.SiteID] = &c
	return nil
}

func (s *MemorySiteStore) ListConnectedSites(ctx context.Context) ([]*models.ConnectedSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ConnectedSite, 0, len(s.sites))
	for _, site := range s.sites {
		c := *site
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func (s *MemorySiteStore) GetSiteKey(ctx context.Context, siteID string) (*models.SiteKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[siteID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *k
	return &c, nil
}

func (s *MemorySiteStore) TouchSiteKey(ctx context.Context, siteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[siteID]
	if !ok {
		return ErrNotFound
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

func (s *MemorySiteStore) CreateSiteKey(ctx context.Context, key *models.SiteKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.SiteID]; ok {
		return ErrDuplicate
	}
	key.ID = int64(len(s.keys) + 1)
	key.CreatedAt = time.Now().UTC()
	c := *key
	s.keys[key.SiteID] = &c
	return nil
}

type MemoryLogStore struct {
	mu         sync.RWMutex
	audits     []*models.AuditLog
	syncLogs   []*models.SyncLog
	conflicts  []*models.ConflictLog
	duplicates []*models.DuplicateResolutionLog
	deletions  []*models.DeletionLog
	issues     []*models.SyncIssue
	issueKeys  map[string]bool
	errors     []*models.SyncError
	errorHash  map[uint64]bool
	nextID     int64
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{
		issueKeys: make(map[string]bool),
		errorHash: make(map[uint64]bool),
	}
}

func (s *MemoryLogStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryLogStore) Audit(ctx context.Context, action, actor, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, &models.AuditLog{
		ID: s.id(), Action: action, Actor: actor, Detail: detail, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryLogStore) AppendSyncLog(ctx context.Context, model string, recordID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLogs = append(s.syncLogs, &models.SyncLog{
		ID: s.id(), Model: model, RecordID: recordID, Message: message, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryLogStore) LogConflict(ctx context.Context, entry *models.ConflictLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	entry.CreatedAt = time.Now().UTC()
	s.conflicts = append(s.conflicts, entry)
	return nil
}

func (s *MemoryLogStore) LogDuplicate(ctx context.Context, entry *models.DuplicateResolutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	entry.CreatedAt = time.Now().UTC()
	s.duplicates = append(s.duplicates, entry)
	return nil
}

func (s *MemoryLogStore) LogDeletion(ctx context.Context, entry *models.DeletionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	entry.CreatedAt = time.Now().UTC()
	s.deletions = append(s.deletions, entry)
	return nil
}

func (s *MemoryLogStore) RecordIssue(ctx context.Context, issue *models.SyncIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issueKeys[issue.Key] {
		return nil
	}
	s.issueKeys[issue.Key] = true
	issue.ID = s.id()
	issue.CreatedAt = time.Now().UTC()
	s.issues = append(s.issues, issue)
	return nil
}

func (s *MemoryLogStore) RecordSyncError(ctx context.Context, e *models.SyncError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorHash[e.Hash] {
		return nil
	}
	s.errorHash[e.Hash] = true
	e.ID = s.id()
	e.CreatedAt = time.Now().UTC()
	s.errors = append(s.errors, e)
	return nil
}

func (s *MemoryLogStore) ListIssues(ctx context.Context) ([]*models.SyncIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.SyncIssue(nil), s.issues...), nil
}

func (s *MemoryLogStore) ListSyncErrors(ctx context.Context) ([]*models.SyncError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.SyncError(nil), s.errors...), nil
}

func (s *MemoryLogStore) ListDuplicates(ctx context.Context) ([]*models.DuplicateResolutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.DuplicateResolutionLog(nil), s.duplicates...), nil
}

// Audits returns audit rows for a given action, newest last. Test helper.
func (s *MemoryLogStore) Audits(action string) []*models.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AuditLog
	for _, a := range s.audits {
		if action == "" || a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

// SyncLogs returns journal lines for a model. Test helper.
func (s *MemoryLogStore) SyncLogs(model string) []*models.SyncLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncLog
	for _, l := range s.syncLogs {
		if model == "" || l.Model == model {
			out = append(out, l)
		}
	}
	return out
}

type MemoryPresenceStore struct {
	mu      sync.RWMutex
	entries map[string]presenceEntry
}

type presenceEntry struct {
	presence models.SitePresence
	expires  time.Time
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{entries: make(map[string]presenceEntry)}
}

func (s *MemoryPresenceStore) SetPresence(ctx context.Context, presence *models.SitePresence, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	presence.LastSeen = time.Now().UTC()
	s.entries[presence.SiteID] = presenceEntry{presence: *presence, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryPresenceStore) GetPresence(ctx context.Context, siteID string) (*models.SitePresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[siteID]
	if !ok || time.Now().After(e.expires) {
		return &models.SitePresence{SiteID: siteID, Status: models.SiteDisconnected}, nil
	}
	p := e.presence
	return &p, nil
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/invgrid/sitesync/internal/merge"
	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/utils"
)

// ConflictView is one record's unresolved conflicts as shown to operators.
type ConflictView struct {
	Model     string                 `json:"model"`
	RecordID  int64                  `json:"record_id"`
	UUID      string                 `json:"uuid"`
	Version   int64                  `json:"version"`
	Conflicts []models.ConflictEntry `json:"conflicts"`
}

// Resolution is the operator's decision for one record. Choice applies to
// every conflicted field; Fields overrides per field when set.
type Resolution struct {
	Choice string            `json:"choice,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ConflictService lists and resolves field conflicts.
type ConflictService struct {
	reg     *registry.Registry
	records repositories.RecordStore
	logs    repositories.LogStore
}

func NewConflictService(reg *registry.Registry, records repositories.RecordStore, logs repositories.LogStore) *ConflictService {
	return &ConflictService{reg: reg, records: records, logs: logs}
}

// List returns unresolved conflicts, optionally filtered by model and
// detection time. Each entry carries an advisory auto_choice when one side
// is blank.
func (s *ConflictService) List(ctx context.Context, model string, since time.Time) ([]ConflictView, error) {
	names := s.reg.SyncModels()
	if model != "" {
		if _, ok := s.reg.Entity(model); !ok {
			return nil, fmt.Errorf("unknown model %q", model)
		}
		names = []string{model}
	}

	var out []ConflictView
	for _, name := range names {
		recs, err := s.records.Conflicted(ctx, name, since)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			view := ConflictView{
				Model: name, RecordID: rec.ID, UUID: rec.UUID, Version: rec.Version,
			}
			for _, c := range rec.Conflicts {
				c.AutoChoice = suggestChoice(c)
				view.Conflicts = append(view.Conflicts, c)
			}
			out = append(out, view)
		}
	}
	return out, nil
}

// suggestChoice recommends the non-blank side. It is advisory; nothing is
// applied until the operator posts a resolution.
func suggestChoice(c models.ConflictEntry) string {
	localBlank := utils.IsBlank(c.LocalValue)
	remoteBlank := utils.IsBlank(c.RemoteValue)
	switch {
	case localBlank && !remoteBlank:
		return models.ChoiceCloud
	case remoteBlank && !localBlank:
		return models.ChoiceLocal
	}
	return ""
}

// Resolve applies the operator's decision to every conflict on the record,
// clears the conflict list, and saves through the local-mutation path so the
// resolved values are pushed on the next iteration.
func (s *ConflictService) Resolve(ctx context.Context, model string, id int64, res Resolution) (*models.Record, error) {
	e, ok := s.reg.Entity(model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	rec, err := s.records.Get(ctx, model, id)
	if err != nil {
		return nil, err
	}
	if !rec.HasConflicts() {
		return nil, fmt.Errorf("record %s/%d has no unresolved conflicts", model, id)
	}

	for _, c := range rec.Conflicts {
		choice := res.Choice
		if f, ok := res.Fields[c.Field]; ok {
			choice = f
		}
		switch choice {
		case models.ChoiceLocal:
			// The local value is already in place; record it as agreed.
		case models.ChoiceCloud:
			if c.Field == "uuid" {
				if u, ok := c.RemoteValue.(string); ok {
					rec.UUID = u
				}
			} else if e.HasColumn(c.Field) || c.ConflictType == models.ConflictTypeDelete {
				rec.Fields[c.Field] = utils.JSONSafe(c.RemoteValue)
			}
			if c.ConflictType == models.ConflictTypeDelete {
				if ts, ok := utils.ParseTime(c.RemoteValue); ok {
					rec.DeletedAt = &ts
					rec.IsDeleted = true
					delete(rec.Fields, c.Field)
				}
			}
		default:
			return nil, fmt.Errorf("field %q: choice must be %q or %q", c.Field, models.ChoiceLocal, models.ChoiceCloud)
		}
		if err := s.logs.LogConflict(ctx, &models.ConflictLog{
			Model: model, RecordID: id, Field: c.Field, Resolution: choice,
		}); err != nil {
			slog.Error("failed to log conflict resolution", "err", err)
		}
	}

	merge.ClearConflicts(rec)
	rec.Version++
	if err := s.records.Save(ctx, model, rec); err != nil {
		return nil, err
	}
	if err := s.logs.Audit(ctx, "resolve_conflict", "operator",
		fmt.Sprintf("%s/%d resolved", model, id)); err != nil {
		slog.Error("failed to audit resolution", "err", err)
	}
	return rec, nil
}

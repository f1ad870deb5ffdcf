package registry

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/invgrid/sitesync/internal/models"
	"github.com/invgrid/sitesync/internal/utils"
)

//go:embed registry.yaml
var registryYAML []byte

// Column types understood by the schema verifier and the stores.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeTime   = "time"
	TypeUUID   = "uuid"
	TypeJSON   = "json"
)

type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Editable bool   `yaml:"editable"`
}

// FKRef names a column in another entity that references this entity's id.
// Used to build the remap plan when a primary key has to be reassigned.
type FKRef struct {
	Model  string `yaml:"model"`
	Column string `yaml:"column"`
}

type Entity struct {
	Name         string   `yaml:"name"`
	Table        string   `yaml:"table"`
	Syncable     bool     `yaml:"syncable"`
	SiteIDColumn string   `yaml:"site_id_column"`
	NaturalKeys  []string `yaml:"natural_keys"`
	// IdentityKey, when set, marks the natural key that makes the remote
	// row authoritative on a uuid mismatch (email for users).
	IdentityKey  string  `yaml:"identity_key"`
	JournalEdits bool    `yaml:"journal_edits"`
	ReferencedBy []FKRef `yaml:"referenced_by"`
	Columns      []Column `yaml:"columns"`

	byName map[string]*Column
}

func (e *Entity) Column(name string) (*Column, bool) {
	c, ok := e.byName[name]
	return c, ok
}

func (e *Entity) HasColumn(name string) bool {
	_, ok := e.byName[name]
	return ok
}

func (e *Entity) Editable(name string) bool {
	c, ok := e.byName[name]
	return ok && c.Editable
}

// Registry holds the per-entity metadata. Read-only after Load.
type Registry struct {
	entities []*Entity
	byName   map[string]*Entity
}

// Load parses the embedded entity declarations.
func Load() (*Registry, error) {
	var doc struct {
		Entities []*Entity `yaml:"entities"`
	}
	if err := yaml.Unmarshal(registryYAML, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	r := &Registry{byName: make(map[string]*Entity)}
	for _, e := range doc.Entities {
		if e.Name == "" || e.Table == "" {
			return nil, fmt.Errorf("registry entity missing name or table")
		}
		if _, dup := r.byName[e.Name]; dup {
			return nil, fmt.Errorf("duplicate registry entity %q", e.Name)
		}
		e.byName = make(map[string]*Column, len(e.Columns))
		for i := range e.Columns {
			c := &e.Columns[i]
			if c.Type == "" {
				c.Type = TypeString
			}
			e.byName[c.Name] = c
		}
		for _, nk := range e.NaturalKeys {
			if !e.HasColumn(nk) {
				return nil, fmt.Errorf("entity %q: natural key %q is not a column", e.Name, nk)
			}
		}
		r.entities = append(r.entities, e)
		r.byName[e.Name] = e
	}
	return r, nil
}

// Entity looks up an entity by model name.
func (r *Registry) Entity(name string) (*Entity, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Entities returns all entities in declaration order.
func (r *Registry) Entities() []*Entity { return r.entities }

// SyncModels returns the model names that participate in sync.
func (r *Registry) SyncModels() []string {
	var names []string
	for _, e := range r.entities {
		if e.Syncable {
			names = append(names, e.Name)
		}
	}
	return names
}

// Project serializes a record into the wire shape: every syncable column as
// a JSON-safe value, plus identity and sync bookkeeping.
func Project(e *Entity, rec *models.Record) map[string]any {
	out := map[string]any{
		"model":      e.Name,
		"id":         rec.ID,
		"uuid":       rec.UUID,
		"version":    rec.Version,
		"created_at": utils.JSONSafe(rec.CreatedAt),
		"updated_at": utils.JSONSafe(rec.UpdatedAt),
		"is_deleted": rec.IsDeleted,
	}
	if rec.DeletedAt != nil {
		out["deleted_at"] = utils.JSONSafe(*rec.DeletedAt)
	} else {
		out["deleted_at"] = nil
	}
	for _, c := range e.Columns {
		out[c.Name] = utils.JSONSafe(rec.Fields[c.Name])
	}
	return out
}

// Tombstone is the compact projection sent for soft-deleted rows: identity
// and natural keys only, never the stale payload.
func Tombstone(e *Entity, rec *models.Record) map[string]any {
	out := map[string]any{
		"model":      e.Name,
		"id":         rec.ID,
		"uuid":       rec.UUID,
		"version":    rec.Version,
		"updated_at": utils.JSONSafe(rec.UpdatedAt),
		"is_deleted": true,
	}
	if rec.DeletedAt != nil {
		out["deleted_at"] = utils.JSONSafe(*rec.DeletedAt)
	}
	for _, nk := range e.NaturalKeys {
		if v, ok := rec.Fields[nk]; ok {
			out[nk] = utils.JSONSafe(v)
		}
	}
	return out
}

// PayloadFields strips identity and bookkeeping keys from a wire record,
// leaving only the columns that go through the merge engine.
func PayloadFields(raw map[string]any) map[string]any {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "model", "table", "id", "version", "uuid", "sync_state", "conflict_data":
			continue
		}
		fields[k] = v
	}
	return fields
}

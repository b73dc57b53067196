package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType is the closed set of node kinds in the knowledge graph
type EntityType string

const (
	TypeHome       EntityType = "home"
	TypeRoom       EntityType = "room"
	TypeDevice     EntityType = "device"
	TypeZone       EntityType = "zone"
	TypeDoor       EntityType = "door"
	TypeWindow     EntityType = "window"
	TypeProcedure  EntityType = "procedure"
	TypeManual     EntityType = "manual"
	TypeNote       EntityType = "note"
	TypeSchedule   EntityType = "schedule"
	TypeAutomation EntityType = "automation"
)

var entityTypes = map[EntityType]bool{
	TypeHome: true, TypeRoom: true, TypeDevice: true, TypeZone: true,
	TypeDoor: true, TypeWindow: true, TypeProcedure: true, TypeManual: true,
	TypeNote: true, TypeSchedule: true, TypeAutomation: true,
}

// ParseEntityType parses an entity type string strictly.
// Unknown strings are validation errors, never coerced.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(s)
	if !entityTypes[et] {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return et, nil
}

// Valid reports whether the entity type is a member of the closed enum
func (t EntityType) Valid() bool { return entityTypes[t] }

// SourceType records where an entity version came from
type SourceType string

const (
	SourceHomeKit   SourceType = "homekit"
	SourceMatter    SourceType = "matter"
	SourceManual    SourceType = "manual"
	SourceImported  SourceType = "imported"
	SourceGenerated SourceType = "generated"
)

var sourceTypes = map[SourceType]bool{
	SourceHomeKit: true, SourceMatter: true, SourceManual: true,
	SourceImported: true, SourceGenerated: true,
}

// ParseSourceType parses a source type string strictly
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(s)
	if !sourceTypes[st] {
		return "", fmt.Errorf("unknown source type %q", s)
	}
	return st, nil
}

// Valid reports whether the source type is a member of the closed enum
func (t SourceType) Valid() bool { return sourceTypes[t] }

// Content is the arbitrary structured payload of an entity version.
// Keys map to JSON-shaped values (scalars, sequences, nested mappings).
type Content map[string]any

// Clone returns a top-level copy of the content map.
// Nested values are shared; callers that mutate nested structure must
// deep-copy those values themselves.
func (c Content) Clone() Content {
	out := make(Content, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Entity is one immutable version of a logical entity.
// Primary identity is the (ID, Version) pair; edits never mutate a stored
// version, they produce a new one referencing its predecessors through
// ParentVersions.
type Entity struct {
	ID             string     `json:"id"`
	Version        string     `json:"version"`
	EntityType     EntityType `json:"entity_type"`
	Name           string     `json:"name"`
	Content        Content    `json:"content"`
	SourceType     SourceType `json:"source_type"`
	UserID         string     `json:"user_id"`
	ParentVersions []string   `json:"parent_versions"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Content and nesting bounds for a single entity version
const (
	MaxContentBytes = 64 * 1024
	MaxContentDepth = 10
)

// reservedContentKeys are rejected to keep the wire format portable to
// runtimes with prototype chains
var reservedContentKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Validate checks structural invariants on a single entity version
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity id is empty")
	}
	if e.Version == "" {
		return fmt.Errorf("entity %s: version is empty", e.ID)
	}
	if _, _, err := ParseVersion(e.Version); err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	if !e.EntityType.Valid() {
		return fmt.Errorf("entity %s: unknown entity type %q", e.ID, e.EntityType)
	}
	if e.Name == "" {
		return fmt.Errorf("entity %s: name is empty", e.ID)
	}
	if !e.SourceType.Valid() {
		return fmt.Errorf("entity %s: unknown source type %q", e.ID, e.SourceType)
	}
	if err := ValidateContent(e.Content); err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	return nil
}

// ValidateContent enforces the size, depth, and reserved-key bounds
func ValidateContent(c Content) error {
	if c == nil {
		return nil
	}
	if err := checkContentDepth(map[string]any(c), 1); err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("content not serializable: %w", err)
	}
	if len(raw) > MaxContentBytes {
		return fmt.Errorf("content too large: %d bytes (max %d)", len(raw), MaxContentBytes)
	}
	return nil
}

func checkContentDepth(v any, depth int) error {
	if depth > MaxContentDepth {
		return fmt.Errorf("content nesting exceeds depth %d", MaxContentDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if reservedContentKeys[k] {
				return fmt.Errorf("content key %q is reserved", k)
			}
			if err := checkContentDepth(child, depth+1); err != nil {
				return err
			}
		}
	case Content:
		return checkContentDepth(map[string]any(t), depth)
	case []any:
		for _, child := range t {
			if err := checkContentDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

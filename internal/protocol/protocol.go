// Package protocol defines the JSON wire types for the sync endpoint and
// their validation rules.
package protocol

import (
	"fmt"
	"time"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// ProtocolVersion is the only accepted protocol identifier; any other
// value is rejected with a protocol error before processing
const ProtocolVersion = "inbetweenies-v2"

// SyncType selects what a sync exchange covers
type SyncType string

const (
	SyncFull          SyncType = "full"
	SyncDelta         SyncType = "delta"
	SyncEntities      SyncType = "entities"
	SyncRelationships SyncType = "relationships"
)

// ParseSyncType validates a sync type received on the wire
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(s) {
	case SyncFull, SyncDelta, SyncEntities, SyncRelationships:
		return SyncType(s), nil
	}
	return "", fmt.Errorf("unknown sync_type %q", s)
}

// ChangeType classifies a single change within a sync exchange
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ParseChangeType validates a change type received on the wire
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return ChangeType(s), nil
	}
	return "", fmt.Errorf("unknown change_type %q", s)
}

// EntityChange carries every entity field across the wire
type EntityChange struct {
	ID             string        `json:"id"`
	Version        string        `json:"version"`
	EntityType     string        `json:"entity_type"`
	Name           string        `json:"name"`
	Content        model.Content `json:"content"`
	SourceType     string        `json:"source_type"`
	UserID         string        `json:"user_id"`
	ParentVersions []string      `json:"parent_versions"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RelationshipChange carries one relationship across the wire
type RelationshipChange struct {
	ID                string        `json:"id"`
	FromEntityID      string        `json:"from_entity_id"`
	FromEntityVersion string        `json:"from_entity_version"`
	ToEntityID        string        `json:"to_entity_id"`
	ToEntityVersion   string        `json:"to_entity_version"`
	RelationshipType  string        `json:"relationship_type"`
	Properties        model.Content `json:"properties,omitempty"`
	UserID            string        `json:"user_id"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// SyncChange is one unit of change in either direction
type SyncChange struct {
	ChangeType    ChangeType           `json:"change_type"`
	Entity        *EntityChange        `json:"entity,omitempty"`
	Relationships []RelationshipChange `json:"relationships,omitempty"`
}

// VectorClock is the wire form of a per-device version watermark map
type VectorClock struct {
	Clocks map[string]string `json:"clocks"`
}

// SyncFilters narrows what the server returns. Filters the server cannot
// honor are ignored, never rejected.
type SyncFilters struct {
	EntityTypes []string   `json:"entity_types,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	ModifiedBy  []string   `json:"modified_by,omitempty"`
}

// SyncRequest is the body of POST /api/v1/sync/
type SyncRequest struct {
	ProtocolVersion string       `json:"protocol_version"`
	DeviceID        string       `json:"device_id"`
	UserID          string       `json:"user_id"`
	SyncType        SyncType     `json:"sync_type"`
	VectorClock     VectorClock  `json:"vector_clock"`
	Changes         []SyncChange `json:"changes"`
	Filters         *SyncFilters `json:"filters,omitempty"`
}

// ConflictInfo reports one resolved or pending conflict. An empty
// ResolvedVersion means manual resolution is still required.
type ConflictInfo struct {
	EntityID           string `json:"entity_id"`
	LocalVersion       string `json:"local_version"`
	RemoteVersion      string `json:"remote_version"`
	ResolutionStrategy string `json:"resolution_strategy"`
	ResolvedVersion    string `json:"resolved_version"`
}

// SyncStats summarizes one exchange
type SyncStats struct {
	EntitiesSynced      int   `json:"entities_synced"`
	RelationshipsSynced int   `json:"relationships_synced"`
	ConflictsResolved   int   `json:"conflicts_resolved"`
	DurationMs          int64 `json:"duration_ms"`
}

// SyncResponse is the body returned from POST /api/v1/sync/
type SyncResponse struct {
	SyncType    SyncType       `json:"sync_type"`
	Changes     []SyncChange   `json:"changes"`
	Conflicts   []ConflictInfo `json:"conflicts"`
	VectorClock VectorClock    `json:"vector_clock"`
	SyncStats   SyncStats      `json:"sync_stats"`
}

// Validate checks the request envelope. Protocol mismatch and malformed
// envelopes are whole-request errors; per-change problems are handled
// during processing so one bad entry never aborts a batch.
func (r *SyncRequest) Validate() error {
	if r.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("unsupported protocol_version %q, want %q", r.ProtocolVersion, ProtocolVersion)
	}
	if r.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if _, err := ParseSyncType(string(r.SyncType)); err != nil {
		return err
	}
	for i := range r.Changes {
		c := &r.Changes[i]
		if _, err := ParseChangeType(string(c.ChangeType)); err != nil {
			return fmt.Errorf("changes[%d]: %w", i, err)
		}
		if c.ChangeType != ChangeDelete && c.Entity == nil && len(c.Relationships) == 0 {
			return fmt.Errorf("changes[%d]: no entity or relationships", i)
		}
		if c.ChangeType == ChangeDelete && c.Entity == nil {
			return fmt.Errorf("changes[%d]: delete without entity", i)
		}
	}
	return nil
}

// EntityFromWire converts a wire change into a validated model entity
func EntityFromWire(w *EntityChange) (*model.Entity, error) {
	et, err := model.ParseEntityType(w.EntityType)
	if err != nil {
		return nil, err
	}
	st, err := model.ParseSourceType(w.SourceType)
	if err != nil {
		return nil, err
	}
	e := &model.Entity{
		ID:             w.ID,
		Version:        w.Version,
		EntityType:     et,
		Name:           w.Name,
		Content:        w.Content,
		SourceType:     st,
		UserID:         w.UserID,
		ParentVersions: w.ParentVersions,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// EntityToWire converts a model entity for transmission
func EntityToWire(e *model.Entity) *EntityChange {
	return &EntityChange{
		ID:             e.ID,
		Version:        e.Version,
		EntityType:     string(e.EntityType),
		Name:           e.Name,
		Content:        e.Content,
		SourceType:     string(e.SourceType),
		UserID:         e.UserID,
		ParentVersions: e.ParentVersions,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// RelationshipFromWire converts a wire change into a validated model
// relationship
func RelationshipFromWire(w *RelationshipChange) (*model.Relationship, error) {
	rt, err := model.ParseRelationshipType(w.RelationshipType)
	if err != nil {
		return nil, err
	}
	r := &model.Relationship{
		ID:                w.ID,
		FromEntityID:      w.FromEntityID,
		FromEntityVersion: w.FromEntityVersion,
		ToEntityID:        w.ToEntityID,
		ToEntityVersion:   w.ToEntityVersion,
		RelationshipType:  rt,
		Properties:        w.Properties,
		UserID:            w.UserID,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// RelationshipToWire converts a model relationship for transmission
func RelationshipToWire(r *model.Relationship) RelationshipChange {
	return RelationshipChange{
		ID:                r.ID,
		FromEntityID:      r.FromEntityID,
		FromEntityVersion: r.FromEntityVersion,
		ToEntityID:        r.ToEntityID,
		ToEntityVersion:   r.ToEntityVersion,
		RelationshipType:  string(r.RelationshipType),
		Properties:        r.Properties,
		UserID:            r.UserID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

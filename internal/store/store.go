package store

import (
	"context"
	"errors"
	"time"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

var (
	// ErrNotFound is returned when an entity or version does not exist
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch is returned when an (id, version) pair is stored
	// again with a different body
	ErrVersionMismatch = errors.New("version already stored with different body")
	// ErrInvalidRelationship is returned when an edge violates the
	// allowed-combinations table
	ErrInvalidRelationship = errors.New("relationship not allowed between entity types")
)

// Deletion is one entry of the deletion log. Deletions are propagated from
// this log, never inferred from absence.
type Deletion struct {
	EntityID  string    `json:"entity_id"`
	UserID    string    `json:"user_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// RelationshipFilter narrows a relationship listing. Empty fields match
// everything. When an entity-id filter is given without a version, only
// edges anchored at that entity's latest version match.
type RelationshipFilter struct {
	FromID      string
	FromVersion string
	ToID        string
	ToVersion   string
	Type        model.RelationshipType
}

// SearchResult pairs an entity with its lexical relevance score
type SearchResult struct {
	Entity *model.Entity
	Score  float64
}

// EntityStore is the CRUD surface over versioned entities, relationships,
// the deletion log, and per-device sync watermarks.
type EntityStore interface {
	// StoreEntity persists one immutable (id, version) record. Re-storing
	// an identical record is a no-op; re-storing the same key with a
	// different body fails with ErrVersionMismatch.
	StoreEntity(ctx context.Context, e *model.Entity) error
	// GetEntity returns the exact version, or the latest when version is
	// empty (created_at descending, ties broken by version string).
	GetEntity(ctx context.Context, id, version string) (*model.Entity, error)
	// GetEntityVersions returns the full history, oldest first
	GetEntityVersions(ctx context.Context, id string) ([]*model.Entity, error)
	// GetEntitiesByType returns the latest version of each entity of the type
	GetEntitiesByType(ctx context.Context, t model.EntityType) ([]*model.Entity, error)
	// ListLatest returns the latest version of every entity, optionally
	// restricted to the given types
	ListLatest(ctx context.Context, types []model.EntityType) ([]*model.Entity, error)
	// ChangedSince returns latest versions created or updated at/after since
	ChangedSince(ctx context.Context, since time.Time, types []model.EntityType) ([]*model.Entity, error)
	// DeleteEntity removes the entity's versions and appends to the
	// deletion log
	DeleteEntity(ctx context.Context, id, userID string) error
	// DeletionsSince lists deletion-log entries at/after since
	DeletionsSince(ctx context.Context, since time.Time) ([]Deletion, error)

	StoreRelationship(ctx context.Context, r *model.Relationship) error
	GetRelationships(ctx context.Context, f RelationshipFilter) ([]*model.Relationship, error)
	// RelationshipsSince lists relationships created at/after since
	RelationshipsSince(ctx context.Context, since time.Time) ([]*model.Relationship, error)

	// GetWatermark returns the last-sync time for a device; ok is false
	// when the device has never synced (callers treat that as a full sync).
	GetWatermark(ctx context.Context, deviceID string) (t time.Time, ok bool, err error)
	SetWatermark(ctx context.Context, deviceID string, t time.Time) error

	// Clear removes all state (test support and factory reset)
	Clear(ctx context.Context) error
}

// SearchStore is the lexical search surface
type SearchStore interface {
	// Search matches query against names and serialized content of latest
	// versions. "*" matches everything, optionally filtered by type.
	Search(ctx context.Context, query string, types []model.EntityType, limit int) ([]SearchResult, error)
}

// GraphStore is the traversal surface
type GraphStore interface {
	// Related returns the latest versions of entities reachable from id
	// over edges of the given type (empty type walks every edge kind)
	Related(ctx context.Context, id string, rel model.RelationshipType) ([]*model.Entity, error)
}

// Store bundles the three capabilities a sync backend provides
type Store interface {
	EntityStore
	SearchStore
	GraphStore
}

// Package delta computes and applies the change sets exchanged during
// sync, and summarizes entity sets with Merkle trees and checksums.
package delta

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/model"
	"github.com/inbetweenies/inbetweenies/internal/store"
)

// Delta is the set of changes between two watermarks
type Delta struct {
	FromTimestamp      time.Time             `json:"from_timestamp"`
	ToTimestamp        time.Time             `json:"to_timestamp"`
	AddedEntities      []*model.Entity       `json:"added_entities"`
	ModifiedEntities   []*model.Entity       `json:"modified_entities"`
	AddedRelationships []*model.Relationship `json:"added_relationships"`
	DeletedEntityIDs   []string              `json:"deleted_entity_ids"`
}

// Empty reports whether the delta carries no changes
func (d *Delta) Empty() bool {
	return len(d.AddedEntities) == 0 && len(d.ModifiedEntities) == 0 &&
		len(d.AddedRelationships) == 0 && len(d.DeletedEntityIDs) == 0
}

// Conflict kinds surfaced by ApplyDelta
const (
	ConflictEntityExists    = "entity_exists"
	ConflictVersionMismatch = "version_conflict"
)

// ApplyConflict reports one delta entry that could not be applied
// silently; the higher-level resolver decides what happens next
type ApplyConflict struct {
	Type            string `json:"type"`
	EntityID        string `json:"entity_id"`
	StoredVersion   string `json:"stored_version,omitempty"`
	IncomingVersion string `json:"incoming_version"`
}

// SyncResult summarizes one ApplyDelta call
type SyncResult struct {
	EntitiesApplied      int             `json:"entities_applied"`
	RelationshipsApplied int             `json:"relationships_applied"`
	Conflicts            []ApplyConflict `json:"conflicts"`
}

// Engine computes deltas against a store and tracks per-device watermarks
// through it
type Engine struct {
	Store store.EntityStore
}

// NewEngine creates a delta engine over the store
func NewEngine(s store.EntityStore) *Engine {
	return &Engine{Store: s}
}

// LastSyncTime returns the watermark for a device. A device that has
// never synced gets the zero time, which makes the next delta a full one.
func (e *Engine) LastSyncTime(ctx context.Context, deviceID string) (time.Time, error) {
	t, ok, err := e.Store.GetWatermark(ctx, deviceID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	return t, nil
}

// MarkSynced advances the watermark for a device
func (e *Engine) MarkSynced(ctx context.Context, deviceID string, t time.Time) error {
	return e.Store.SetWatermark(ctx, deviceID, t)
}

// CalculateDelta collects everything created or modified at/after since,
// optionally filtered by entity type. Entities created at/after since are
// added; the rest are modified. Deletions come from the deletion log,
// never from absence.
func (e *Engine) CalculateDelta(ctx context.Context, since time.Time, types []model.EntityType) (*Delta, error) {
	d := &Delta{
		FromTimestamp: since,
		ToTimestamp:   time.Now().UTC(),
	}

	entities, err := e.Store.ChangedSince(ctx, since, types)
	if err != nil {
		return nil, err
	}
	for _, ent := range entities {
		if !ent.CreatedAt.Before(since) {
			d.AddedEntities = append(d.AddedEntities, ent)
		} else {
			d.ModifiedEntities = append(d.ModifiedEntities, ent)
		}
	}

	rels, err := e.Store.RelationshipsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	d.AddedRelationships = rels

	dels, err := e.Store.DeletionsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, del := range dels {
		d.DeletedEntityIDs = append(d.DeletedEntityIDs, del.EntityID)
	}

	log.Debug().Time("since", since).
		Int("added", len(d.AddedEntities)).
		Int("modified", len(d.ModifiedEntities)).
		Int("relationships", len(d.AddedRelationships)).
		Int("deletions", len(d.DeletedEntityIDs)).
		Msg("delta calculated")
	return d, nil
}

// ApplyDelta folds a delta into the store. Added entities that already
// exist and modified entities whose stored version diverges are surfaced
// as conflicts, never overwritten silently. Relationships are deduplicated
// by (from, to, type).
func (e *Engine) ApplyDelta(ctx context.Context, d *Delta) (*SyncResult, error) {
	result := &SyncResult{}

	for _, ent := range d.AddedEntities {
		_, err := e.Store.GetEntity(ctx, ent.ID, "")
		switch err {
		case nil:
			result.Conflicts = append(result.Conflicts, ApplyConflict{
				Type:            ConflictEntityExists,
				EntityID:        ent.ID,
				IncomingVersion: ent.Version,
			})
		case store.ErrNotFound:
			if err := e.Store.StoreEntity(ctx, ent); err != nil {
				return nil, err
			}
			result.EntitiesApplied++
		default:
			return nil, err
		}
	}

	for _, ent := range d.ModifiedEntities {
		stored, err := e.Store.GetEntity(ctx, ent.ID, "")
		if err == store.ErrNotFound {
			if err := e.Store.StoreEntity(ctx, ent); err != nil {
				return nil, err
			}
			result.EntitiesApplied++
			continue
		}
		if err != nil {
			return nil, err
		}
		if stored.Version != ent.Version {
			result.Conflicts = append(result.Conflicts, ApplyConflict{
				Type:            ConflictVersionMismatch,
				EntityID:        ent.ID,
				StoredVersion:   stored.Version,
				IncomingVersion: ent.Version,
			})
			continue
		}
		result.EntitiesApplied++
	}

	existing, err := e.Store.RelationshipsSince(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	seen := map[relKey]bool{}
	for _, r := range existing {
		seen[relKey{r.FromEntityID, r.ToEntityID, r.RelationshipType}] = true
	}
	for _, r := range d.AddedRelationships {
		key := relKey{r.FromEntityID, r.ToEntityID, r.RelationshipType}
		if seen[key] {
			continue
		}
		if err := e.Store.StoreRelationship(ctx, r); err != nil {
			if err == store.ErrInvalidRelationship {
				log.Warn().Str("relationship_id", r.ID).Msg("rejected invalid relationship in delta")
				continue
			}
			return nil, err
		}
		seen[key] = true
		result.RelationshipsApplied++
	}

	return result, nil
}

type relKey struct {
	from string
	to   string
	typ  model.RelationshipType
}

// Size estimation constants (bytes of fixed overhead per record)
const (
	entityOverheadBytes       = 200
	relationshipOverheadBytes = 150
)

// EstimateSize approximates the serialized payload size of a delta
func EstimateSize(entities []*model.Entity, rels []*model.Relationship) int {
	total := 0
	for _, e := range entities {
		total += entityOverheadBytes + len(e.Name) + jsonLen(e.Content)
	}
	for _, r := range rels {
		total += relationshipOverheadBytes + jsonLen(r.Properties)
	}
	return total
}

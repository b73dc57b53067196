package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// Memory is the in-process backend. It backs the server in tests and local
// development and is the ground truth the file store persists. A single
// mutex serializes access; within one request storage is accessed
// sequentially.
type Memory struct {
	mu sync.RWMutex

	entities      map[string][]*model.Entity // id -> versions, insertion order
	relationships []*model.Relationship
	relIDs        map[string]bool
	deletions     []Deletion
	watermarks    map[string]time.Time

	// Secondary indices, rebuildable from ground truth
	byType      map[model.EntityType]map[string]bool // entity_type -> ids
	roomDevices map[string]map[string]bool           // room id -> device ids (located_in)
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.entities = map[string][]*model.Entity{}
	m.relationships = nil
	m.relIDs = map[string]bool{}
	m.deletions = nil
	m.watermarks = map[string]time.Time{}
	m.byType = map[model.EntityType]map[string]bool{}
	m.roomDevices = map[string]map[string]bool{}
}

// StoreEntity persists one immutable version. Replays of an identical
// record succeed as no-ops; same key with a different body is rejected.
func (m *Memory) StoreEntity(_ context.Context, e *model.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.entities[e.ID] {
		if existing.Version == e.Version {
			if sameEntityBody(existing, e) {
				return nil
			}
			return ErrVersionMismatch
		}
	}

	m.entities[e.ID] = append(m.entities[e.ID], cloneEntity(e))
	m.indexEntity(e)
	return nil
}

func (m *Memory) indexEntity(e *model.Entity) {
	ids := m.byType[e.EntityType]
	if ids == nil {
		ids = map[string]bool{}
		m.byType[e.EntityType] = ids
	}
	ids[e.ID] = true
}

// GetEntity returns an exact version, or the latest when version is empty
func (m *Memory) GetEntity(_ context.Context, id, version string) (*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id, version)
}

func (m *Memory) getLocked(id, version string) (*model.Entity, error) {
	versions := m.entities[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version == "" {
		return cloneEntity(latestOf(versions)), nil
	}
	for _, e := range versions {
		if e.Version == version {
			return cloneEntity(e), nil
		}
	}
	return nil, ErrNotFound
}

// latestOf picks the newest version: created_at descending, ties broken by
// version string descending
func latestOf(versions []*model.Entity) *model.Entity {
	best := versions[0]
	for _, e := range versions[1:] {
		if e.CreatedAt.After(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.Version > best.Version) {
			best = e
		}
	}
	return best
}

// GetEntityVersions returns the full history sorted ascending
func (m *Memory) GetEntityVersions(_ context.Context, id string) ([]*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.entities[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*model.Entity, len(versions))
	for i, e := range versions {
		out[i] = cloneEntity(e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// GetEntitiesByType returns the latest version of each entity of the type
func (m *Memory) GetEntitiesByType(_ context.Context, t model.EntityType) ([]*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Entity
	for id := range m.byType[t] {
		if versions := m.entities[id]; len(versions) > 0 {
			out = append(out, cloneEntity(latestOf(versions)))
		}
	}
	sortByID(out)
	return out, nil
}

// ListLatest returns the latest version of every entity, optionally
// restricted to the given types
func (m *Memory) ListLatest(_ context.Context, types []model.EntityType) ([]*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := typeSet(types)
	var out []*model.Entity
	for _, versions := range m.entities {
		if len(versions) == 0 {
			continue
		}
		latest := latestOf(versions)
		if want != nil && !want[latest.EntityType] {
			continue
		}
		out = append(out, cloneEntity(latest))
	}
	sortByID(out)
	return out, nil
}

// ChangedSince returns latest versions created or updated at/after since
func (m *Memory) ChangedSince(_ context.Context, since time.Time, types []model.EntityType) ([]*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := typeSet(types)
	var out []*model.Entity
	for _, versions := range m.entities {
		if len(versions) == 0 {
			continue
		}
		latest := latestOf(versions)
		if want != nil && !want[latest.EntityType] {
			continue
		}
		if latest.CreatedAt.Before(since) && latest.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, cloneEntity(latest))
	}
	sortByID(out)
	return out, nil
}

// DeleteEntity removes every version of the entity and records the
// deletion in the log
func (m *Memory) DeleteEntity(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.entities[id]
	if len(versions) == 0 {
		return ErrNotFound
	}
	for _, e := range versions {
		if ids := m.byType[e.EntityType]; ids != nil {
			delete(ids, id)
		}
	}
	delete(m.entities, id)
	delete(m.roomDevices, id)
	for _, devs := range m.roomDevices {
		delete(devs, id)
	}
	m.deletions = append(m.deletions, Deletion{
		EntityID:  id,
		UserID:    userID,
		DeletedAt: time.Now().UTC(),
	})
	return nil
}

// DeletionsSince lists deletion-log entries at/after since
func (m *Memory) DeletionsSince(_ context.Context, since time.Time) ([]Deletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Deletion
	for _, d := range m.deletions {
		if !d.DeletedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

// StoreRelationship persists an edge, validating it against the
// allowed-combinations table when both endpoints are resolvable. Edges to
// entities that have not arrived yet are accepted; sync delivery order is
// not guaranteed.
func (m *Memory) StoreRelationship(_ context.Context, r *model.Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.entities[r.FromEntityID]
	to := m.entities[r.ToEntityID]
	if len(from) > 0 && len(to) > 0 {
		ft := latestOf(from).EntityType
		tt := latestOf(to).EntityType
		if !model.RelationshipValid(ft, tt, r.RelationshipType) {
			return ErrInvalidRelationship
		}
	}

	if m.relIDs[r.ID] {
		return nil // replay
	}
	m.relIDs[r.ID] = true
	m.relationships = append(m.relationships, cloneRelationship(r))

	if r.RelationshipType == model.RelLocatedIn && len(from) > 0 && len(to) > 0 &&
		latestOf(from).EntityType == model.TypeDevice && latestOf(to).EntityType == model.TypeRoom {
		devs := m.roomDevices[r.ToEntityID]
		if devs == nil {
			devs = map[string]bool{}
			m.roomDevices[r.ToEntityID] = devs
		}
		devs[r.FromEntityID] = true
	}
	return nil
}

// GetRelationships returns edges matching the filter. An entity-id filter
// without a version filter anchors at that entity's latest version.
func (m *Memory) GetRelationships(_ context.Context, f RelationshipFilter) ([]*model.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fromVersion := f.FromVersion
	if f.FromID != "" && fromVersion == "" {
		if versions := m.entities[f.FromID]; len(versions) > 0 {
			fromVersion = latestOf(versions).Version
		}
	}
	toVersion := f.ToVersion
	if f.ToID != "" && toVersion == "" {
		if versions := m.entities[f.ToID]; len(versions) > 0 {
			toVersion = latestOf(versions).Version
		}
	}

	var out []*model.Relationship
	for _, r := range m.relationships {
		if f.FromID != "" && (r.FromEntityID != f.FromID || (fromVersion != "" && r.FromEntityVersion != fromVersion)) {
			continue
		}
		if f.ToID != "" && (r.ToEntityID != f.ToID || (toVersion != "" && r.ToEntityVersion != toVersion)) {
			continue
		}
		if f.Type != "" && r.RelationshipType != f.Type {
			continue
		}
		out = append(out, cloneRelationship(r))
	}
	return out, nil
}

// RelationshipsSince lists relationships created at/after since
func (m *Memory) RelationshipsSince(_ context.Context, since time.Time) ([]*model.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Relationship
	for _, r := range m.relationships {
		if !r.CreatedAt.Before(since) {
			out = append(out, cloneRelationship(r))
		}
	}
	return out, nil
}

// Related returns latest versions of entities reachable from id over edges
// of the given type
func (m *Memory) Related(_ context.Context, id string, rel model.RelationshipType) ([]*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var out []*model.Entity
	for _, r := range m.relationships {
		if r.FromEntityID != id {
			continue
		}
		if rel != "" && r.RelationshipType != rel {
			continue
		}
		if seen[r.ToEntityID] {
			continue
		}
		seen[r.ToEntityID] = true
		if versions := m.entities[r.ToEntityID]; len(versions) > 0 {
			out = append(out, cloneEntity(latestOf(versions)))
		}
	}
	sortByID(out)
	return out, nil
}

// GetWatermark returns the last-sync time for a device
func (m *Memory) GetWatermark(_ context.Context, deviceID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.watermarks[deviceID]
	return t, ok, nil
}

// SetWatermark records the last-sync time for a device
func (m *Memory) SetWatermark(_ context.Context, deviceID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[deviceID] = t.UTC()
	return nil
}

// Clear removes all state
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// RebuildIndexes drops and rebuilds the secondary indices from ground
// truth, the recovery path for index corruption
func (m *Memory) RebuildIndexes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byType = map[model.EntityType]map[string]bool{}
	m.roomDevices = map[string]map[string]bool{}
	for _, versions := range m.entities {
		for _, e := range versions {
			m.indexEntity(e)
		}
	}
	for _, r := range m.relationships {
		if r.RelationshipType != model.RelLocatedIn {
			continue
		}
		from := m.entities[r.FromEntityID]
		to := m.entities[r.ToEntityID]
		if len(from) == 0 || len(to) == 0 {
			continue
		}
		if latestOf(from).EntityType != model.TypeDevice || latestOf(to).EntityType != model.TypeRoom {
			continue
		}
		devs := m.roomDevices[r.ToEntityID]
		if devs == nil {
			devs = map[string]bool{}
			m.roomDevices[r.ToEntityID] = devs
		}
		devs[r.FromEntityID] = true
	}
}

// DevicesInRoom reads the located_in index
func (m *Memory) DevicesInRoom(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.roomDevices[roomID]))
	for id := range m.roomDevices[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func typeSet(types []model.EntityType) map[model.EntityType]bool {
	if len(types) == 0 {
		return nil
	}
	s := make(map[model.EntityType]bool, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

func sortByID(entities []*model.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].ID != entities[j].ID {
			return entities[i].ID < entities[j].ID
		}
		return entities[i].Version < entities[j].Version
	})
}

func cloneEntity(e *model.Entity) *model.Entity {
	out := *e
	out.Content = e.Content.Clone()
	out.ParentVersions = append([]string(nil), e.ParentVersions...)
	return &out
}

func cloneRelationship(r *model.Relationship) *model.Relationship {
	out := *r
	out.Properties = r.Properties.Clone()
	return &out
}

// sameEntityBody compares two versions field by field, content by
// canonical JSON
func sameEntityBody(a, b *model.Entity) bool {
	if a.EntityType != b.EntityType || a.Name != b.Name ||
		a.SourceType != b.SourceType || a.UserID != b.UserID {
		return false
	}
	if len(a.ParentVersions) != len(b.ParentVersions) {
		return false
	}
	for i := range a.ParentVersions {
		if a.ParentVersions[i] != b.ParentVersions[i] {
			return false
		}
	}
	ca, _ := json.Marshal(a.Content)
	cb, _ := json.Marshal(b.Content)
	return bytes.Equal(ca, cb)
}

// Package syncservice implements the server side of the sync protocol:
// it applies incoming changes through the store and conflict resolver,
// computes the outgoing change set with the delta engine, and maintains
// per-device watermarks and the server vector clock.
package syncservice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/conflict"
	"github.com/inbetweenies/inbetweenies/internal/delta"
	"github.com/inbetweenies/inbetweenies/internal/model"
	"github.com/inbetweenies/inbetweenies/internal/protocol"
	"github.com/inbetweenies/inbetweenies/internal/store"
)

// Service handles sync requests against a store
type Service struct {
	Store    store.Store
	Resolver *conflict.Resolver
	Delta    *delta.Engine

	clockMu sync.Mutex
	clock   model.VectorClock

	locks keyedMutex
}

// NewService creates a sync service over the store
func NewService(s store.Store) *Service {
	return &Service{
		Store:    s,
		Resolver: conflict.NewResolver(),
		Delta:    delta.NewEngine(s),
		clock:    model.NewVectorClock(),
	}
}

// Status is the payload of the status endpoint
type Status struct {
	DeviceID        string     `json:"device_id"`
	LastSync        *time.Time `json:"last_sync"`
	ProtocolVersion string     `json:"protocol_version"`
}

// HandleSync processes one sync exchange. Per-change failures are
// recorded and skipped; only envelope and store failures abort the
// request.
func (s *Service) HandleSync(ctx context.Context, req *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	resp := &protocol.SyncResponse{
		SyncType:  req.SyncType,
		Changes:   []protocol.SyncChange{},
		Conflicts: []protocol.ConflictInfo{},
	}

	for i := range req.Changes {
		if err := s.applyChange(ctx, req, &req.Changes[i], resp); err != nil {
			return nil, err
		}
	}

	if err := s.assembleChanges(ctx, req, resp); err != nil {
		return nil, err
	}
	sortChanges(resp.Changes)

	// Watermark advances regardless of whether the client receives the
	// response; replaying a delta is safe.
	if err := s.Delta.MarkSynced(ctx, req.DeviceID, time.Now().UTC()); err != nil {
		return nil, err
	}

	resp.VectorClock = s.mergeClock(req)
	resp.SyncStats.DurationMs = time.Since(start).Milliseconds()

	log.Info().
		Str("device_id", req.DeviceID).
		Str("sync_type", string(req.SyncType)).
		Int("changes_in", len(req.Changes)).
		Int("changes_out", len(resp.Changes)).
		Int("conflicts", len(resp.Conflicts)).
		Int64("duration_ms", resp.SyncStats.DurationMs).
		Msg("sync handled")
	return resp, nil
}

func (s *Service) applyChange(ctx context.Context, req *protocol.SyncRequest, c *protocol.SyncChange, resp *protocol.SyncResponse) error {
	if c.ChangeType == protocol.ChangeDelete {
		// Deletes carry only the entity id; the tombstone needs no body
		unlock := s.locks.lock(c.Entity.ID)
		err := s.Store.DeleteEntity(ctx, c.Entity.ID, req.UserID)
		unlock()
		switch err {
		case nil:
			resp.SyncStats.EntitiesSynced++
		case store.ErrNotFound:
			// Deleting what is already gone is a replay
		default:
			return err
		}
	} else if c.Entity != nil {
		ent, err := protocol.EntityFromWire(c.Entity)
		if err != nil {
			// Bad entries never abort the batch
			log.Warn().Err(err).Str("entity_id", c.Entity.ID).Msg("rejected invalid entity change")
		} else {
			unlock := s.locks.lock(ent.ID)
			err = s.applyEntity(ctx, c.ChangeType, ent, resp)
			unlock()
			if err != nil {
				return err
			}
		}
	}

	for i := range c.Relationships {
		rel, err := protocol.RelationshipFromWire(&c.Relationships[i])
		if err != nil {
			log.Warn().Err(err).Str("relationship_id", c.Relationships[i].ID).Msg("rejected invalid relationship change")
			continue
		}
		if err := s.Store.StoreRelationship(ctx, rel); err != nil {
			if err == store.ErrInvalidRelationship {
				log.Warn().Str("relationship_id", rel.ID).Msg("relationship violates type table")
				continue
			}
			return err
		}
		resp.SyncStats.RelationshipsSynced++
	}
	return nil
}

func (s *Service) applyEntity(ctx context.Context, ct protocol.ChangeType, ent *model.Entity, resp *protocol.SyncResponse) error {
	switch ct {
	case protocol.ChangeCreate:
		_, err := s.Store.GetEntity(ctx, ent.ID, "")
		switch err {
		case nil:
			// Replay of a create is not a conflict
			return nil
		case store.ErrNotFound:
			if err := s.Store.StoreEntity(ctx, ent); err != nil {
				return err
			}
			resp.SyncStats.EntitiesSynced++
			return nil
		default:
			return err
		}

	case protocol.ChangeUpdate:
		stored, err := s.Store.GetEntity(ctx, ent.ID, "")
		if err == store.ErrNotFound {
			if err := s.Store.StoreEntity(ctx, ent); err != nil {
				return err
			}
			resp.SyncStats.EntitiesSynced++
			return nil
		}
		if err != nil {
			return err
		}
		if stored.Version == ent.Version {
			// Replay of an already-applied update
			return nil
		}
		if parentContains(ent.ParentVersions, stored.Version) {
			// Linear fast-forward: the client built on what we hold
			if err := s.Store.StoreEntity(ctx, ent); err != nil {
				return err
			}
			resp.SyncStats.EntitiesSynced++
			return nil
		}

		res := s.Resolver.Resolve(stored, ent, conflict.Merge)
		if res.Resolved == nil {
			resp.Conflicts = append(resp.Conflicts, protocol.ConflictInfo{
				EntityID:           ent.ID,
				LocalVersion:       stored.Version,
				RemoteVersion:      ent.Version,
				ResolutionStrategy: string(res.Strategy),
			})
			return nil
		}
		if err := s.Store.StoreEntity(ctx, res.Resolved); err != nil {
			return err
		}
		resp.Conflicts = append(resp.Conflicts, protocol.ConflictInfo{
			EntityID:           ent.ID,
			LocalVersion:       stored.Version,
			RemoteVersion:      ent.Version,
			ResolutionStrategy: string(res.Strategy),
			ResolvedVersion:    res.Resolved.Version,
		})
		resp.SyncStats.EntitiesSynced++
		resp.SyncStats.ConflictsResolved++
		return nil
	}
	return nil
}

// assembleChanges fills the outgoing change set for the requested sync type
func (s *Service) assembleChanges(ctx context.Context, req *protocol.SyncRequest, resp *protocol.SyncResponse) error {
	types, since, modifiedBy := parseFilters(req.Filters)

	switch req.SyncType {
	case protocol.SyncDelta:
		watermark, err := s.Delta.LastSyncTime(ctx, req.DeviceID)
		if err != nil {
			return err
		}
		d, err := s.Delta.CalculateDelta(ctx, watermark, types)
		if err != nil {
			return err
		}
		appendEntityChanges(resp, protocol.ChangeCreate, filterByUser(d.AddedEntities, modifiedBy))
		appendEntityChanges(resp, protocol.ChangeUpdate, filterByUser(d.ModifiedEntities, modifiedBy))
		appendRelationshipChanges(resp, d.AddedRelationships)
		for _, id := range d.DeletedEntityIDs {
			resp.Changes = append(resp.Changes, protocol.SyncChange{
				ChangeType: protocol.ChangeDelete,
				Entity:     &protocol.EntityChange{ID: id},
			})
		}

	case protocol.SyncFull:
		entities, err := s.Store.ListLatest(ctx, types)
		if err != nil {
			return err
		}
		appendEntityChanges(resp, protocol.ChangeCreate, filterByUser(entities, modifiedBy))
		rels, err := s.Store.RelationshipsSince(ctx, time.Time{})
		if err != nil {
			return err
		}
		appendRelationshipChanges(resp, rels)

	case protocol.SyncEntities:
		var entities []*model.Entity
		var err error
		if since != nil {
			entities, err = s.Store.ChangedSince(ctx, *since, types)
		} else {
			entities, err = s.Store.ListLatest(ctx, types)
		}
		if err != nil {
			return err
		}
		appendEntityChanges(resp, protocol.ChangeCreate, filterByUser(entities, modifiedBy))

	case protocol.SyncRelationships:
		from := time.Time{}
		if since != nil {
			from = *since
		}
		rels, err := s.Store.RelationshipsSince(ctx, from)
		if err != nil {
			return err
		}
		appendRelationshipChanges(resp, rels)
	}
	return nil
}

// parseFilters tolerates unknown values: filters the server cannot honor
// are dropped, never rejected
func parseFilters(f *protocol.SyncFilters) ([]model.EntityType, *time.Time, map[string]bool) {
	if f == nil {
		return nil, nil, nil
	}
	var types []model.EntityType
	for _, raw := range f.EntityTypes {
		if t, err := model.ParseEntityType(raw); err == nil {
			types = append(types, t)
		}
	}
	var users map[string]bool
	if len(f.ModifiedBy) > 0 {
		users = make(map[string]bool, len(f.ModifiedBy))
		for _, u := range f.ModifiedBy {
			users[u] = true
		}
	}
	return types, f.Since, users
}

func filterByUser(entities []*model.Entity, users map[string]bool) []*model.Entity {
	if users == nil {
		return entities
	}
	out := entities[:0:0]
	for _, e := range entities {
		if users[e.UserID] {
			out = append(out, e)
		}
	}
	return out
}

func appendEntityChanges(resp *protocol.SyncResponse, ct protocol.ChangeType, entities []*model.Entity) {
	for _, e := range entities {
		resp.Changes = append(resp.Changes, protocol.SyncChange{
			ChangeType: ct,
			Entity:     protocol.EntityToWire(e),
		})
	}
}

func appendRelationshipChanges(resp *protocol.SyncResponse, rels []*model.Relationship) {
	if len(rels) == 0 {
		return
	}
	wire := make([]protocol.RelationshipChange, 0, len(rels))
	for _, r := range rels {
		wire = append(wire, protocol.RelationshipToWire(r))
	}
	resp.Changes = append(resp.Changes, protocol.SyncChange{
		ChangeType:    protocol.ChangeCreate,
		Relationships: wire,
	})
}

// sortChanges orders outgoing changes by (entity id, version) ascending;
// relationship-only changes sort after entity changes
func sortChanges(changes []protocol.SyncChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i].Entity, changes[j].Entity
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case a.ID != b.ID:
			return a.ID < b.ID
		default:
			return a.Version < b.Version
		}
	})
}

// mergeClock folds the request clock into the server clock and records
// the device's newest version, then returns a snapshot for the response
func (s *Service) mergeClock(req *protocol.SyncRequest) protocol.VectorClock {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	s.clock.Merge(model.VectorClock{Clocks: req.VectorClock.Clocks})
	for i := range req.Changes {
		if e := req.Changes[i].Entity; e != nil {
			s.clock.Update(req.DeviceID, e.Version)
		}
	}
	snapshot := s.clock.Clone()
	return protocol.VectorClock{Clocks: snapshot.Clocks}
}

// SyncStatus reports a device's last sync watermark
func (s *Service) SyncStatus(ctx context.Context, deviceID string) (*Status, error) {
	st := &Status{DeviceID: deviceID, ProtocolVersion: protocol.ProtocolVersion}
	t, ok, err := s.Store.GetWatermark(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if ok {
		st.LastSync = &t
	}
	return st, nil
}

// PendingConflicts lists conflicts awaiting manual resolution
func (s *Service) PendingConflicts() []*conflict.PendingConflict {
	return s.Resolver.Pending()
}

// ResolveConflict applies a strategy to a queued manual conflict and
// persists the outcome
func (s *Service) ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) (*model.Entity, error) {
	res, err := s.Resolver.ResolvePending(id, strategy)
	if err != nil {
		return nil, err
	}
	if res.Resolved == nil {
		return nil, nil
	}
	if err := s.Store.StoreEntity(ctx, res.Resolved); err != nil {
		return nil, err
	}
	return res.Resolved, nil
}

func parentContains(parents []string, version string) bool {
	if len(parents) == 0 {
		return false
	}
	// Linear histories put the immediate parent first; deeper chains
	// accumulate ancestors, so membership anywhere counts.
	for _, p := range parents {
		if p == version {
			return true
		}
	}
	return false
}

// keyedMutex serializes writers per entity id
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*entityLock{}
	}
	l := k.locks[id]
	if l == nil {
		l = &entityLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

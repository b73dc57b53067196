package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

func entity(id string, t model.EntityType, name string, content model.Content) *model.Entity {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Entity{
		ID:         id,
		Version:    model.NewVersion("tester"),
		EntityType: t,
		Name:       name,
		Content:    content,
		SourceType: model.SourceManual,
		UserID:     "tester",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mustStore(t *testing.T, s EntityStore, e *model.Entity) {
	t.Helper()
	if err := s.StoreEntity(context.Background(), e); err != nil {
		t.Fatalf("StoreEntity(%s@%s): %v", e.ID, e.Version, err)
	}
}

func TestStoreEntityReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := entity(uuid.NewString(), model.TypeRoom, "Kitchen", model.Content{"floor": 1})
	mustStore(t, m, e)

	// Identical replay is a no-op
	if err := m.StoreEntity(ctx, e); err != nil {
		t.Fatalf("replay rejected: %v", err)
	}
	versions, err := m.GetEntityVersions(ctx, e.ID)
	if err != nil || len(versions) != 1 {
		t.Fatalf("expected 1 version after replay, got %d (err %v)", len(versions), err)
	}

	// Same key, different body is rejected deterministically
	evil := *e
	evil.Name = "Pantry"
	if err := m.StoreEntity(ctx, &evil); err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestGetEntityLatestOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := uuid.NewString()

	older := entity(id, model.TypeDevice, "Lamp", model.Content{"power": "off"})
	older.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	older.UpdatedAt = older.CreatedAt
	newer := entity(id, model.TypeDevice, "Lamp", model.Content{"power": "on"})
	newer.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	newer.UpdatedAt = newer.CreatedAt
	newer.ParentVersions = []string{older.Version}

	mustStore(t, m, newer)
	mustStore(t, m, older)

	got, err := m.GetEntity(ctx, id, "")
	if err != nil {
		t.Fatalf("GetEntity latest: %v", err)
	}
	if got.Version != newer.Version {
		t.Errorf("latest = %s, want %s", got.Version, newer.Version)
	}

	exact, err := m.GetEntity(ctx, id, older.Version)
	if err != nil || exact.Version != older.Version {
		t.Errorf("exact lookup failed: %v %v", exact, err)
	}

	history, err := m.GetEntityVersions(ctx, id)
	if err != nil {
		t.Fatalf("GetEntityVersions: %v", err)
	}
	if len(history) != 2 || history[0].Version != older.Version {
		t.Errorf("history not ascending: %v", history)
	}
}

func TestGetEntityLatestTieBreak(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := uuid.NewString()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	a := entity(id, model.TypeDevice, "Lamp", nil)
	a.Version = "2025-01-01T00:00:00Z-a"
	a.CreatedAt, a.UpdatedAt = at, at
	b := entity(id, model.TypeDevice, "Lamp", nil)
	b.Version = "2025-01-01T00:00:00Z-b"
	b.CreatedAt, b.UpdatedAt = at, at

	mustStore(t, m, a)
	mustStore(t, m, b)

	got, err := m.GetEntity(ctx, id, "")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Version != b.Version {
		t.Errorf("tie broken wrong: got %s, want %s", got.Version, b.Version)
	}
}

func TestGetEntitiesByType(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	room := entity(uuid.NewString(), model.TypeRoom, "Kitchen", nil)
	dev := entity(uuid.NewString(), model.TypeDevice, "Lamp", nil)
	mustStore(t, m, room)
	mustStore(t, m, dev)

	rooms, err := m.GetEntitiesByType(ctx, model.TypeRoom)
	if err != nil {
		t.Fatalf("GetEntitiesByType: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestDeleteEntityAndDeletionLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := entity(uuid.NewString(), model.TypeNote, "Shopping list", nil)
	mustStore(t, m, e)

	before := time.Now().UTC().Add(-time.Second)
	if err := m.DeleteEntity(ctx, e.ID, "tester"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if _, err := m.GetEntity(ctx, e.ID, ""); err != ErrNotFound {
		t.Errorf("deleted entity still readable: %v", err)
	}
	dels, err := m.DeletionsSince(ctx, before)
	if err != nil || len(dels) != 1 || dels[0].EntityID != e.ID {
		t.Errorf("deletion log = %v (err %v)", dels, err)
	}

	if err := m.DeleteEntity(ctx, e.ID, "tester"); err != ErrNotFound {
		t.Errorf("double delete: %v", err)
	}
}

func TestStoreRelationshipValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	room := entity(uuid.NewString(), model.TypeRoom, "Kitchen", nil)
	dev := entity(uuid.NewString(), model.TypeDevice, "Lamp", nil)
	mustStore(t, m, room)
	mustStore(t, m, dev)

	good := &model.Relationship{
		ID:                uuid.NewString(),
		FromEntityID:      dev.ID,
		FromEntityVersion: dev.Version,
		ToEntityID:        room.ID,
		ToEntityVersion:   room.Version,
		RelationshipType:  model.RelLocatedIn,
		UserID:            "tester",
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := m.StoreRelationship(ctx, good); err != nil {
		t.Fatalf("valid relationship rejected: %v", err)
	}

	// room located_in device is not in the table
	bad := &model.Relationship{
		ID:                uuid.NewString(),
		FromEntityID:      room.ID,
		FromEntityVersion: room.Version,
		ToEntityID:        dev.ID,
		ToEntityVersion:   dev.Version,
		RelationshipType:  model.RelLocatedIn,
		UserID:            "tester",
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := m.StoreRelationship(ctx, bad); err != ErrInvalidRelationship {
		t.Fatalf("invalid pair accepted: %v", err)
	}

	// located_in index tracks devices per room
	devs := m.DevicesInRoom(room.ID)
	if len(devs) != 1 || devs[0] != dev.ID {
		t.Errorf("room index = %v", devs)
	}
}

func TestGetRelationshipsLatestAnchor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	room := entity(uuid.NewString(), model.TypeRoom, "Kitchen", nil)
	dev := entity(uuid.NewString(), model.TypeDevice, "Lamp", nil)
	mustStore(t, m, room)
	mustStore(t, m, dev)

	oldRel := &model.Relationship{
		ID:           uuid.NewString(),
		FromEntityID: dev.ID, FromEntityVersion: dev.Version,
		ToEntityID: room.ID, ToEntityVersion: room.Version,
		RelationshipType: model.RelLocatedIn,
		UserID:           "tester",
		CreatedAt:        time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := m.StoreRelationship(ctx, oldRel); err != nil {
		t.Fatal(err)
	}

	// New device version; the old edge is anchored at the old version
	dev2 := model.CreateChild(dev, "tester", model.Changes{Content: model.Content{"power": "on"}})
	dev2.CreatedAt = dev.CreatedAt.Add(time.Hour)
	dev2.UpdatedAt = dev2.CreatedAt
	mustStore(t, m, dev2)

	anchored, err := m.GetRelationships(ctx, RelationshipFilter{FromID: dev.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(anchored) != 0 {
		t.Errorf("latest-anchored filter returned stale edges: %v", anchored)
	}

	exact, err := m.GetRelationships(ctx, RelationshipFilter{FromID: dev.ID, FromVersion: dev.Version})
	if err != nil || len(exact) != 1 {
		t.Errorf("exact-version filter = %v (err %v)", exact, err)
	}
}

func TestRebuildIndexes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	room := entity(uuid.NewString(), model.TypeRoom, "Kitchen", nil)
	dev := entity(uuid.NewString(), model.TypeDevice, "Lamp", nil)
	mustStore(t, m, room)
	mustStore(t, m, dev)
	rel := &model.Relationship{
		ID:           uuid.NewString(),
		FromEntityID: dev.ID, FromEntityVersion: dev.Version,
		ToEntityID: room.ID, ToEntityVersion: room.Version,
		RelationshipType: model.RelLocatedIn,
		UserID:           "tester",
		CreatedAt:        time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := m.StoreRelationship(ctx, rel); err != nil {
		t.Fatal(err)
	}

	// Corrupt the indices, then rebuild from ground truth
	m.mu.Lock()
	m.byType = map[model.EntityType]map[string]bool{}
	m.roomDevices = map[string]map[string]bool{}
	m.mu.Unlock()

	m.RebuildIndexes()

	rooms, _ := m.GetEntitiesByType(ctx, model.TypeRoom)
	if len(rooms) != 1 {
		t.Errorf("byType index not rebuilt: %v", rooms)
	}
	if devs := m.DevicesInRoom(room.ID); len(devs) != 1 {
		t.Errorf("room index not rebuilt: %v", devs)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	kitchen := entity(uuid.NewString(), model.TypeRoom, "Kitchen", model.Content{"floor": "ground"})
	lamp := entity(uuid.NewString(), model.TypeDevice, "Kitchen Lamp", model.Content{"mode": "reading"})
	note := entity(uuid.NewString(), model.TypeNote, "Reminder", model.Content{"text": "buy kitchen towels"})
	mustStore(t, m, kitchen)
	mustStore(t, m, lamp)
	mustStore(t, m, note)

	t.Run("star matches all latest", func(t *testing.T) {
		results, err := m.Search(ctx, "*", nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 3 {
			t.Errorf("star query returned %d results, want 3", len(results))
		}
	})

	t.Run("star with type filter", func(t *testing.T) {
		results, err := m.Search(ctx, "*", []model.EntityType{model.TypeRoom}, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Entity.ID != kitchen.ID {
			t.Errorf("filtered star = %v", results)
		}
	})

	t.Run("exact name outranks substring outranks content", func(t *testing.T) {
		results, err := m.Search(ctx, "kitchen", nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		if results[0].Entity.ID != kitchen.ID {
			t.Errorf("top hit = %s, want exact name match", results[0].Entity.Name)
		}
		if results[0].Score < scoreExactName {
			t.Errorf("exact score = %f", results[0].Score)
		}
		if results[1].Entity.ID != lamp.ID {
			t.Errorf("second hit = %s, want name substring match", results[1].Entity.Name)
		}
		if results[2].Entity.ID != note.ID || results[2].Score != scoreContentMatch {
			t.Errorf("third hit = %s score %f, want content match at 1.0",
				results[2].Entity.Name, results[2].Score)
		}
	})

	t.Run("limit", func(t *testing.T) {
		results, err := m.Search(ctx, "kitchen", nil, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 {
			t.Errorf("limit ignored: %d results", len(results))
		}
	})

	t.Run("fuzzy bonus", func(t *testing.T) {
		results, err := m.Search(ctx, "kitchen lamp", nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) == 0 || results[0].Entity.ID != lamp.ID {
			t.Fatalf("fuzzy query missed the lamp: %v", results)
		}
		// Exact name (2.0) plus a ratio of 1.0
		if results[0].Score < scoreExactName+fuzzyThreshold {
			t.Errorf("fuzzy bonus missing: score %f", results[0].Score)
		}
	})
}

func TestSimilarityRatio(t *testing.T) {
	if r := similarityRatio("kitchen", "kitchen"); r != 1.0 {
		t.Errorf("identical ratio = %f", r)
	}
	if r := similarityRatio("kitchen", "kitchne"); r < 0.8 {
		t.Errorf("transposition ratio = %f, want >= 0.8", r)
	}
	if r := similarityRatio("kitchen", "garage"); r >= 0.8 {
		t.Errorf("unrelated ratio = %f, want < 0.8", r)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mustStore(t, m, entity(uuid.NewString(), model.TypeRoom, "Kitchen", nil))
	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	latest, _ := m.ListLatest(ctx, nil)
	if len(latest) != 0 {
		t.Errorf("store not empty after Clear: %v", latest)
	}
}

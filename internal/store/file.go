package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// On-disk layout of a client store directory. All values serialize times
// as ISO-8601 strings and enums by their string values.
const (
	entitiesFile      = "entities.json"
	relationshipsFile = "relationships.json"
	indexFile         = "index.json"
	deletionsFile     = "deletions.json"
	watermarksFile    = "watermarks.json"
)

// File is the client-side persistent store: an in-memory store that
// writes through to a single directory. index.json is rebuilt from ground
// truth on every open, so index corruption never survives a restart.
type File struct {
	*Memory
	dir string
}

type fileIndex struct {
	ByType      map[string][]string `json:"by_type"`
	RoomDevices map[string][]string `json:"room_devices"`
}

// OpenFile loads (or creates) a store directory
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	f := &File{Memory: NewMemory(), dir: dir}

	var entities map[string][]*model.Entity
	if err := f.loadJSON(entitiesFile, &entities); err != nil {
		return nil, err
	}
	var relationships []*model.Relationship
	if err := f.loadJSON(relationshipsFile, &relationships); err != nil {
		return nil, err
	}
	var deletions []Deletion
	if err := f.loadJSON(deletionsFile, &deletions); err != nil {
		return nil, err
	}
	var watermarks map[string]time.Time
	if err := f.loadJSON(watermarksFile, &watermarks); err != nil {
		return nil, err
	}

	f.Memory.mu.Lock()
	for id, versions := range entities {
		f.Memory.entities[id] = versions
	}
	for _, r := range relationships {
		f.Memory.relationships = append(f.Memory.relationships, r)
		f.Memory.relIDs[r.ID] = true
	}
	f.Memory.deletions = deletions
	if watermarks != nil {
		f.Memory.watermarks = watermarks
	}
	f.Memory.mu.Unlock()

	f.Memory.RebuildIndexes()

	log.Debug().Str("dir", dir).Int("entities", len(entities)).
		Int("relationships", len(relationships)).Msg("opened file store")
	return f, nil
}

func (f *File) loadJSON(name string, v any) error {
	raw, err := os.ReadFile(filepath.Join(f.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// writeJSON writes atomically via a temp file and rename
func (f *File) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp := filepath.Join(f.dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (f *File) flush() error {
	f.Memory.mu.RLock()
	entities := make(map[string][]*model.Entity, len(f.Memory.entities))
	for id, versions := range f.Memory.entities {
		entities[id] = versions
	}
	relationships := append([]*model.Relationship(nil), f.Memory.relationships...)
	deletions := append([]Deletion(nil), f.Memory.deletions...)
	watermarks := make(map[string]time.Time, len(f.Memory.watermarks))
	for dev, t := range f.Memory.watermarks {
		watermarks[dev] = t
	}
	idx := fileIndex{ByType: map[string][]string{}, RoomDevices: map[string][]string{}}
	for t, ids := range f.Memory.byType {
		for id := range ids {
			idx.ByType[string(t)] = append(idx.ByType[string(t)], id)
		}
	}
	for room, devs := range f.Memory.roomDevices {
		for id := range devs {
			idx.RoomDevices[room] = append(idx.RoomDevices[room], id)
		}
	}
	f.Memory.mu.RUnlock()

	if err := f.writeJSON(entitiesFile, entities); err != nil {
		return err
	}
	if err := f.writeJSON(relationshipsFile, relationships); err != nil {
		return err
	}
	if err := f.writeJSON(deletionsFile, deletions); err != nil {
		return err
	}
	if err := f.writeJSON(watermarksFile, watermarks); err != nil {
		return err
	}
	return f.writeJSON(indexFile, idx)
}

// StoreEntity persists the version and writes through to disk
func (f *File) StoreEntity(ctx context.Context, e *model.Entity) error {
	if err := f.Memory.StoreEntity(ctx, e); err != nil {
		return err
	}
	return f.flush()
}

// DeleteEntity removes the entity and writes through to disk
func (f *File) DeleteEntity(ctx context.Context, id, userID string) error {
	if err := f.Memory.DeleteEntity(ctx, id, userID); err != nil {
		return err
	}
	return f.flush()
}

// StoreRelationship persists the edge and writes through to disk
func (f *File) StoreRelationship(ctx context.Context, r *model.Relationship) error {
	if err := f.Memory.StoreRelationship(ctx, r); err != nil {
		return err
	}
	return f.flush()
}

// SetWatermark records the watermark and writes through to disk
func (f *File) SetWatermark(ctx context.Context, deviceID string, t time.Time) error {
	if err := f.Memory.SetWatermark(ctx, deviceID, t); err != nil {
		return err
	}
	return f.flush()
}

// Clear wipes memory and disk
func (f *File) Clear(ctx context.Context) error {
	if err := f.Memory.Clear(ctx); err != nil {
		return err
	}
	return f.flush()
}

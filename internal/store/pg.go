package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// Schema is the server-side storage layout. (id, version) is the primary
// key; versions are immutable rows.
const Schema = `
CREATE TABLE IF NOT EXISTS entity (
	id              TEXT NOT NULL,
	version         TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	name            TEXT NOT NULL,
	content         JSONB NOT NULL DEFAULT '{}',
	source_type     TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	parent_versions JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS entity_type_idx    ON entity (entity_type);
CREATE INDEX IF NOT EXISTS entity_created_idx ON entity (created_at);
CREATE INDEX IF NOT EXISTS entity_updated_idx ON entity (updated_at);

CREATE TABLE IF NOT EXISTS relationship (
	id                  TEXT PRIMARY KEY,
	from_entity_id      TEXT NOT NULL,
	from_entity_version TEXT NOT NULL,
	to_entity_id        TEXT NOT NULL,
	to_entity_version   TEXT NOT NULL,
	relationship_type   TEXT NOT NULL,
	properties          JSONB NOT NULL DEFAULT '{}',
	user_id             TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relationship_from_idx ON relationship (from_entity_id);
CREATE INDEX IF NOT EXISTS relationship_to_idx   ON relationship (to_entity_id);

CREATE TABLE IF NOT EXISTS deletion_log (
	entity_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	deleted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deletion_log_time_idx ON deletion_log (deleted_at);

CREATE TABLE IF NOT EXISTS sync_watermark (
	device_id TEXT PRIMARY KEY,
	last_sync TIMESTAMPTZ NOT NULL
);
`

// PG is the Postgres backend used by the server daemon
type PG struct {
	DB *pgxpool.Pool
}

// NewPG wraps a connection pool; Migrate must have run
func NewPG(db *pgxpool.Pool) *PG {
	return &PG{DB: db}
}

// Migrate applies the schema
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("storage schema applied")
	return nil
}

const entityColumns = `id, version, entity_type, name, content, source_type, user_id, parent_versions, created_at, updated_at`

func scanEntity(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	var content, parents []byte
	err := row.Scan(&e.ID, &e.Version, &e.EntityType, &e.Name, &content,
		&e.SourceType, &e.UserID, &parents, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &e.Content); err != nil {
		return nil, fmt.Errorf("decode content for %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(parents, &e.ParentVersions); err != nil {
		return nil, fmt.Errorf("decode parents for %s: %w", e.ID, err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func collectEntities(rows pgx.Rows) ([]*model.Entity, error) {
	defer rows.Close()
	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StoreEntity inserts one immutable version; identical replays are no-ops
// and conflicting bodies for a stored key are rejected
func (p *PG) StoreEntity(ctx context.Context, e *model.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	content, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	parents, err := json.Marshal(e.ParentVersions)
	if err != nil {
		return fmt.Errorf("encode parents: %w", err)
	}
	if e.ParentVersions == nil {
		parents = []byte("[]")
	}

	tag, err := p.DB.Exec(ctx, `
		INSERT INTO entity (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id, version) DO NOTHING
	`, e.ID, e.Version, e.EntityType, e.Name, content, e.SourceType,
		e.UserID, parents, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Row already existed; accept only a byte-identical replay
	existing, err := p.GetEntity(ctx, e.ID, e.Version)
	if err != nil {
		return err
	}
	if !sameEntityBody(existing, e) {
		return ErrVersionMismatch
	}
	return nil
}

// GetEntity returns an exact version, or the latest when version is empty
func (p *PG) GetEntity(ctx context.Context, id, version string) (*model.Entity, error) {
	var row pgx.Row
	if version != "" {
		row = p.DB.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM entity WHERE id = $1 AND version = $2`, id, version)
	} else {
		row = p.DB.QueryRow(ctx, `
			SELECT `+entityColumns+` FROM entity
			WHERE id = $1
			ORDER BY created_at DESC, version DESC
			LIMIT 1`, id)
	}
	e, err := scanEntity(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// GetEntityVersions returns the full history sorted ascending
func (p *PG) GetEntityVersions(ctx context.Context, id string) ([]*model.Entity, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT `+entityColumns+` FROM entity
		WHERE id = $1
		ORDER BY created_at, version`, id)
	if err != nil {
		return nil, err
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

const latestEntityQuery = `
	SELECT DISTINCT ON (id) ` + entityColumns + `
	FROM entity
	ORDER BY id, created_at DESC, version DESC`

// GetEntitiesByType returns the latest version of each entity of the type
func (p *PG) GetEntitiesByType(ctx context.Context, t model.EntityType) ([]*model.Entity, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT * FROM (`+latestEntityQuery+`) latest
		WHERE entity_type = $1
		ORDER BY id`, t)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

// ListLatest returns the latest version of every entity, optionally
// restricted to the given types
func (p *PG) ListLatest(ctx context.Context, types []model.EntityType) ([]*model.Entity, error) {
	if len(types) == 0 {
		rows, err := p.DB.Query(ctx, `SELECT * FROM (`+latestEntityQuery+`) latest ORDER BY id`)
		if err != nil {
			return nil, err
		}
		return collectEntities(rows)
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	rows, err := p.DB.Query(ctx, `
		SELECT * FROM (`+latestEntityQuery+`) latest
		WHERE entity_type = ANY($1)
		ORDER BY id`, names)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

// ChangedSince returns latest versions created or updated at/after since
func (p *PG) ChangedSince(ctx context.Context, since time.Time, types []model.EntityType) ([]*model.Entity, error) {
	latest, err := p.ListLatest(ctx, types)
	if err != nil {
		return nil, err
	}
	var out []*model.Entity
	for _, e := range latest {
		if e.CreatedAt.Before(since) && e.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEntity removes every version and appends to the deletion log
func (p *PG) DeleteEntity(ctx context.Context, id, userID string) error {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM entity WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO deletion_log (entity_id, user_id, deleted_at)
		VALUES ($1, $2, $3)`, id, userID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeletionsSince lists deletion-log entries at/after since
func (p *PG) DeletionsSince(ctx context.Context, since time.Time) ([]Deletion, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT entity_id, user_id, deleted_at FROM deletion_log
		WHERE deleted_at >= $1
		ORDER BY deleted_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deletion
	for rows.Next() {
		var d Deletion
		if err := rows.Scan(&d.EntityID, &d.UserID, &d.DeletedAt); err != nil {
			return nil, err
		}
		d.DeletedAt = d.DeletedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// StoreRelationship persists an edge, validating type combinations when
// both endpoints are resolvable
func (p *PG) StoreRelationship(ctx context.Context, r *model.Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}

	from, errFrom := p.GetEntity(ctx, r.FromEntityID, "")
	to, errTo := p.GetEntity(ctx, r.ToEntityID, "")
	if errFrom == nil && errTo == nil {
		if !model.RelationshipValid(from.EntityType, to.EntityType, r.RelationshipType) {
			return ErrInvalidRelationship
		}
	}

	properties, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO relationship (id, from_entity_id, from_entity_version,
			to_entity_id, to_entity_version, relationship_type, properties,
			user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.FromEntityID, r.FromEntityVersion, r.ToEntityID,
		r.ToEntityVersion, r.RelationshipType, properties, r.UserID,
		r.CreatedAt, r.UpdatedAt)
	return err
}

const relationshipColumns = `id, from_entity_id, from_entity_version, to_entity_id, to_entity_version, relationship_type, properties, user_id, created_at, updated_at`

func collectRelationships(rows pgx.Rows) ([]*model.Relationship, error) {
	defer rows.Close()
	var out []*model.Relationship
	for rows.Next() {
		var r model.Relationship
		var properties []byte
		if err := rows.Scan(&r.ID, &r.FromEntityID, &r.FromEntityVersion,
			&r.ToEntityID, &r.ToEntityVersion, &r.RelationshipType,
			&properties, &r.UserID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(properties, &r.Properties); err != nil {
			return nil, fmt.Errorf("decode properties for %s: %w", r.ID, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetRelationships returns edges matching the filter; entity-id filters
// without a version anchor at the latest version
func (p *PG) GetRelationships(ctx context.Context, f RelationshipFilter) ([]*model.Relationship, error) {
	fromVersion := f.FromVersion
	if f.FromID != "" && fromVersion == "" {
		if e, err := p.GetEntity(ctx, f.FromID, ""); err == nil {
			fromVersion = e.Version
		}
	}
	toVersion := f.ToVersion
	if f.ToID != "" && toVersion == "" {
		if e, err := p.GetEntity(ctx, f.ToID, ""); err == nil {
			toVersion = e.Version
		}
	}

	query := `SELECT ` + relationshipColumns + ` FROM relationship WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.FromID != "" {
		query += ` AND from_entity_id = ` + arg(f.FromID)
		if fromVersion != "" {
			query += ` AND from_entity_version = ` + arg(fromVersion)
		}
	}
	if f.ToID != "" {
		query += ` AND to_entity_id = ` + arg(f.ToID)
		if toVersion != "" {
			query += ` AND to_entity_version = ` + arg(toVersion)
		}
	}
	if f.Type != "" {
		query += ` AND relationship_type = ` + arg(string(f.Type))
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRelationships(rows)
}

// RelationshipsSince lists relationships created at/after since
func (p *PG) RelationshipsSince(ctx context.Context, since time.Time) ([]*model.Relationship, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT `+relationshipColumns+` FROM relationship
		WHERE created_at >= $1
		ORDER BY created_at, id`, since)
	if err != nil {
		return nil, err
	}
	return collectRelationships(rows)
}

// Related returns latest versions of entities reachable from id
func (p *PG) Related(ctx context.Context, id string, rel model.RelationshipType) ([]*model.Entity, error) {
	rels, err := p.GetRelationships(ctx, RelationshipFilter{FromID: id, Type: rel})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []*model.Entity
	for _, r := range rels {
		if seen[r.ToEntityID] {
			continue
		}
		seen[r.ToEntityID] = true
		e, err := p.GetEntity(ctx, r.ToEntityID, "")
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortByID(out)
	return out, nil
}

// Search scores latest-version entities against a query
func (p *PG) Search(ctx context.Context, query string, types []model.EntityType, limit int) ([]SearchResult, error) {
	latest, err := p.ListLatest(ctx, types)
	if err != nil {
		return nil, err
	}
	return searchEntities(query, latest, limit), nil
}

// GetWatermark returns the last-sync time for a device
func (p *PG) GetWatermark(ctx context.Context, deviceID string) (time.Time, bool, error) {
	var t time.Time
	err := p.DB.QueryRow(ctx,
		`SELECT last_sync FROM sync_watermark WHERE device_id = $1`, deviceID).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}

// SetWatermark records the last-sync time for a device
func (p *PG) SetWatermark(ctx context.Context, deviceID string, t time.Time) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO sync_watermark (device_id, last_sync)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET last_sync = EXCLUDED.last_sync
	`, deviceID, t.UTC())
	return err
}

// Clear removes all state
func (p *PG) Clear(ctx context.Context) error {
	_, err := p.DB.Exec(ctx, `
		TRUNCATE entity, relationship, deletion_log, sync_watermark`)
	return err
}

// Package conflict resolves concurrent modifications of an entity under
// pluggable strategies. Resolution is purely computational: no storage or
// network access happens here.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// Strategy selects how two concurrent versions become one
type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	ClientWins    Strategy = "client_wins"
	ServerWins    Strategy = "server_wins"
	Merge         Strategy = "merge"
	Custom        Strategy = "custom"
	Manual        Strategy = "manual"
)

var strategies = map[Strategy]bool{
	LastWriteWins: true, ClientWins: true, ServerWins: true,
	Merge: true, Custom: true, Manual: true,
}

// ParseStrategy parses a strategy string strictly
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !strategies[st] {
		return "", fmt.Errorf("unknown resolution strategy %q", s)
	}
	return st, nil
}

// MergeUserID marks versions produced by conflict resolution
const MergeUserID = "sync-merge"

// MergeConflict records one content key where both sides changed and the
// values could not be reconciled
type MergeConflict struct {
	Key         string `json:"key"`
	LocalValue  any    `json:"local_value"`
	RemoteValue any    `json:"remote_value"`
	Resolution  string `json:"resolution"` // always "used_local"
}

// Resolution is the explicit outcome of resolving a conflict. Either
// Resolved is set, or RequiresManual is true and the conflict was queued.
type Resolution struct {
	Strategy       Strategy        `json:"strategy"`
	Resolved       *model.Entity   `json:"resolved_entity,omitempty"`
	RequiresManual bool            `json:"requires_manual"`
	MergeConflicts []MergeConflict `json:"merge_conflicts,omitempty"`
}

// PendingConflict is a queued manual-resolution record
type PendingConflict struct {
	ID       string        `json:"id"`
	EntityID string        `json:"entity_id"`
	Local    *model.Entity `json:"local"`
	Remote   *model.Entity `json:"remote"`
	QueuedAt time.Time     `json:"queued_at"`
}

// Rule is a per-entity-type resolution callback. A rule must keep the
// entity id stable and list both input versions as parents; results that
// do not are discarded and the resolver falls back to last-write-wins.
type Rule func(local, remote *model.Entity) (*model.Entity, error)

// Resolver applies resolution strategies. By convention local is the copy
// the resolving node already held and remote is the one arriving from the
// peer; client_wins keeps local and server_wins keeps remote, so callers
// pass the client-side entity as local where the distinction matters.
type Resolver struct {
	mu      sync.Mutex
	rules   map[model.EntityType]Rule
	pending []*PendingConflict
}

// NewResolver creates a resolver with the default custom rules registered
func NewResolver() *Resolver {
	r := &Resolver{rules: map[model.EntityType]Rule{}}
	r.RegisterRule(model.TypeDevice, deviceRule)
	r.RegisterRule(model.TypeAutomation, automationRule)
	return r
}

// RegisterRule installs (or replaces) the custom rule for an entity type
func (r *Resolver) RegisterRule(t model.EntityType, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[t] = rule
}

// Resolve produces a single version from two conflicting ones
func (r *Resolver) Resolve(local, remote *model.Entity, strategy Strategy) Resolution {
	switch strategy {
	case LastWriteWins:
		return Resolution{Strategy: LastWriteWins, Resolved: lwwWinner(local, remote)}
	case ClientWins:
		return Resolution{Strategy: ClientWins, Resolved: local}
	case ServerWins:
		return Resolution{Strategy: ServerWins, Resolved: remote}
	case Merge:
		merged, conflicts := mergeEntities(local, remote)
		return Resolution{Strategy: Merge, Resolved: merged, MergeConflicts: conflicts}
	case Custom:
		return r.resolveCustom(local, remote)
	case Manual:
		r.queueManual(local, remote)
		return Resolution{Strategy: Manual, RequiresManual: true}
	default:
		log.Warn().Str("strategy", string(strategy)).Msg("unknown strategy, using last-write-wins")
		return Resolution{Strategy: LastWriteWins, Resolved: lwwWinner(local, remote)}
	}
}

func (r *Resolver) resolveCustom(local, remote *model.Entity) Resolution {
	r.mu.Lock()
	rule := r.rules[local.EntityType]
	r.mu.Unlock()

	if rule == nil {
		merged, conflicts := mergeEntities(local, remote)
		return Resolution{Strategy: Merge, Resolved: merged, MergeConflicts: conflicts}
	}

	resolved, err := rule(local, remote)
	if err == nil && resolved != nil {
		err = checkRuleResult(resolved, local, remote)
	}
	if err != nil || resolved == nil {
		log.Warn().Err(err).Str("entity_id", local.ID).
			Str("entity_type", string(local.EntityType)).
			Msg("custom rule failed, falling back to last-write-wins")
		return Resolution{Strategy: LastWriteWins, Resolved: lwwWinner(local, remote)}
	}
	return Resolution{Strategy: Custom, Resolved: resolved}
}

// checkRuleResult enforces the bounds on custom rules: stable id and both
// inputs listed as parents
func checkRuleResult(resolved, local, remote *model.Entity) error {
	if resolved.ID != local.ID {
		return fmt.Errorf("custom rule changed entity id to %s", resolved.ID)
	}
	hasLocal, hasRemote := false, false
	for _, p := range resolved.ParentVersions {
		if p == local.Version {
			hasLocal = true
		}
		if p == remote.Version {
			hasRemote = true
		}
	}
	if !hasLocal || !hasRemote {
		return fmt.Errorf("custom rule result must list both input versions as parents")
	}
	return nil
}

func (r *Resolver) queueManual(local, remote *model.Entity) *PendingConflict {
	p := &PendingConflict{
		ID:       uuid.NewString(),
		EntityID: local.ID,
		Local:    local,
		Remote:   remote,
		QueuedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()
	log.Info().Str("entity_id", p.EntityID).Str("conflict_id", p.ID).
		Msg("conflict queued for manual resolution")
	return p
}

// Pending lists queued manual conflicts, oldest first
func (r *Resolver) Pending() []*PendingConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PendingConflict(nil), r.pending...)
}

// ResolvePending applies a strategy to a queued conflict and removes it
// from the queue
func (r *Resolver) ResolvePending(id string, strategy Strategy) (Resolution, error) {
	r.mu.Lock()
	var found *PendingConflict
	for i, p := range r.pending {
		if p.ID == id {
			found = p
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return Resolution{}, fmt.Errorf("no pending conflict %s", id)
	}
	if strategy == Manual {
		return Resolution{}, fmt.Errorf("cannot resolve pending conflict with strategy manual")
	}
	return r.Resolve(found.Local, found.Remote, strategy), nil
}

// lwwWinner picks the later entity: updated_at, then created_at, then the
// lexicographically greater version string. The selection is stable under
// replay.
func lwwWinner(local, remote *model.Entity) *model.Entity {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return remote
	}
	if local.CreatedAt.After(remote.CreatedAt) {
		return local
	}
	if remote.CreatedAt.After(local.CreatedAt) {
		return remote
	}
	if local.Version > remote.Version {
		return local
	}
	return remote
}

// mergeEntities is the key-wise merge without an explicit base. The
// merged entity carries both inputs as parents and a fresh sync-merge
// version; the name follows the more recent side.
func mergeEntities(local, remote *model.Entity) (*model.Entity, []MergeConflict) {
	content, conflicts := mergeMaps(map[string]any(local.Content), map[string]any(remote.Content), "")

	newest := lwwWinner(local, remote)
	now := time.Now().UTC()
	merged := &model.Entity{
		ID:             local.ID,
		Version:        model.NewVersion(MergeUserID),
		EntityType:     local.EntityType,
		Name:           newest.Name,
		Content:        content,
		SourceType:     newest.SourceType,
		UserID:         MergeUserID,
		ParentVersions: []string{local.Version, remote.Version},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return merged, conflicts
}

func mergeMaps(local, remote map[string]any, prefix string) (model.Content, []MergeConflict) {
	out := model.Content{}
	var conflicts []MergeConflict

	for k, lv := range local {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		rv, inRemote := remote[k]
		if !inRemote {
			out[k] = lv
			continue
		}
		if valuesEqual(lv, rv) {
			out[k] = lv
			continue
		}
		lm, lok := asMap(lv)
		rm, rok := asMap(rv)
		if lok && rok {
			nested, nestedConflicts := mergeMaps(lm, rm, path)
			out[k] = map[string]any(nested)
			conflicts = append(conflicts, nestedConflicts...)
			continue
		}
		conflicts = append(conflicts, MergeConflict{
			Key:         path,
			LocalValue:  lv,
			RemoteValue: rv,
			Resolution:  "used_local",
		})
		out[k] = lv
	}
	for k, rv := range remote {
		if _, inLocal := local[k]; !inLocal {
			out[k] = rv
		}
	}
	return out, conflicts
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case model.Content:
		return map[string]any(m), true
	}
	return nil, false
}

func valuesEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

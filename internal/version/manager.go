// Package version walks the per-entity version DAG: histories, common
// ancestors, trees, diffs, and n-way merges.
package version

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/inbetweenies/inbetweenies/internal/model"
	"github.com/inbetweenies/inbetweenies/internal/store"
)

// MergeUserID marks versions produced by the n-way merge
const MergeUserID = "system-merge"

// Manager answers version-graph questions against a store
type Manager struct {
	Store store.EntityStore
}

// NewManager creates a version manager over the store
func NewManager(s store.EntityStore) *Manager {
	return &Manager{Store: s}
}

// CreateVersion issues a fresh version string for an edit of entity by
// userID
func (m *Manager) CreateVersion(userID string) string {
	return model.NewVersion(userID)
}

// History returns the entity's versions in created_at order
func (m *Manager) History(ctx context.Context, entityID string) ([]*model.Entity, error) {
	return m.Store.GetEntityVersions(ctx, entityID)
}

// ancestors collects the version and every ancestor reachable through
// parent pointers known to the store
func (m *Manager) ancestors(ctx context.Context, entityID, version string) (map[string]*model.Entity, error) {
	out := map[string]*model.Entity{}
	queue := []string{version}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if _, seen := out[v]; seen {
			continue
		}
		e, err := m.Store.GetEntity(ctx, entityID, v)
		if err == store.ErrNotFound {
			continue // declared root or unsynced ancestor
		}
		if err != nil {
			return nil, err
		}
		out[v] = e
		queue = append(queue, e.ParentVersions...)
	}
	return out, nil
}

// CommonAncestor returns the most recent version reachable from both v1
// and v2, or nil when the histories are disjoint. A version counts as its
// own ancestor, so a linear pair answers the older of the two.
func (m *Manager) CommonAncestor(ctx context.Context, entityID, v1, v2 string) (*model.Entity, error) {
	a1, err := m.ancestors(ctx, entityID, v1)
	if err != nil {
		return nil, err
	}
	a2, err := m.ancestors(ctx, entityID, v2)
	if err != nil {
		return nil, err
	}

	var best *model.Entity
	for v, e := range a1 {
		if _, ok := a2[v]; !ok {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.Version > best.Version) {
			best = e
		}
	}
	return best, nil
}

// TreeNode is one version in the entity's DAG
type TreeNode struct {
	Version  string   `json:"version"`
	Parents  []string `json:"parents"`
	Children []string `json:"children"`
	Root     bool     `json:"root"`
}

// Tree builds the entity's version DAG. Roots are versions none of whose
// parents are known to the store; every non-root is a child of all its
// listed parents.
func (m *Manager) Tree(ctx context.Context, entityID string) (map[string]*TreeNode, error) {
	history, err := m.Store.GetEntityVersions(ctx, entityID)
	if err != nil {
		return nil, err
	}

	nodes := map[string]*TreeNode{}
	for _, e := range history {
		nodes[e.Version] = &TreeNode{
			Version: e.Version,
			Parents: append([]string(nil), e.ParentVersions...),
		}
	}
	for _, n := range nodes {
		known := 0
		for _, p := range n.Parents {
			parent, ok := nodes[p]
			if !ok {
				continue
			}
			known++
			parent.Children = append(parent.Children, n.Version)
		}
		n.Root = known == 0
	}
	for _, n := range nodes {
		sort.Strings(n.Children)
	}
	return nodes, nil
}

// ContentChange describes one top-level content key that differs
type ContentChange struct {
	Type     string `json:"type"` // added, removed, modified
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Diff summarizes the differences between two versions of an entity.
// Content is compared at the top level only.
type Diff struct {
	VersionChange  [2]string                `json:"version_change"`
	NameChange     *[2]string               `json:"name_change,omitempty"`
	ContentChanges map[string]ContentChange `json:"content_changes"`
}

// CalculateDiff compares old and new versions
func (m *Manager) CalculateDiff(oldE, newE *model.Entity) *Diff {
	d := &Diff{
		VersionChange:  [2]string{oldE.Version, newE.Version},
		ContentChanges: map[string]ContentChange{},
	}
	if oldE.Name != newE.Name {
		nc := [2]string{oldE.Name, newE.Name}
		d.NameChange = &nc
	}
	for k, oldV := range oldE.Content {
		newV, ok := newE.Content[k]
		if !ok {
			d.ContentChanges[k] = ContentChange{Type: "removed", OldValue: oldV}
			continue
		}
		if !jsonEqual(oldV, newV) {
			d.ContentChanges[k] = ContentChange{Type: "modified", OldValue: oldV, NewValue: newV}
		}
	}
	for k, newV := range newE.Content {
		if _, ok := oldE.Content[k]; !ok {
			d.ContentChanges[k] = ContentChange{Type: "added", NewValue: newV}
		}
	}
	return d
}

// Merge folds versions into one. The oldest is the base; later versions
// overlay their content key-wise in created_at order, the name comes from
// the most recent, and the result lists every input as a parent.
func (m *Manager) Merge(versions []*model.Entity) (*model.Entity, error) {
	if len(versions) == 0 {
		return nil, fmt.Errorf("merge of zero versions")
	}

	sorted := append([]*model.Entity(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].Version < sorted[j].Version
	})

	base := sorted[0]
	content := base.Content.Clone()
	parents := make([]string, 0, len(sorted))
	for _, v := range sorted {
		parents = append(parents, v.Version)
	}
	for _, v := range sorted[1:] {
		if v.ID != base.ID {
			return nil, fmt.Errorf("merge across entities %s and %s", base.ID, v.ID)
		}
		for k, val := range v.Content {
			content[k] = val
		}
	}

	newest := sorted[len(sorted)-1]
	now := time.Now().UTC()
	return &model.Entity{
		ID:             base.ID,
		Version:        model.NewVersion(MergeUserID),
		EntityType:     base.EntityType,
		Name:           newest.Name,
		Content:        content,
		SourceType:     base.SourceType,
		UserID:         MergeUserID,
		ParentVersions: parents,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

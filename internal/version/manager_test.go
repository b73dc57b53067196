package version

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inbetweenies/inbetweenies/internal/model"
	"github.com/inbetweenies/inbetweenies/internal/store"
)

func seed(t *testing.T, s store.EntityStore, e *model.Entity) *model.Entity {
	t.Helper()
	if err := s.StoreEntity(context.Background(), e); err != nil {
		t.Fatalf("seed %s@%s: %v", e.ID, e.Version, err)
	}
	return e
}

func rootEntity(id string) *model.Entity {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Entity{
		ID:         id,
		Version:    model.NewVersion("alice"),
		EntityType: model.TypeDevice,
		Name:       "Lamp",
		Content:    model.Content{"power": "on", "color": "red"},
		SourceType: model.SourceManual,
		UserID:     "alice",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func childOf(parent *model.Entity, user string, content model.Content, at time.Time) *model.Entity {
	c := model.CreateChild(parent, user, model.Changes{Content: content})
	c.CreatedAt = at
	c.UpdatedAt = at
	return c
}

func TestCommonAncestorLinear(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	mgr := NewManager(s)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := rootEntity(uuid.NewString())
	root.CreatedAt, root.UpdatedAt = base, base
	seed(t, s, root)
	v2 := seed(t, s, childOf(root, "alice", model.Content{"power": "off"}, base.Add(time.Hour)))

	// In a linear chain the ancestor of (root, v2) is root itself
	anc, err := mgr.CommonAncestor(ctx, root.ID, root.Version, v2.Version)
	if err != nil {
		t.Fatal(err)
	}
	if anc == nil || anc.Version != root.Version {
		t.Errorf("ancestor = %v, want root", anc)
	}
}

func TestCommonAncestorDiverged(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	mgr := NewManager(s)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := rootEntity(uuid.NewString())
	root.CreatedAt, root.UpdatedAt = base, base
	seed(t, s, root)

	a := seed(t, s, childOf(root, "alice", model.Content{"local": true}, base.Add(time.Hour)))
	b := seed(t, s, childOf(root, "bob", model.Content{"remote": true}, base.Add(2*time.Hour)))

	anc, err := mgr.CommonAncestor(ctx, root.ID, a.Version, b.Version)
	if err != nil {
		t.Fatal(err)
	}
	if anc == nil || anc.Version != root.Version {
		t.Errorf("ancestor = %v, want root %s", anc, root.Version)
	}
}

func TestCommonAncestorDisjoint(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	mgr := NewManager(s)

	id := uuid.NewString()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r1 := rootEntity(id)
	r1.CreatedAt, r1.UpdatedAt = base, base
	seed(t, s, r1)

	r2 := rootEntity(id)
	r2.CreatedAt, r2.UpdatedAt = base.Add(time.Minute), base.Add(time.Minute)
	seed(t, s, r2)

	anc, err := mgr.CommonAncestor(ctx, id, r1.Version, r2.Version)
	if err != nil {
		t.Fatal(err)
	}
	if anc != nil {
		t.Errorf("disjoint histories produced ancestor %s", anc.Version)
	}
}

func TestTreeRootsAndChildren(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	mgr := NewManager(s)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := rootEntity(uuid.NewString())
	root.CreatedAt, root.UpdatedAt = base, base
	seed(t, s, root)
	child := seed(t, s, childOf(root, "alice", nil, base.Add(time.Hour)))

	// A version whose parent never synced is a root of the known DAG
	orphan := rootEntity(root.ID)
	orphan.Version = model.NewVersion("carol")
	orphan.ParentVersions = []string{"2020-01-01T00:00:00Z-lost"}
	orphan.CreatedAt, orphan.UpdatedAt = base.Add(2*time.Hour), base.Add(2*time.Hour)
	seed(t, s, orphan)

	tree, err := mgr.Tree(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 3 {
		t.Fatalf("tree has %d nodes, want 3", len(tree))
	}
	if !tree[root.Version].Root {
		t.Error("root version not marked root")
	}
	if !tree[orphan.Version].Root {
		t.Error("orphan with unknown parent not marked root")
	}
	if tree[child.Version].Root {
		t.Error("child marked root")
	}
	kids := tree[root.Version].Children
	if len(kids) != 1 || kids[0] != child.Version {
		t.Errorf("root children = %v", kids)
	}
}

func TestCalculateDiff(t *testing.T) {
	mgr := NewManager(store.NewMemory())

	oldE := rootEntity(uuid.NewString())
	oldE.Content = model.Content{"power": "on", "color": "red", "gone": 1}
	newE := childOf(oldE, "bob", nil, oldE.CreatedAt.Add(time.Hour))
	newE.Name = "Desk Lamp"
	newE.Content = model.Content{"power": "off", "color": "red", "fresh": true}

	d := mgr.CalculateDiff(oldE, newE)

	if d.VersionChange != [2]string{oldE.Version, newE.Version} {
		t.Errorf("version change = %v", d.VersionChange)
	}
	if d.NameChange == nil || (*d.NameChange)[1] != "Desk Lamp" {
		t.Errorf("name change = %v", d.NameChange)
	}
	if c := d.ContentChanges["power"]; c.Type != "modified" || c.OldValue != "on" || c.NewValue != "off" {
		t.Errorf("power change = %+v", c)
	}
	if c := d.ContentChanges["gone"]; c.Type != "removed" {
		t.Errorf("gone change = %+v", c)
	}
	if c := d.ContentChanges["fresh"]; c.Type != "added" {
		t.Errorf("fresh change = %+v", c)
	}
	if _, ok := d.ContentChanges["color"]; ok {
		t.Error("unchanged key reported")
	}
}

func TestMerge(t *testing.T) {
	mgr := NewManager(store.NewMemory())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := rootEntity(uuid.NewString())
	root.CreatedAt, root.UpdatedAt = base, base

	a := childOf(root, "alice", model.Content{"power": "off", "local": true}, base.Add(time.Hour))
	b := childOf(root, "bob", model.Content{"remote": true}, base.Add(2*time.Hour))
	b.Name = "Renamed Lamp"

	merged, err := mgr.Merge([]*model.Entity{b, a, root})
	if err != nil {
		t.Fatal(err)
	}

	// Later versions overlay earlier ones key-wise; b is newest and still
	// carries power=on copied from the root
	if merged.Content["power"] != "on" || merged.Content["local"] != true ||
		merged.Content["remote"] != true || merged.Content["color"] != "red" {
		t.Errorf("merged content = %v", merged.Content)
	}
	if merged.Name != "Renamed Lamp" {
		t.Errorf("name = %s, want the most recent input's", merged.Name)
	}
	if merged.UserID != MergeUserID {
		t.Errorf("user = %s", merged.UserID)
	}
	if len(merged.ParentVersions) != 3 {
		t.Errorf("parents = %v, want all three inputs", merged.ParentVersions)
	}
}

func TestMergeRejectsMixedEntities(t *testing.T) {
	mgr := NewManager(store.NewMemory())
	a := rootEntity(uuid.NewString())
	b := rootEntity(uuid.NewString())
	if _, err := mgr.Merge([]*model.Entity{a, b}); err == nil {
		t.Error("merge across different entity ids accepted")
	}
}

func TestHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	mgr := NewManager(s)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	root := rootEntity(uuid.NewString())
	root.CreatedAt, root.UpdatedAt = base, base
	seed(t, s, root)
	c1 := seed(t, s, childOf(root, "alice", nil, base.Add(time.Hour)))
	c2 := seed(t, s, childOf(c1, "alice", nil, base.Add(2*time.Hour)))

	history, err := mgr.History(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{root.Version, c1.Version, c2.Version}
	if len(history) != 3 {
		t.Fatalf("history length %d", len(history))
	}
	for i, v := range want {
		if history[i].Version != v {
			t.Errorf("history[%d] = %s, want %s", i, history[i].Version, v)
		}
	}
}

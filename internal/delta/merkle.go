package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// MerkleNode is a trie node keyed on two-character chunks of the entity
// id. Each node optionally holds one (entity id, version) pair; hashes
// are memoized bottom-up and invalidated on mutation, so comparing two
// trees costs O(differences).
type MerkleNode struct {
	EntityID string
	Version  string
	Children map[string]*MerkleNode

	hash string
}

// NewMerkleTree returns an empty root
func NewMerkleTree() *MerkleNode {
	return &MerkleNode{}
}

// chunk returns the two-character bucket key of id at the given depth
func chunk(id string, depth int) string {
	start := depth * 2
	if start >= len(id) {
		return "$" // ids shorter than the trie depth share a terminal bucket
	}
	end := start + 2
	if end > len(id) {
		end = len(id)
	}
	return id[start:end]
}

// AddEntity places an entity in the tree
func (n *MerkleNode) AddEntity(e *model.Entity) {
	n.Add(e.ID, e.Version)
}

// Add places (id, version) in the tree, replacing the version if the id
// is already present
func (n *MerkleNode) Add(id, version string) {
	n.insert(id, version, 0)
}

func (n *MerkleNode) insert(id, version string, depth int) {
	n.hash = ""
	if n.Children == nil {
		n.Children = map[string]*MerkleNode{}
	}
	key := chunk(id, depth)
	child := n.Children[key]
	if child == nil {
		n.Children[key] = &MerkleNode{EntityID: id, Version: version}
		return
	}
	if child.EntityID == id {
		child.EntityID = id
		child.Version = version
		child.hash = ""
		return
	}
	if child.EntityID != "" {
		// Bucket occupied by a different entity: demote it one level
		demotedID, demotedVersion := child.EntityID, child.Version
		child.EntityID, child.Version = "", ""
		child.insert(demotedID, demotedVersion, depth+1)
	}
	child.insert(id, version, depth+1)
}

// Hash returns the SHA-256 of this subtree: the node's own pair followed
// by each child's key and hash in sorted key order
func (n *MerkleNode) Hash() string {
	if n.hash != "" {
		return n.hash
	}
	h := sha256.New()
	h.Write([]byte(n.EntityID))
	h.Write([]byte{'|'})
	h.Write([]byte(n.Version))

	keys := make([]string, 0, len(n.Children))
	for k := range n.Children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(n.Children[k].Hash()))
	}
	n.hash = hex.EncodeToString(h.Sum(nil))
	return n.hash
}

// Diff returns the ids of entities that differ between the two trees.
// Equal hashes mean no difference; a subtree present on only one side
// contributes every entity below it.
func (n *MerkleNode) Diff(other *MerkleNode) []string {
	set := map[string]bool{}
	diffNodes(n, other, set)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func diffNodes(a, b *MerkleNode, set map[string]bool) {
	switch {
	case a == nil && b == nil:
		return
	case a == nil:
		b.collect(set)
		return
	case b == nil:
		a.collect(set)
		return
	}
	if a.Hash() == b.Hash() {
		return
	}

	if a.EntityID != b.EntityID || a.Version != b.Version {
		if a.EntityID != "" {
			set[a.EntityID] = true
		}
		if b.EntityID != "" && b.EntityID != a.EntityID {
			set[b.EntityID] = true
		}
	}

	keys := map[string]bool{}
	for k := range a.Children {
		keys[k] = true
	}
	for k := range b.Children {
		keys[k] = true
	}
	for k := range keys {
		diffNodes(a.Children[k], b.Children[k], set)
	}
}

func (n *MerkleNode) collect(set map[string]bool) {
	if n.EntityID != "" {
		set[n.EntityID] = true
	}
	for _, c := range n.Children {
		c.collect(set)
	}
}

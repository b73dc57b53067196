package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// SyncChecksum computes a deterministic SHA-256 over an entity set. The
// input is sorted by (id, version) first, and content is serialized with
// sorted keys, so the checksum is invariant under permutation of the list
// but sensitive to every value.
func SyncChecksum(entities []*model.Entity) string {
	sorted := append([]*model.Entity(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Version < sorted[j].Version
	})

	h := sha256.New()
	for _, e := range sorted {
		h.Write([]byte(e.ID))
		h.Write([]byte{'|'})
		h.Write([]byte(e.Version))
		h.Write([]byte{'|'})
		h.Write([]byte(e.EntityType))
		h.Write([]byte{'|'})
		h.Write([]byte(e.Name))
		h.Write([]byte{'|'})
		content, err := json.Marshal(e.Content) // map keys marshal sorted
		if err == nil {
			h.Write(content)
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func jsonLen(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}

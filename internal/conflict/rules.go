package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// ruleResult builds the shell of a custom-rule resolution: the winner's
// fields with a fresh version carrying both inputs as parents
func ruleResult(winner, local, remote *model.Entity, content model.Content) *model.Entity {
	now := time.Now().UTC()
	return &model.Entity{
		ID:             local.ID,
		Version:        model.NewVersion(MergeUserID),
		EntityType:     winner.EntityType,
		Name:           winner.Name,
		Content:        content,
		SourceType:     winner.SourceType,
		UserID:         MergeUserID,
		ParentVersions: []string{local.Version, remote.Version},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// deviceRule keeps the last-write-wins base but unions the capabilities
// lists of both sides, so a capability reported by either stays present
func deviceRule(local, remote *model.Entity) (*model.Entity, error) {
	winner := lwwWinner(local, remote)
	content := winner.Content.Clone()

	caps := unionLists(capabilityList(local), capabilityList(remote))
	if caps != nil {
		content["capabilities"] = caps
	}
	return ruleResult(winner, local, remote, content), nil
}

func capabilityList(e *model.Entity) []any {
	v, ok := e.Content["capabilities"]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	return list
}

func unionLists(a, b []any) []any {
	if a == nil && b == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []any
	for _, v := range append(append([]any{}, a...), b...) {
		key := fmt.Sprint(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}

// automationRule prefers the side whose enabled flag is true; when both or
// neither are enabled it degrades to last-write-wins
func automationRule(local, remote *model.Entity) (*model.Entity, error) {
	localEnabled := enabledFlag(local)
	remoteEnabled := enabledFlag(remote)

	winner := lwwWinner(local, remote)
	if localEnabled && !remoteEnabled {
		winner = local
	} else if remoteEnabled && !localEnabled {
		winner = remote
	}
	return ruleResult(winner, local, remote, winner.Content.Clone()), nil
}

func enabledFlag(e *model.Entity) bool {
	v, ok := e.Content["enabled"].(bool)
	return ok && v
}

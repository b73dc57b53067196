package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// Search scoring weights
const (
	scoreExactName    = 2.0
	scoreNameMatch    = 1.5
	scoreContentMatch = 1.0
	fuzzyThreshold    = 0.8
)

// Search performs lexical search over names and serialized content of
// latest-version entities. "*" matches everything (optionally filtered by
// type); otherwise case-insensitive substring match against the name, then
// against the serialized content, with a fuzzy bonus when the query is
// close to the name.
func (m *Memory) Search(ctx context.Context, query string, types []model.EntityType, limit int) ([]SearchResult, error) {
	latest, err := m.ListLatest(ctx, types)
	if err != nil {
		return nil, err
	}
	return searchEntities(query, latest, limit), nil
}

// searchEntities scores latest-version entities against a query; shared by
// every backend
func searchEntities(query string, latest []*model.Entity, limit int) []SearchResult {
	if query == "*" {
		results := make([]SearchResult, 0, len(latest))
		for _, e := range latest {
			results = append(results, SearchResult{Entity: e, Score: scoreContentMatch})
		}
		return capResults(results, limit)
	}

	q := strings.ToLower(query)
	var results []SearchResult
	for _, e := range latest {
		name := strings.ToLower(e.Name)
		var score float64
		switch {
		case name == q:
			score = scoreExactName
		case strings.Contains(name, q):
			score = scoreNameMatch
		default:
			raw, err := json.Marshal(e.Content)
			if err == nil && strings.Contains(strings.ToLower(string(raw)), q) {
				score = scoreContentMatch
			}
		}
		if ratio := similarityRatio(q, name); ratio >= fuzzyThreshold {
			score += ratio
		}
		if score > 0 {
			results = append(results, SearchResult{Entity: e, Score: score})
		}
	}
	return capResults(results, limit)
}

func capResults(results []SearchResult, limit int) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entity.ID < results[j].Entity.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// similarityRatio is the classic 2*M/T sequence-match ratio, with M the
// length of the longest common subsequence of a and b
func similarityRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// LCS over bytes; two rows are enough
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(b)]
	return 2.0 * float64(lcs) / float64(len(a)+len(b))
}

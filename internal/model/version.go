package model

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Version strings have the shape "<UTC timestamp>Z-<user_id>", e.g.
// "2025-01-01T12:00:00.000123Z-alice". The timestamp carries microsecond
// precision so a single producer never issues two identical strings; the
// issuer bumps the clock when the wall clock has not moved.

const versionTimeLayout = "2006-01-02T15:04:05.000000"

var versionRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z-.+$`)

type versionIssuer struct {
	mu   sync.Mutex
	last time.Time
}

func (vi *versionIssuer) next() time.Time {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(vi.last) {
		now = vi.last.Add(time.Microsecond)
	}
	vi.last = now
	return now
}

var defaultIssuer versionIssuer

// NewVersion returns a fresh version string for the given user.
// Successive calls within one process are guaranteed distinct and
// lexicographically increasing for the same user.
func NewVersion(userID string) string {
	return FormatVersion(defaultIssuer.next(), userID)
}

// FormatVersion renders a version string from its parts
func FormatVersion(t time.Time, userID string) string {
	return t.UTC().Format(versionTimeLayout) + "Z-" + userID
}

// ParseVersion splits a version string into its timestamp and user id.
// Exactly one literal "Z-" separates the two.
func ParseVersion(v string) (time.Time, string, error) {
	if !versionRe.MatchString(v) {
		return time.Time{}, "", fmt.Errorf("malformed version string %q", v)
	}
	ts, user, _ := strings.Cut(v, "Z-")
	for _, layout := range []string{
		versionTimeLayout,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), user, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("malformed version timestamp %q", ts)
}

// Changes carries the edits applied when deriving a child version
type Changes struct {
	Name    string  // empty keeps the parent's name
	Content Content // key-wise override of the parent's content
}

// CreateChild derives a new entity version from parent. The parent's
// content is copied and changes.Content overrides it key by key (no deep
// merge). The child's parent list is the parent's list plus the parent
// itself, and the editor becomes the version's user.
func CreateChild(parent *Entity, userID string, changes Changes) *Entity {
	content := parent.Content.Clone()
	for k, v := range changes.Content {
		content[k] = v
	}

	name := parent.Name
	if changes.Name != "" {
		name = changes.Name
	}

	parents := make([]string, 0, len(parent.ParentVersions)+1)
	parents = append(parents, parent.ParentVersions...)
	parents = append(parents, parent.Version)

	now := time.Now().UTC()
	return &Entity{
		ID:             parent.ID,
		Version:        NewVersion(userID),
		EntityType:     parent.EntityType,
		Name:           name,
		Content:        content,
		SourceType:     parent.SourceType,
		UserID:         userID,
		ParentVersions: parents,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

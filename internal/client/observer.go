package client

import (
	"time"

	"github.com/inbetweenies/inbetweenies/internal/protocol"
)

// EventType names a sync lifecycle event
type EventType string

const (
	EventSyncStarted      EventType = "sync_started"
	EventSyncComplete     EventType = "sync_complete"
	EventSyncFailed       EventType = "sync_failed"
	EventSyncDisconnected EventType = "sync_disconnected"
)

// Event is delivered to observers during sync
type Event struct {
	Type     EventType
	Err      error
	Progress *SyncProgress
}

// Observer receives sync lifecycle events
type Observer func(Event)

// SyncProgress tracks one sync operation
type SyncProgress struct {
	TotalEntities       int                     `json:"total_entities"`
	SyncedEntities      int                     `json:"synced_entities"`
	TotalRelationships  int                     `json:"total_relationships"`
	SyncedRelationships int                     `json:"synced_relationships"`
	Conflicts           []protocol.ConflictInfo `json:"conflicts"`
	Errors              []string                `json:"errors"`
	StartTime           time.Time               `json:"start_time"`
	EndTime             time.Time               `json:"end_time"`
}

func newProgress() *SyncProgress {
	return &SyncProgress{StartTime: time.Now().UTC()}
}

func (p *SyncProgress) finish() {
	p.EndTime = time.Now().UTC()
}

// Duration is the wall time of the operation
func (p *SyncProgress) Duration() time.Duration {
	if p.EndTime.IsZero() {
		return time.Since(p.StartTime)
	}
	return p.EndTime.Sub(p.StartTime)
}

// EntityPercent is the entity completion percentage
func (p *SyncProgress) EntityPercent() float64 {
	if p.TotalEntities == 0 {
		return 100
	}
	return float64(p.SyncedEntities) / float64(p.TotalEntities) * 100
}

// merge folds another progress report into this one
func (p *SyncProgress) merge(other *SyncProgress) {
	p.TotalEntities += other.TotalEntities
	p.SyncedEntities += other.SyncedEntities
	p.TotalRelationships += other.TotalRelationships
	p.SyncedRelationships += other.SyncedRelationships
	p.Conflicts = append(p.Conflicts, other.Conflicts...)
	p.Errors = append(p.Errors, other.Errors...)
	if other.EndTime.After(p.EndTime) {
		p.EndTime = other.EndTime
	}
}

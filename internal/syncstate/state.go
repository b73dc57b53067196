// Package syncstate keeps the durable per-client sync state: the pending
// change queue, vector clock, sync history, conflict log, metrics, and
// retry schedule. State survives restarts through a single JSON file.
package syncstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

// Retry schedule: base doubles per consecutive failure up to the cap
const (
	retryBase = 30 * time.Second
	retryCap  = 1920 * time.Second
)

const stateFile = "state.json"

// ErrNotPending is returned when a change id is not in the queue
var ErrNotPending = errors.New("change not pending")

// ChangeType classifies a queued local mutation
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// PendingChange is one queued local mutation awaiting server acknowledgement
type PendingChange struct {
	ChangeID         string              `json:"change_id"`
	ChangeType       ChangeType          `json:"change_type"`
	EntityID         string              `json:"entity_id,omitempty"`
	EntityData       *model.Entity       `json:"entity_data,omitempty"`
	RelationshipData *model.Relationship `json:"relationship_data,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	Attempts         int                 `json:"attempts"`
	LastError        string              `json:"last_error,omitempty"`
}

// HistoryEntry records one sync attempt
type HistoryEntry struct {
	DeviceID            string     `json:"device_id"`
	SyncType            string     `json:"sync_type"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	Success             bool       `json:"success"`
	EntitiesSynced      int        `json:"entities_synced"`
	RelationshipsSynced int        `json:"relationships_synced"`
	Conflicts           int        `json:"conflicts"`
	Error               string     `json:"error,omitempty"`
}

// ConflictEntry records one conflict seen during sync
type ConflictEntry struct {
	EntityID           string     `json:"entity_id"`
	LocalVersion       string     `json:"local_version"`
	RemoteVersion      string     `json:"remote_version"`
	ResolutionStrategy string     `json:"resolution_strategy"`
	ResolvedVersion    string     `json:"resolved_version,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

// Metadata is the per-client sync bookkeeping
type Metadata struct {
	ClientID        string            `json:"client_id"`
	ServerURL       string            `json:"server_url"`
	LastSyncTime    *time.Time        `json:"last_sync_time,omitempty"`
	LastSyncSuccess *time.Time        `json:"last_sync_success,omitempty"`
	LastSyncError   string            `json:"last_sync_error,omitempty"`
	SyncFailures    int               `json:"sync_failures"`
	TotalSyncs      int               `json:"total_syncs"`
	TotalConflicts  int               `json:"total_conflicts"`
	SyncInProgress  bool              `json:"sync_in_progress"`
	NextRetryTime   *time.Time        `json:"next_retry_time,omitempty"`
	VectorClock     model.VectorClock `json:"vector_clock"`
}

// Metrics are running totals over all attempts
type Metrics struct {
	TotalSyncs          int           `json:"total_syncs"`
	SuccessfulSyncs     int           `json:"successful_syncs"`
	FailedSyncs         int           `json:"failed_syncs"`
	TotalConflicts      int           `json:"total_conflicts"`
	TotalDuration       time.Duration `json:"total_duration"`
	AverageSyncDuration time.Duration `json:"average_sync_duration"`
}

// state is the serialized shape of the whole manager
type state struct {
	Metadata  Metadata        `json:"metadata"`
	Pending   []PendingChange `json:"pending"`
	History   []HistoryEntry  `json:"history"`
	Conflicts []ConflictEntry `json:"conflicts"`
	Metrics   Metrics         `json:"metrics"`
}

// Manager owns the durable client sync state. All mutating calls persist
// before returning.
type Manager struct {
	mu   sync.Mutex
	dir  string
	data state
}

// Open loads or initializes the state directory
func Open(dir, clientID, serverURL string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	m := &Manager{dir: dir}

	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &m.data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", stateFile, err)
		}
	case os.IsNotExist(err):
		m.data = state{
			Metadata: Metadata{
				ClientID:    clientID,
				ServerURL:   serverURL,
				VectorClock: model.NewVectorClock(),
			},
		}
	default:
		return nil, err
	}

	// A crash mid-sync must not wedge the busy flag forever
	if m.data.Metadata.SyncInProgress {
		log.Warn().Msg("clearing stale sync-in-progress flag from previous run")
		m.data.Metadata.SyncInProgress = false
	}
	if m.data.Metadata.VectorClock.Clocks == nil {
		m.data.Metadata.VectorClock = model.NewVectorClock()
	}

	return m, m.flushLocked()
}

// flushLocked persists the state atomically; callers hold m.mu (or are in
// single-threaded setup)
func (m *Manager) flushLocked() error {
	raw, err := json.MarshalIndent(&m.data, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Metadata returns a snapshot of the client bookkeeping
func (m *Manager) Metadata() Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.data.Metadata
	meta.VectorClock = m.data.Metadata.VectorClock.Clone()
	return meta
}

// AddPending queues a local mutation. The queue is FIFO by creation time;
// retries keep their slot.
func (m *Manager) AddPending(c PendingChange) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ChangeID == "" {
		c.ChangeID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.data.Pending = append(m.data.Pending, c)
	return c.ChangeID, m.flushLocked()
}

// Pending returns the queue in FIFO order
func (m *Manager) Pending() []PendingChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingChange, len(m.data.Pending))
	copy(out, m.data.Pending)
	return out
}

// MarkSynced removes an acknowledged change from the queue
func (m *Manager) MarkSynced(changeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.data.Pending {
		if m.data.Pending[i].ChangeID == changeID {
			m.data.Pending = append(m.data.Pending[:i], m.data.Pending[i+1:]...)
			return m.flushLocked()
		}
	}
	return ErrNotPending
}

// MarkFailed increments the attempt count and records the error; the
// change keeps its queue slot
func (m *Manager) MarkFailed(changeID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.data.Pending {
		if m.data.Pending[i].ChangeID == changeID {
			m.data.Pending[i].Attempts++
			if cause != nil {
				m.data.Pending[i].LastError = cause.Error()
			}
			return m.flushLocked()
		}
	}
	return ErrNotPending
}

// UpdateVectorClock records a device's newest observed version
func (m *Manager) UpdateVectorClock(deviceID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Metadata.VectorClock.Update(deviceID, version)
	return m.flushLocked()
}

// MergeVectorClock folds a remote clock into the local one
func (m *Manager) MergeVectorClock(other model.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Metadata.VectorClock.Merge(other)
	return m.flushLocked()
}

// VectorClock returns a copy of the local clock
func (m *Manager) VectorClock() model.VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Metadata.VectorClock.Clone()
}

// TryBeginSync acquires the single-writer token. A second concurrent
// caller gets false and must surface a busy error instead of queueing.
func (m *Manager) TryBeginSync() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data.Metadata.SyncInProgress {
		return false, nil
	}
	now := time.Now().UTC()
	m.data.Metadata.SyncInProgress = true
	m.data.Metadata.LastSyncTime = &now
	return true, m.flushLocked()
}

// FinishSync releases the token and records the attempt outcome. Success
// zeroes the failure counter and clears the retry schedule; failure
// advances the backoff ladder.
func (m *Manager) FinishSync(entry HistoryEntry, syncErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if entry.CompletedAt == nil {
		entry.CompletedAt = &now
	}
	entry.Success = syncErr == nil
	if syncErr != nil {
		entry.Error = syncErr.Error()
	}
	m.data.History = append(m.data.History, entry)

	meta := &m.data.Metadata
	meta.SyncInProgress = false
	meta.TotalSyncs++
	meta.TotalConflicts += entry.Conflicts

	m.data.Metrics.TotalSyncs++
	m.data.Metrics.TotalConflicts += entry.Conflicts
	m.data.Metrics.TotalDuration += entry.CompletedAt.Sub(entry.StartedAt)
	m.data.Metrics.AverageSyncDuration = m.data.Metrics.TotalDuration / time.Duration(m.data.Metrics.TotalSyncs)

	if syncErr == nil {
		meta.LastSyncSuccess = &now
		meta.LastSyncError = ""
		meta.SyncFailures = 0
		meta.NextRetryTime = nil
		m.data.Metrics.SuccessfulSyncs++
	} else {
		meta.LastSyncError = syncErr.Error()
		meta.SyncFailures++
		next := now.Add(backoff(meta.SyncFailures))
		meta.NextRetryTime = &next
		m.data.Metrics.FailedSyncs++
	}
	return m.flushLocked()
}

// backoff returns the delay before the nth consecutive retry (n starting
// at 1): 30, 60, 120, 240, 480, 960, 1920 s, capped thereafter
func backoff(failures int) time.Duration {
	d := retryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

// RecordConflict appends to the conflict log
func (m *Manager) RecordConflict(c ConflictEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.data.Conflicts = append(m.data.Conflicts, c)
	return m.flushLocked()
}

// Conflicts returns the conflict log, oldest first
func (m *Manager) Conflicts() []ConflictEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConflictEntry, len(m.data.Conflicts))
	copy(out, m.data.Conflicts)
	return out
}

// History returns sync attempts, oldest first
func (m *Manager) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.data.History))
	copy(out, m.data.History)
	return out
}

// ClearOldHistory drops history entries older than the cutoff
func (m *Manager) ClearOldHistory(days int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	kept := m.data.History[:0]
	for _, e := range m.data.History {
		if !e.StartedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.data.History = kept
	return m.flushLocked()
}

// Metrics returns a snapshot of the running totals
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Metrics
}

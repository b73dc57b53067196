// Package client drives the sync protocol against a server: it stages
// local mutations through the state manager, exchanges them over HTTP,
// applies the server's changes into the local store, and schedules
// periodic sync with retry and offline detection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/conflict"
	"github.com/inbetweenies/inbetweenies/internal/model"
	"github.com/inbetweenies/inbetweenies/internal/protocol"
	"github.com/inbetweenies/inbetweenies/internal/store"
	"github.com/inbetweenies/inbetweenies/internal/syncstate"
)

var (
	// ErrOffline is returned for remote operations while the offline
	// latch is set; it clears when CheckConnectivity succeeds
	ErrOffline = errors.New("client is offline")
	// ErrSyncInProgress is returned when a sync is requested while
	// another one holds the single-writer token
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Network calls time out after this long; a timeout counts as a failure
// for retry scheduling
const defaultTimeout = 30 * time.Second

// Client syncs a local store against a server
type Client struct {
	BaseURL  string
	DeviceID string
	UserID   string

	// Token authenticates requests; DebugSub is the dev-mode fallback
	Token    string
	DebugSub string

	Store store.Store
	State *syncstate.Manager
	HTTP  *http.Client

	observers []Observer
	offline   bool
}

// New creates a client with the default timeout
func New(baseURL, deviceID, userID string, s store.Store, state *syncstate.Manager) *Client {
	return &Client{
		BaseURL:  baseURL,
		DeviceID: deviceID,
		UserID:   userID,
		Store:    s,
		State:    state,
		HTTP:     &http.Client{Timeout: defaultTimeout},
	}
}

// Subscribe registers an observer for sync lifecycle events
func (c *Client) Subscribe(o Observer) {
	c.observers = append(c.observers, o)
}

func (c *Client) emit(e Event) {
	for _, o := range c.observers {
		o(e)
	}
}

// IsOffline reports the offline latch
func (c *Client) IsOffline() bool { return c.offline }

// CheckConnectivity probes the server health endpoint and updates the
// offline latch accordingly
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		c.setOffline(true)
		return false
	}
	resp.Body.Close()
	c.setOffline(false)
	return true
}

func (c *Client) setOffline(offline bool) {
	if offline && !c.offline {
		log.Warn().Msg("server unreachable, entering offline mode")
		c.emit(Event{Type: EventSyncDisconnected})
	}
	c.offline = offline
}

// Sync pushes the pending queue and pulls the server's changes. Delta
// when a prior success exists, full otherwise. Returns ErrSyncInProgress
// when another sync holds the token and ErrOffline when the latch is set.
func (c *Client) Sync(ctx context.Context) (*SyncProgress, error) {
	if c.offline {
		return nil, ErrOffline
	}
	ok, err := c.State.TryBeginSync()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSyncInProgress
	}

	meta := c.State.Metadata()
	syncType := protocol.SyncFull
	if meta.LastSyncSuccess != nil {
		syncType = protocol.SyncDelta
	}

	progress := newProgress()
	c.emit(Event{Type: EventSyncStarted})

	pending := c.State.Pending()
	req := c.newRequest(syncType)
	req.Changes = changesFromPending(pending)
	progress.TotalEntities = len(req.Changes)

	resp, err := c.post(ctx, req)
	if err != nil {
		progress.finish()
		progress.Errors = append(progress.Errors, err.Error())
		c.finishAttempt(string(syncType), progress, err)
		return progress, err
	}

	// Everything the server acknowledged leaves the queue
	for _, p := range pending {
		if err := c.State.MarkSynced(p.ChangeID); err != nil {
			log.Warn().Err(err).Str("change_id", p.ChangeID).Msg("pending entry vanished")
		}
	}
	progress.SyncedEntities = len(pending)

	if err := c.applyResponse(ctx, resp, progress); err != nil {
		progress.finish()
		c.finishAttempt(string(syncType), progress, err)
		return progress, err
	}

	progress.finish()
	c.finishAttempt(string(syncType), progress, nil)
	return progress, nil
}

// SyncEntities pulls entities, delta when since is set. This specialized
// path sends no local changes.
func (c *Client) SyncEntities(ctx context.Context, types []string, since *time.Time) (*SyncProgress, error) {
	syncType := protocol.SyncFull
	if since != nil {
		syncType = protocol.SyncDelta
	}
	req := c.newRequest(syncType)
	if len(types) > 0 || since != nil {
		req.Filters = &protocol.SyncFilters{EntityTypes: types, Since: since}
	}
	return c.pull(ctx, req)
}

// SyncRelationships pulls relationships, optionally anchored at an entity
func (c *Client) SyncRelationships(ctx context.Context, entityID string) (*SyncProgress, error) {
	req := c.newRequest(protocol.SyncRelationships)
	_ = entityID // the server returns all edges; local filtering happens on read
	return c.pull(ctx, req)
}

// FullSync composes entity and relationship pulls into one progress report
func (c *Client) FullSync(ctx context.Context) (*SyncProgress, error) {
	entities, err := c.SyncEntities(ctx, nil, nil)
	if err != nil {
		return entities, err
	}
	rels, err := c.SyncRelationships(ctx, "")
	if err != nil {
		return rels, err
	}
	entities.merge(rels)
	return entities, nil
}

// ResolveConflicts fetches pending manual conflicts from the server and
// resolves each with the strategy
func (c *Client) ResolveConflicts(ctx context.Context, strategy conflict.Strategy) ([]string, error) {
	if c.offline {
		return nil, ErrOffline
	}

	var listing struct {
		Conflicts []conflict.PendingConflict `json:"conflicts"`
	}
	if err := c.getJSON(ctx, "/api/v1/sync/conflicts", &listing); err != nil {
		return nil, err
	}

	resolved := make([]string, 0, len(listing.Conflicts))
	for _, pc := range listing.Conflicts {
		body, err := json.Marshal(map[string]string{"strategy": string(strategy)})
		if err != nil {
			return resolved, err
		}
		path := fmt.Sprintf("/api/v1/sync/conflicts/%s/resolve", pc.ID)
		if err := c.postJSON(ctx, path, body, nil); err != nil {
			return resolved, err
		}
		resolved = append(resolved, pc.EntityID)
	}
	return resolved, nil
}

func (c *Client) pull(ctx context.Context, req *protocol.SyncRequest) (*SyncProgress, error) {
	if c.offline {
		return nil, ErrOffline
	}
	progress := newProgress()
	c.emit(Event{Type: EventSyncStarted})

	resp, err := c.post(ctx, req)
	if err != nil {
		progress.finish()
		progress.Errors = append(progress.Errors, err.Error())
		c.emit(Event{Type: EventSyncFailed, Err: err})
		return progress, err
	}
	if err := c.applyResponse(ctx, resp, progress); err != nil {
		progress.finish()
		c.emit(Event{Type: EventSyncFailed, Err: err})
		return progress, err
	}
	progress.finish()
	c.emit(Event{Type: EventSyncComplete, Progress: progress})
	return progress, nil
}

func (c *Client) newRequest(syncType protocol.SyncType) *protocol.SyncRequest {
	clock := c.State.VectorClock()
	return &protocol.SyncRequest{
		ProtocolVersion: protocol.ProtocolVersion,
		DeviceID:        c.DeviceID,
		UserID:          c.UserID,
		SyncType:        syncType,
		VectorClock:     protocol.VectorClock{Clocks: clock.Clocks},
		Changes:         []protocol.SyncChange{},
	}
}

// applyResponse folds the server's changes into the local store
func (c *Client) applyResponse(ctx context.Context, resp *protocol.SyncResponse, progress *SyncProgress) error {
	for i := range resp.Changes {
		ch := &resp.Changes[i]
		switch ch.ChangeType {
		case protocol.ChangeCreate, protocol.ChangeUpdate:
			if ch.Entity != nil {
				ent, err := protocol.EntityFromWire(ch.Entity)
				if err != nil {
					progress.Errors = append(progress.Errors, err.Error())
					continue
				}
				if err := c.Store.StoreEntity(ctx, ent); err != nil && err != store.ErrVersionMismatch {
					return err
				}
				progress.TotalEntities++
				progress.SyncedEntities++
			}
		case protocol.ChangeDelete:
			if ch.Entity != nil {
				if err := c.Store.DeleteEntity(ctx, ch.Entity.ID, c.UserID); err != nil && err != store.ErrNotFound {
					return err
				}
			}
		}
		for j := range ch.Relationships {
			rel, err := protocol.RelationshipFromWire(&ch.Relationships[j])
			if err != nil {
				progress.Errors = append(progress.Errors, err.Error())
				continue
			}
			if err := c.Store.StoreRelationship(ctx, rel); err != nil {
				if err == store.ErrInvalidRelationship {
					progress.Errors = append(progress.Errors, err.Error())
					continue
				}
				return err
			}
			progress.TotalRelationships++
			progress.SyncedRelationships++
		}
	}

	for _, ci := range resp.Conflicts {
		progress.Conflicts = append(progress.Conflicts, ci)
		if err := c.State.RecordConflict(syncstate.ConflictEntry{
			EntityID:           ci.EntityID,
			LocalVersion:       ci.LocalVersion,
			RemoteVersion:      ci.RemoteVersion,
			ResolutionStrategy: ci.ResolutionStrategy,
			ResolvedVersion:    ci.ResolvedVersion,
		}); err != nil {
			return err
		}
	}

	return c.State.MergeVectorClock(model.VectorClock{Clocks: resp.VectorClock.Clocks})
}

func (c *Client) finishAttempt(syncType string, progress *SyncProgress, syncErr error) {
	entry := syncstate.HistoryEntry{
		DeviceID:            c.DeviceID,
		SyncType:            syncType,
		StartedAt:           progress.StartTime,
		CompletedAt:         &progress.EndTime,
		EntitiesSynced:      progress.SyncedEntities,
		RelationshipsSynced: progress.SyncedRelationships,
		Conflicts:           len(progress.Conflicts),
	}
	if err := c.State.FinishSync(entry, syncErr); err != nil {
		log.Error().Err(err).Msg("failed to record sync attempt")
	}
	if syncErr != nil {
		c.emit(Event{Type: EventSyncFailed, Err: syncErr})
	} else {
		c.emit(Event{Type: EventSyncComplete, Progress: progress})
	}
}

// post sends a sync request, retrying transient transport failures with
// exponential backoff, bounded by the call's context deadline
func (c *Client) post(ctx context.Context, syncReq *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	body, err := json.Marshal(syncReq)
	if err != nil {
		return nil, err
	}

	var out protocol.SyncResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/sync/", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.authorize(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err // transport errors retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&out)
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error: %s", resp.Status)
		default:
			// Protocol errors never succeed on retry
			raw, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("sync rejected: %s: %s", resp.Status, raw))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		c.setOffline(true)
		return nil, err
	}
	c.setOffline(false)
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.setOffline(true)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.setOffline(true)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s: %s", resp.Status, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.DebugSub != "" {
		req.Header.Set("X-Debug-Sub", c.DebugSub)
	}
}

// changesFromPending converts queued mutations into wire changes
func changesFromPending(pending []syncstate.PendingChange) []protocol.SyncChange {
	changes := make([]protocol.SyncChange, 0, len(pending))
	for _, p := range pending {
		ch := protocol.SyncChange{ChangeType: protocol.ChangeType(p.ChangeType)}
		switch {
		case p.ChangeType == syncstate.ChangeDelete:
			ch.Entity = &protocol.EntityChange{ID: p.EntityID}
		case p.EntityData != nil:
			ch.Entity = protocol.EntityToWire(p.EntityData)
		}
		if p.RelationshipData != nil {
			ch.Relationships = []protocol.RelationshipChange{protocol.RelationshipToWire(p.RelationshipData)}
		}
		if ch.Entity == nil && len(ch.Relationships) == 0 {
			continue
		}
		changes = append(changes, ch)
	}
	return changes
}

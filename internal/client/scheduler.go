package client

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs periodic background syncs. Each tick performs a delta
// sync when a prior success exists, a full sync otherwise; the run loop
// is cancellable at its sleep boundary.
type Scheduler struct {
	Client   *Client
	Interval time.Duration
}

// NewScheduler creates a scheduler over the client
func NewScheduler(c *Client, interval time.Duration) *Scheduler {
	return &Scheduler{Client: c, Interval: interval}
}

// Run loops until the context is cancelled. Retry scheduling from the
// state manager is respected: ticks before next_retry_time are skipped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Client.emit(Event{Type: EventSyncFailed, Err: errors.New("cancelled")})
			return
		case <-ticker.C:
		}

		meta := s.Client.State.Metadata()
		if meta.NextRetryTime != nil && time.Now().UTC().Before(*meta.NextRetryTime) {
			continue
		}

		if s.Client.IsOffline() {
			if !s.Client.CheckConnectivity(ctx) {
				continue
			}
		}

		if _, err := s.Client.Sync(ctx); err != nil {
			if err == ErrSyncInProgress {
				continue
			}
			log.Warn().Err(err).Msg("background sync failed")
		}
	}
}

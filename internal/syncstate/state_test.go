package syncstate

import (
	"errors"
	"testing"
	"time"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

func openTest(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir(), "client-1", "http://localhost:8080")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPendingQueueFIFO(t *testing.T) {
	m := openTest(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.AddPending(PendingChange{ChangeType: ChangeCreate})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	pending := m.Pending()
	if len(pending) != 3 {
		t.Fatalf("queue length = %d", len(pending))
	}
	for i, p := range pending {
		if p.ChangeID != ids[i] {
			t.Errorf("slot %d = %s, want %s", i, p.ChangeID, ids[i])
		}
	}

	// A failed change keeps its slot
	if err := m.MarkFailed(ids[0], errors.New("timeout")); err != nil {
		t.Fatal(err)
	}
	pending = m.Pending()
	if pending[0].ChangeID != ids[0] || pending[0].Attempts != 1 || pending[0].LastError != "timeout" {
		t.Errorf("failed change = %+v", pending[0])
	}

	// An acknowledged change leaves the queue
	if err := m.MarkSynced(ids[1]); err != nil {
		t.Fatal(err)
	}
	pending = m.Pending()
	if len(pending) != 2 || pending[0].ChangeID != ids[0] || pending[1].ChangeID != ids[2] {
		t.Errorf("queue after ack = %+v", pending)
	}

	if err := m.MarkSynced("no-such-change"); err != ErrNotPending {
		t.Errorf("unknown ack error = %v", err)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "client-1", "http://localhost:8080")
	if err != nil {
		t.Fatal(err)
	}

	id, _ := m.AddPending(PendingChange{ChangeType: ChangeUpdate, EntityID: "e1"})
	if err := m.UpdateVectorClock("dev-1", "2025-01-01T00:00:00.000000Z-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordConflict(ConflictEntry{EntityID: "e1", ResolutionStrategy: "merge"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, "client-1", "http://localhost:8080")
	if err != nil {
		t.Fatal(err)
	}
	if p := reopened.Pending(); len(p) != 1 || p[0].ChangeID != id {
		t.Errorf("pending lost: %+v", p)
	}
	if v := reopened.VectorClock().Get("dev-1"); v != "2025-01-01T00:00:00.000000Z-a" {
		t.Errorf("clock lost: %q", v)
	}
	if c := reopened.Conflicts(); len(c) != 1 || c[0].EntityID != "e1" {
		t.Errorf("conflict log lost: %+v", c)
	}
}

func TestBusyFlag(t *testing.T) {
	m := openTest(t)

	ok, err := m.TryBeginSync()
	if err != nil || !ok {
		t.Fatalf("first begin: ok=%v err=%v", ok, err)
	}
	ok, err = m.TryBeginSync()
	if err != nil || ok {
		t.Fatalf("second begin should be busy: ok=%v err=%v", ok, err)
	}

	if err := m.FinishSync(HistoryEntry{DeviceID: "dev-1", SyncType: "delta", StartedAt: time.Now().UTC()}, nil); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.TryBeginSync(); !ok {
		t.Error("still busy after finish")
	}
}

func TestBusyFlagClearedOnReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "client-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.TryBeginSync(); !ok {
		t.Fatal("begin failed")
	}

	// Simulate a crash mid-sync: reopen without FinishSync
	reopened, err := Open(dir, "client-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := reopened.TryBeginSync(); !ok {
		t.Error("busy flag survived the restart")
	}
}

func TestRetryBackoffLadder(t *testing.T) {
	want := []time.Duration{
		30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second,
		480 * time.Second, 960 * time.Second, 1920 * time.Second,
		1920 * time.Second, // capped
	}
	for i, w := range want {
		if got := backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestFailureSchedulesRetrySuccessClearsIt(t *testing.T) {
	m := openTest(t)

	start := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if ok, _ := m.TryBeginSync(); !ok {
			t.Fatal("busy")
		}
		if err := m.FinishSync(HistoryEntry{DeviceID: "dev-1", SyncType: "delta", StartedAt: start}, errors.New("offline")); err != nil {
			t.Fatal(err)
		}
	}

	meta := m.Metadata()
	if meta.SyncFailures != 3 {
		t.Errorf("failures = %d", meta.SyncFailures)
	}
	if meta.NextRetryTime == nil {
		t.Fatal("no retry scheduled")
	}
	// Third consecutive failure waits 120s
	wait := meta.NextRetryTime.Sub(time.Now().UTC())
	if wait < 110*time.Second || wait > 130*time.Second {
		t.Errorf("retry wait = %v, want about 120s", wait)
	}
	if meta.LastSyncError != "offline" || meta.LastSyncSuccess != nil {
		t.Errorf("metadata = %+v", meta)
	}

	// A success zeroes failures and clears the schedule
	if ok, _ := m.TryBeginSync(); !ok {
		t.Fatal("busy")
	}
	if err := m.FinishSync(HistoryEntry{DeviceID: "dev-1", SyncType: "delta", StartedAt: start}, nil); err != nil {
		t.Fatal(err)
	}
	meta = m.Metadata()
	if meta.SyncFailures != 0 || meta.NextRetryTime != nil || meta.LastSyncSuccess == nil || meta.LastSyncError != "" {
		t.Errorf("metadata after success = %+v", meta)
	}
}

func TestHistoryAndMetrics(t *testing.T) {
	m := openTest(t)

	start := time.Now().UTC().Add(-2 * time.Second)
	done := start.Add(time.Second)
	if ok, _ := m.TryBeginSync(); !ok {
		t.Fatal("busy")
	}
	if err := m.FinishSync(HistoryEntry{
		DeviceID: "dev-1", SyncType: "delta", StartedAt: start, CompletedAt: &done,
		EntitiesSynced: 5, Conflicts: 1,
	}, nil); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.TryBeginSync(); !ok {
		t.Fatal("busy")
	}
	done2 := start.Add(3 * time.Second)
	if err := m.FinishSync(HistoryEntry{
		DeviceID: "dev-1", SyncType: "delta", StartedAt: start, CompletedAt: &done2,
	}, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	hist := m.History()
	if len(hist) != 2 || !hist[0].Success || hist[1].Success || hist[1].Error != "boom" {
		t.Fatalf("history = %+v", hist)
	}

	metrics := m.Metrics()
	if metrics.TotalSyncs != 2 || metrics.SuccessfulSyncs != 1 || metrics.FailedSyncs != 1 ||
		metrics.TotalConflicts != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
	// Arithmetic mean of 1s and 3s
	if metrics.AverageSyncDuration != 2*time.Second {
		t.Errorf("average duration = %v", metrics.AverageSyncDuration)
	}
}

func TestClearOldHistory(t *testing.T) {
	m := openTest(t)

	old := time.Now().UTC().AddDate(0, 0, -30)
	recent := time.Now().UTC()
	for _, started := range []time.Time{old, recent} {
		if ok, _ := m.TryBeginSync(); !ok {
			t.Fatal("busy")
		}
		if err := m.FinishSync(HistoryEntry{DeviceID: "dev-1", SyncType: "full", StartedAt: started}, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.ClearOldHistory(7); err != nil {
		t.Fatal(err)
	}
	hist := m.History()
	if len(hist) != 1 || !hist[0].StartedAt.Equal(recent) {
		t.Errorf("history after prune = %+v", hist)
	}
}

func TestVectorClockMerge(t *testing.T) {
	m := openTest(t)

	if err := m.UpdateVectorClock("dev-1", "b"); err != nil {
		t.Fatal(err)
	}
	other := model.NewVectorClock()
	other.Update("dev-1", "a") // older, must not regress
	other.Update("dev-2", "z")
	if err := m.MergeVectorClock(other); err != nil {
		t.Fatal(err)
	}

	clock := m.VectorClock()
	if clock.Get("dev-1") != "b" || clock.Get("dev-2") != "z" {
		t.Errorf("clock = %+v", clock)
	}
}

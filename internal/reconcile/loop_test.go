package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ttlock-bridge/backend/internal/auth"
	"github.com/ttlock-bridge/backend/internal/logging"
	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
)

type fakeCloud struct {
	mu       sync.Mutex
	locks    []ttlock.LockSummary
	listErr  error
	states   map[string]models.LockState
	failures map[string]error
	block    chan struct{}
	queried  []string
}

func (f *fakeCloud) ListLocks(context.Context) ([]ttlock.LockSummary, error) {
	return f.locks, f.listErr
}

func (f *fakeCloud) LockDetail(ctx context.Context, id string) (ttlock.LockDetail, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ttlock.LockDetail{}, ctx.Err()
		}
	}
	if err := f.failures[id]; err != nil {
		return ttlock.LockDetail{}, err
	}
	battery := 64
	return ttlock.LockDetail{LockID: id, Name: "lock " + id, BatteryLevel: &battery, AutoLockSeconds: 10}, nil
}

func (f *fakeCloud) QueryState(_ context.Context, id string) (models.LockState, error) {
	f.mu.Lock()
	f.queried = append(f.queried, id)
	f.mu.Unlock()
	if st, ok := f.states[id]; ok {
		return st, nil
	}
	return models.LockStateLocked, nil
}

func (f *fakeCloud) PassageModeConfig(context.Context, string) (models.PassageModeSchedule, error) {
	return models.PassageModeSchedule{}, nil
}

type memoryInventory struct {
	mu    sync.Mutex
	saved map[string]models.ManagedLock
}

func (m *memoryInventory) Save(_ context.Context, lock models.ManagedLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]models.ManagedLock{}
	}
	m.saved[lock.LockID] = lock
	return nil
}

type fakeHealth struct {
	mu        sync.Mutex
	completed []int
	aborted   []error
}

func (h *fakeHealth) SweepCompleted(failed, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, failed)
}

func (h *fakeHealth) SweepAborted(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = append(h.aborted, err)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLoop(cloud Cloud, store *state.Store, h *fakeHealth, cfg Config) *Loop {
	return New(cloud, store, &memoryInventory{}, cfg, logging.Discard(),
		WithHealth(h), WithClock(func() time.Time { return t0 }))
}

func TestSweep_IsolatesPerLockFailures(t *testing.T) {
	store := state.NewStore(logging.Discard())
	store.Ensure("A", "Lock A")
	store.Ensure("B", "Lock B")
	battery := 90
	if _, _, err := store.Upsert("A", state.Update{
		Source: models.SourceWebhook, At: t0.Add(-time.Hour),
		State: state.Ptr(models.LockStateUnlocked), BatteryLevel: &battery,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, _ := store.Get("A")

	cloud := &fakeCloud{failures: map[string]error{"A": errors.New("gateway offline")}}
	h := &fakeHealth{}
	loop := newTestLoop(cloud, store, h, Config{})

	res, err := loop.Sweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Updated) != 1 || res.Updated[0] != "B" {
		t.Fatalf("expected only B updated, got %v", res.Updated)
	}
	if _, ok := res.Failed["A"]; !ok {
		t.Fatalf("expected A failure recorded, got %v", res.Failed)
	}

	after, _ := store.Get("A")
	if after.State != before.State || *after.BatteryLevel != *before.BatteryLevel || !after.LastEventAt.Equal(before.LastEventAt) {
		t.Fatalf("lock A must be unchanged: before %+v after %+v", before, after)
	}
	b, _ := store.Get("B")
	if b.State != models.LockStateLocked || b.LastSource != models.SourcePoll || b.Name != "lock B" {
		t.Fatalf("lock B must be updated, got %+v", b)
	}
	if len(h.completed) != 1 || h.completed[0] != 1 {
		t.Fatalf("expected one completed sweep with one failure, got %v", h.completed)
	}
}

func TestSweep_DiscoversAndPersists(t *testing.T) {
	store := state.NewStore(logging.Discard())
	inv := &memoryInventory{}
	cloud := &fakeCloud{locks: []ttlock.LockSummary{{LockID: "1", Name: "Front", MAC: "AA"}, {LockID: "2", Name: "Back"}}}
	loop := New(cloud, store, inv, Config{}, logging.Discard(), WithClock(func() time.Time { return t0 }))

	res, err := loop.Sweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Discovered != 2 || res.Total != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if inv.saved["1"].MAC != "AA" || len(inv.saved) != 2 {
		t.Fatalf("expected inventory saved, got %+v", inv.saved)
	}
	rec, err := store.Get("1")
	if err != nil || rec.State != models.LockStateLocked {
		t.Fatalf("expected lock 1 polled, got %+v %v", rec, err)
	}
	if rec.AutoLockSeconds != 10 || rec.PassageMode.Kind != models.PassageModeDisabled {
		t.Fatalf("unexpected attributes %+v", rec)
	}
}

func TestSweep_UnknownGatewayStateKeepsReading(t *testing.T) {
	store := state.NewStore(logging.Discard())
	store.Ensure("1", "Front")
	_, _, _ = store.Upsert("1", state.Update{Source: models.SourcePoll, At: t0.Add(-time.Hour), State: state.Ptr(models.LockStateLocked)})

	cloud := &fakeCloud{states: map[string]models.LockState{"1": models.LockStateUnknown}}
	loop := newTestLoop(cloud, store, &fakeHealth{}, Config{})
	if _, err := loop.Sweep(context.Background(), "test"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	rec, _ := store.Get("1")
	if rec.State != models.LockStateLocked {
		t.Fatalf("expected previous reading kept, got %s", rec.State)
	}
}

func TestSweep_AuthExpiredAborts(t *testing.T) {
	store := state.NewStore(logging.Discard())
	store.Ensure("1", "Front")
	cloud := &fakeCloud{listErr: fmt.Errorf("list: %w", auth.ErrAuthExpired)}
	h := &fakeHealth{}
	loop := newTestLoop(cloud, store, h, Config{})

	_, err := loop.Sweep(context.Background(), "test")
	if !errors.Is(err, auth.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if len(h.aborted) != 1 || len(h.completed) != 0 {
		t.Fatalf("expected an aborted sweep, got aborted=%v completed=%v", h.aborted, h.completed)
	}
	if len(cloud.queried) != 0 {
		t.Fatalf("no lock must be queried after auth failure, got %v", cloud.queried)
	}
}

func TestSweep_DiscoveryFailureFallsBackToKnownLocks(t *testing.T) {
	store := state.NewStore(logging.Discard())
	store.Ensure("1", "Front")
	cloud := &fakeCloud{listErr: errors.New("timeout")}
	loop := newTestLoop(cloud, store, &fakeHealth{}, Config{})

	res, err := loop.Sweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Updated) != 1 {
		t.Fatalf("expected known lock refreshed, got %+v", res)
	}
}

func TestSweep_TimeoutDiscardsResults(t *testing.T) {
	store := state.NewStore(logging.Discard())
	store.Ensure("1", "Front")
	cloud := &fakeCloud{block: make(chan struct{})}
	h := &fakeHealth{}
	loop := newTestLoop(cloud, store, h, Config{Timeout: 20 * time.Millisecond})

	_, err := loop.Sweep(context.Background(), "test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	rec, _ := store.Get("1")
	if rec.State != models.LockStateUnknown || !rec.LastEventAt.IsZero() {
		t.Fatalf("timed-out sweep must not write, got %+v", rec)
	}
	if len(h.aborted) != 1 {
		t.Fatalf("expected aborted sweep reported, got %v", h.aborted)
	}
}

func TestSweep_RejectsOverlap(t *testing.T) {
	store := state.NewStore(logging.Discard())
	store.Ensure("1", "Front")
	cloud := &fakeCloud{block: make(chan struct{})}
	loop := newTestLoop(cloud, store, &fakeHealth{}, Config{})

	if !loop.Trigger() {
		t.Fatal("expected first trigger to start")
	}
	if _, err := loop.Sweep(context.Background(), "test"); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("expected ErrSweepRunning, got %v", err)
	}
	close(cloud.block)
	loop.Stop()
}

func TestStartStop_RunsStartupSweep(t *testing.T) {
	store := state.NewStore(logging.Discard())
	cloud := &fakeCloud{locks: []ttlock.LockSummary{{LockID: "1", Name: "Front"}}}
	loop := newTestLoop(cloud, store, &fakeHealth{}, Config{Interval: time.Hour})

	if err := loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := loop.LastResult(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()

	if loop.Trigger() {
		t.Fatal("trigger after stop must be refused")
	}
	if rec, err := store.Get("1"); err != nil || rec.State != models.LockStateLocked {
		t.Fatalf("expected startup sweep to populate the store, got %+v %v", rec, err)
	}
}

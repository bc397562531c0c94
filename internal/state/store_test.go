package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ttlock-bridge/backend/internal/logging"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stateUpdate(src models.Source, at time.Time, st models.LockState) Update {
	return Update{Source: src, At: at, State: Ptr(st)}
}

func TestMerge_WebhookBeatsOlderPoll(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, stateUpdate(models.SourceWebhook, t0.Add(time.Minute), models.LockStateUnlocked))
	rec, changed := Merge(rec, stateUpdate(models.SourcePoll, t0, models.LockStateLocked))
	if changed {
		t.Fatal("older poll must not change the record")
	}
	if rec.State != models.LockStateUnlocked || rec.LastSource != models.SourceWebhook {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMerge_WebhookWinsTie(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, stateUpdate(models.SourcePoll, t0, models.LockStateLocked))
	rec, _ = Merge(rec, stateUpdate(models.SourceWebhook, t0, models.LockStateUnlocked))
	if rec.State != models.LockStateUnlocked {
		t.Fatalf("webhook must win a tie, got %s", rec.State)
	}
	rec, _ = Merge(rec, stateUpdate(models.SourcePoll, t0, models.LockStateLocked))
	if rec.State != models.LockStateUnlocked {
		t.Fatalf("poll must not beat webhook at the same time, got %s", rec.State)
	}
}

func TestMerge_ConvergesInAnyOrder(t *testing.T) {
	updates := []Update{
		stateUpdate(models.SourcePoll, t0, models.LockStateLocked),
		{Source: models.SourceWebhook, At: t0.Add(time.Minute), State: Ptr(models.LockStateUnlocked),
			Operator: &models.Operator{Identity: "alice", Method: models.MethodPasscode}},
		{Source: models.SourcePoll, At: t0.Add(2 * time.Minute), BatteryLevel: Ptr(80)},
		{Source: models.SourceWebhook, At: t0.Add(3 * time.Minute), BatteryLevel: Ptr(79)},
		stateUpdate(models.SourcePoll, t0.Add(30*time.Second), models.LockStateLocked),
		// Same instant, different fields.
		{Source: models.SourcePoll, At: t0.Add(4 * time.Minute), BatteryLevel: Ptr(78)},
		stateUpdate(models.SourceWebhook, t0.Add(4*time.Minute), models.LockStateLocked),
	}

	apply := func(order []int) models.LockRecord {
		rec := models.NewLockRecord("1", "Front")
		for _, i := range order {
			rec, _ = Merge(rec, updates[i])
		}
		return rec
	}

	want := apply([]int{0, 4, 1, 2, 3, 5, 6})
	orders := [][]int{
		{0, 4, 1, 2, 3, 6, 5},
		{6, 5, 4, 3, 2, 1, 0},
		{1, 0, 3, 4, 2, 5, 6},
		{2, 4, 0, 6, 3, 1, 5},
	}
	for _, order := range orders {
		got := apply(order)
		if !equalRecords(got, want) {
			t.Fatalf("order %v diverged: got %+v want %+v", order, got, want)
		}
	}
	if want.State != models.LockStateLocked || *want.BatteryLevel != 78 || want.LastOperator.Identity != "alice" {
		t.Fatalf("unexpected converged record %+v", want)
	}
	if !want.LastEventAt.Equal(t0.Add(4*time.Minute)) || want.LastSource != models.SourceWebhook {
		t.Fatalf("unexpected last event %s from %s", want.LastEventAt, want.LastSource)
	}
}

func TestMerge_IdenticalWebhookIsNoOp(t *testing.T) {
	upd := Update{
		Source:       models.SourceWebhook,
		At:           t0,
		State:        Ptr(models.LockStateUnlocked),
		BatteryLevel: Ptr(55),
		Operator:     &models.Operator{Identity: "bob", Method: models.MethodApp},
	}
	first, changed := Merge(models.NewLockRecord("1", "Front"), upd)
	if !changed {
		t.Fatal("first application must change the record")
	}
	second, changed := Merge(first, upd)
	if changed {
		t.Fatal("second application must be a no-op")
	}
	if !equalRecords(first, second) {
		t.Fatal("records diverged after replay")
	}
}

func TestMerge_EchoSupersededByOlderConfirmed(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, stateUpdate(models.SourcePoll, t0, models.LockStateLocked))
	rec, _ = Merge(rec, stateUpdate(models.SourceCommandEcho, t0.Add(time.Minute), models.LockStateUnlocked))
	if rec.State != models.LockStateUnlocked {
		t.Fatalf("echo must apply over an older poll, got %s", rec.State)
	}

	rec, changed := Merge(rec, stateUpdate(models.SourcePoll, t0.Add(30*time.Second), models.LockStateLocked))
	if !changed || rec.State != models.LockStateLocked {
		t.Fatalf("confirmed update must supersede echo regardless of time, got %s", rec.State)
	}
	if rec.Stamps.State.Source != models.SourcePoll {
		t.Fatalf("expected poll stamp, got %s", rec.Stamps.State.Source)
	}
}

func TestMerge_EchoNeverOverwritesNewerConfirmed(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, stateUpdate(models.SourceWebhook, t0.Add(time.Minute), models.LockStateLocked))
	rec, changed := Merge(rec, stateUpdate(models.SourceCommandEcho, t0, models.LockStateUnlocked))
	if changed || rec.State != models.LockStateLocked {
		t.Fatalf("stale echo must be ignored, got %s", rec.State)
	}
}

func TestMerge_EchoLosesTieWithConfirmed(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, stateUpdate(models.SourceWebhook, t0, models.LockStateUnlocked))
	rec, changed := Merge(rec, stateUpdate(models.SourceCommandEcho, t0, models.LockStateLocked))
	if changed || rec.State != models.LockStateUnlocked || rec.Stamps.State.Source != models.SourceWebhook {
		t.Fatalf("echo must not win a tie, got %s from %s", rec.State, rec.Stamps.State.Source)
	}

	rec, _ = Merge(models.NewLockRecord("1", "Front"), stateUpdate(models.SourcePoll, t0, models.LockStateLocked))
	rec, changed = Merge(rec, stateUpdate(models.SourceCommandEcho, t0, models.LockStateUnlocked))
	if changed || rec.State != models.LockStateLocked {
		t.Fatalf("echo must not beat a poll at the same instant, got %s", rec.State)
	}
}

func TestMerge_ConfirmedStateClearsStale(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, stateUpdate(models.SourceCommandEcho, t0, models.LockStateUnlocked))
	rec.Stale = true
	rec, _ = Merge(rec, Update{Source: models.SourcePoll, At: t0, BatteryLevel: Ptr(40)})
	if !rec.Stale {
		t.Fatal("battery-only update must not clear stale")
	}
	rec, _ = Merge(rec, stateUpdate(models.SourcePoll, t0, models.LockStateUnlocked))
	if rec.Stale {
		t.Fatal("confirmed state must clear stale")
	}
}

func TestMerge_PartialUpdateKeepsOtherFields(t *testing.T) {
	rec := models.NewLockRecord("1", "Front")
	rec, _ = Merge(rec, Update{Source: models.SourcePoll, At: t0, State: Ptr(models.LockStateLocked), BatteryLevel: Ptr(90)})
	rec, _ = Merge(rec, Update{Source: models.SourceWebhook, At: t0.Add(time.Minute), BatteryLevel: Ptr(150)})
	if rec.State != models.LockStateLocked {
		t.Fatalf("state must survive a battery-only update, got %s", rec.State)
	}
	if *rec.BatteryLevel != 100 {
		t.Fatalf("battery must be clamped to 100, got %d", *rec.BatteryLevel)
	}
}

func TestStore_GetUnknownLock(t *testing.T) {
	s := NewStore(logging.Discard())
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Upsert("nope", stateUpdate(models.SourcePoll, t0, models.LockStateLocked)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on upsert, got %v", err)
	}
}

func TestStore_EnsureKeepsExisting(t *testing.T) {
	s := NewStore(logging.Discard())
	if _, created := s.Ensure("1", "Front"); !created {
		t.Fatal("expected creation")
	}
	if _, _, err := s.Upsert("1", stateUpdate(models.SourcePoll, t0, models.LockStateLocked)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, created := s.Ensure("1", "Other")
	if created || rec.Name != "Front" || rec.State != models.LockStateLocked {
		t.Fatalf("ensure must not reset an existing record: %+v", rec)
	}
}

func TestStore_ListIsSnapshot(t *testing.T) {
	s := NewStore(logging.Discard())
	s.Ensure("b", "Back")
	s.Ensure("a", "Attic")

	list := s.List()
	if len(list) != 2 || list[0].LockID != "a" {
		t.Fatalf("unexpected list %+v", list)
	}
	list[0].Name = "mutated"
	if rec, _ := s.Get("a"); rec.Name != "Attic" {
		t.Fatal("list must return copies")
	}
}

func TestStore_NotifiesAndMarksStale(t *testing.T) {
	s := NewStore(logging.Discard())
	s.Ensure("1", "Front")

	var mu sync.Mutex
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if _, _, err := s.Upsert("1", stateUpdate(models.SourceCommandEcho, t0, models.LockStateUnlocked)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	marked, err := s.MarkStale("1")
	if err != nil || !marked {
		t.Fatalf("expected stale mark, got %v %v", marked, err)
	}
	if marked, _ := s.MarkStale("1"); marked {
		t.Fatal("second mark must be a no-op")
	}
	unsubscribe()
	if _, _, err := s.Upsert("1", stateUpdate(models.SourcePoll, t0, models.LockStateLocked)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("expected 2 notifications before unsubscribe, got %d", len(changes))
	}
	if !changes[0].StateChanged() || !changes[1].Current.Stale {
		t.Fatalf("unexpected changes %+v", changes)
	}
	rec, _ := s.Get("1")
	if rec.Stale || rec.State != models.LockStateLocked {
		t.Fatalf("confirmed poll must clear stale, got %+v", rec)
	}
}

func TestStore_ConcurrentUpsertsSameLock(t *testing.T) {
	s := NewStore(logging.Discard())
	s.Ensure("1", "Front")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := models.SourcePoll
			if i%2 == 0 {
				src = models.SourceWebhook
			}
			_, _, _ = s.Upsert("1", Update{
				Source:       src,
				At:           t0.Add(time.Duration(i) * time.Second),
				BatteryLevel: Ptr(i),
				Name:         Ptr(fmt.Sprintf("name-%d", i)),
			})
		}(i)
	}
	wg.Wait()

	rec, _ := s.Get("1")
	if *rec.BatteryLevel != 49 || rec.Name != "name-49" {
		t.Fatalf("expected latest update to win, got battery=%d name=%s", *rec.BatteryLevel, rec.Name)
	}
}

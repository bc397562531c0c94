package command

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ttlock-bridge/backend/internal/logging"
	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeCloud struct {
	mu        sync.Mutex
	calls     []string
	lockErr   error
	deleteErr map[int64]error
	passcodes map[string][]models.Passcode
	schedules map[string]models.PassageModeSchedule
	nextID    int64
	// during runs inside Lock/Unlock, before the reply.
	during func()
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		deleteErr: make(map[int64]error),
		passcodes: make(map[string][]models.Passcode),
		schedules: make(map[string]models.PassageModeSchedule),
		nextID:    100,
	}
}

func (f *fakeCloud) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCloud) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeCloud) Lock(ctx context.Context, lockID string) error {
	f.record("lock " + lockID)
	if f.during != nil {
		f.during()
	}
	return f.lockErr
}

func (f *fakeCloud) Unlock(ctx context.Context, lockID string) error {
	f.record("unlock " + lockID)
	if f.during != nil {
		f.during()
	}
	return f.lockErr
}

func (f *fakeCloud) SetPassageMode(ctx context.Context, lockID string, s models.PassageModeSchedule) error {
	f.record("passage " + lockID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[lockID] = s
	return nil
}

func (f *fakeCloud) ListPasscodes(ctx context.Context, lockID string) ([]models.Passcode, error) {
	f.record("list " + lockID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Passcode(nil), f.passcodes[lockID]...), nil
}

func (f *fakeCloud) CreatePasscode(ctx context.Context, p models.Passcode) (models.Passcode, error) {
	f.record("create " + p.LockID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.RemoteID = f.nextID
	f.passcodes[p.LockID] = append(f.passcodes[p.LockID], p)
	return p, nil
}

func (f *fakeCloud) DeletePasscode(ctx context.Context, lockID string, remoteID int64) error {
	f.record("delete " + lockID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[remoteID]; err != nil {
		return err
	}
	kept := f.passcodes[lockID][:0]
	for _, p := range f.passcodes[lockID] {
		if p.RemoteID != remoteID {
			kept = append(kept, p)
		}
	}
	f.passcodes[lockID] = kept
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	finished map[string]int
}

func (r *countingRecorder) CommandFinished(kind, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[string]int)
	}
	r.finished[kind+"/"+phase]++
}

type timers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *timers) afterFunc(_ time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, fn)
	return time.AfterFunc(time.Hour, func() {})
}

func (m *timers) fireAll() {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type harness struct {
	cloud    *fakeCloud
	store    *state.Store
	timers   *timers
	recorder *countingRecorder
	d        *Dispatcher
}

func newHarness(t *testing.T, locks ...string) *harness {
	t.Helper()
	store := state.NewStore(logging.Discard())
	for _, id := range locks {
		store.Ensure(id, "lock "+id)
	}
	h := &harness{
		cloud:    newFakeCloud(),
		store:    store,
		timers:   &timers{},
		recorder: &countingRecorder{},
	}
	h.d = New(h.cloud, store, Config{Timeout: time.Second, ConfirmWindow: time.Minute}, logging.Discard(),
		WithRecorder(h.recorder), WithClock(func() time.Time { return t0 }))
	h.d.afterFunc = h.timers.afterFunc
	t.Cleanup(h.d.Stop)
	return h
}

func TestLock_AcknowledgedThenConfirmed(t *testing.T) {
	h := newHarness(t, "1")
	var phases []Phase
	h.d.OnUpdate(func(c Command) { phases = append(phases, c.Phase) })

	cmd, err := h.d.Lock(context.Background(), "1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if cmd.Phase != PhaseAcknowledged || cmd.ID == "" {
		t.Fatalf("expected acknowledged command, got %+v", cmd)
	}

	rec, _ := h.store.Get("1")
	if rec.State != models.LockStateLocked || rec.Stamps.State.Source != models.SourceCommandEcho {
		t.Fatalf("expected optimistic locked state, got %+v", rec)
	}

	if _, _, err := h.store.Upsert("1", state.Update{
		Source: models.SourceWebhook,
		At:     t0.Add(2 * time.Second),
		State:  state.Ptr(models.LockStateLocked),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := h.d.Get(cmd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != PhaseConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Phase)
	}
	want := []Phase{PhaseRequested, PhaseSent, PhaseAcknowledged, PhaseConfirmed}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, phases)
		}
	}
	if h.recorder.finished["lock/confirmed"] != 1 {
		t.Fatalf("expected confirmed to be recorded, got %v", h.recorder.finished)
	}

	// A late timer must not undo the confirmation.
	h.timers.fireAll()
	if got, _ := h.d.Get(cmd.ID); got.Phase != PhaseConfirmed {
		t.Fatalf("confirmed command changed to %s", got.Phase)
	}
}

func TestLock_ConfirmedWhileInFlight(t *testing.T) {
	h := newHarness(t, "1")
	h.cloud.during = func() {
		_, _, _ = h.store.Upsert("1", state.Update{
			Source: models.SourceWebhook,
			At:     t0.Add(time.Second),
			State:  state.Ptr(models.LockStateUnlocked),
		})
	}

	cmd, err := h.d.Unlock(context.Background(), "1")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if cmd.Phase != PhaseConfirmed {
		t.Fatalf("expected immediate confirmation, got %s", cmd.Phase)
	}
	rec, _ := h.store.Get("1")
	if rec.Stamps.State.Source != models.SourceWebhook {
		t.Fatalf("echo must not override the newer webhook, got %+v", rec.Stamps.State)
	}
}

func TestLock_FailureLeavesStateAlone(t *testing.T) {
	h := newHarness(t, "1")
	h.cloud.lockErr = &ttlock.RemoteError{Op: "lock", Code: -2012, Message: "gateway offline"}

	cmd, err := h.d.Lock(context.Background(), "1")
	if err == nil {
		t.Fatal("expected error")
	}
	var remote *ttlock.RemoteError
	if !errors.As(err, &remote) || remote.Code != -2012 {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if cmd.Phase != PhaseFailed || cmd.Error == "" {
		t.Fatalf("expected failed command, got %+v", cmd)
	}
	rec, _ := h.store.Get("1")
	if rec.State != models.LockStateUnknown || !rec.Stamps.State.IsZero() {
		t.Fatalf("failed command must not write state, got %+v", rec)
	}
	if h.recorder.finished["lock/failed"] != 1 {
		t.Fatalf("expected failure recorded, got %v", h.recorder.finished)
	}
}

func TestLock_TimesOutAndMarksStale(t *testing.T) {
	h := newHarness(t, "1")
	cmd, err := h.d.Lock(context.Background(), "1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	h.timers.fireAll()

	got, _ := h.d.Get(cmd.ID)
	if got.Phase != PhaseTimedOut {
		t.Fatalf("expected timed out, got %s", got.Phase)
	}
	rec, _ := h.store.Get("1")
	if !rec.Stale || rec.State != models.LockStateLocked {
		t.Fatalf("expected stale optimistic state, got %+v", rec)
	}

	// The next confirmed report clears the flag.
	_, _, _ = h.store.Upsert("1", state.Update{Source: models.SourcePoll, At: t0.Add(time.Hour), State: state.Ptr(models.LockStateUnlocked)})
	if rec, _ := h.store.Get("1"); rec.Stale || rec.State != models.LockStateUnlocked {
		t.Fatalf("expected poll to correct state, got %+v", rec)
	}
}

func TestLock_UnknownLock(t *testing.T) {
	h := newHarness(t)
	if _, err := h.d.Lock(context.Background(), "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.cloud.callCount("") != 0 {
		t.Fatal("no cloud call expected")
	}
	if _, err := h.d.Get("nope"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestStop_RejectsNewCommands(t *testing.T) {
	h := newHarness(t, "1")
	cmd, _ := h.d.Lock(context.Background(), "1")
	h.d.Stop()
	h.timers.fireAll()

	if got, _ := h.d.Get(cmd.ID); got.Phase != PhaseAcknowledged {
		t.Fatalf("timer fired after stop, phase %s", got.Phase)
	}
	if _, err := h.d.Unlock(context.Background(), "1"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestCreatePasscode_ValidatesBeforeCalling(t *testing.T) {
	h := newHarness(t, "1")
	req := models.PasscodeRequest{
		Name:      "Guest",
		Code:      "12",
		StartTime: t0,
		EndTime:   t0.Add(24 * time.Hour),
	}

	_, err := h.d.CreatePasscode(context.Background(), []string{"1"}, req)
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Field != "passcode" {
		t.Fatalf("expected passcode ValidationError, got %v", err)
	}
	if h.cloud.callCount("") != 0 {
		t.Fatal("invalid passcode reached the cloud")
	}

	req.Code = "482913"
	created, err := h.d.CreatePasscode(context.Background(), []string{"1"}, req)
	if err != nil {
		t.Fatalf("CreatePasscode: %v", err)
	}
	if len(created) != 1 || created[0].RemoteID == 0 || created[0].Label != "Guest" {
		t.Fatalf("unexpected result %+v", created)
	}
	if h.recorder.finished["create_passcode/completed"] != 1 {
		t.Fatalf("expected completion recorded, got %v", h.recorder.finished)
	}
}

func TestCreatePasscode_RequiresTarget(t *testing.T) {
	h := newHarness(t)
	req := models.PasscodeRequest{Name: "Guest", Code: "4829", StartTime: t0, EndTime: t0.Add(time.Hour)}
	_, err := h.d.CreatePasscode(context.Background(), nil, req)
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Field != "target" {
		t.Fatalf("expected target ValidationError, got %v", err)
	}
}

func seedPasscodes(f *fakeCloud, lockID string) {
	f.passcodes[lockID] = []models.Passcode{
		{LockID: lockID, RemoteID: 1, Label: "last week", Type: models.PasscodeTypeTemporary, ValidUntil: t0.Add(-7 * 24 * time.Hour)},
		{LockID: lockID, RemoteID: 2, Label: "yesterday", Type: models.PasscodeTypeTemporary, ValidUntil: t0.Add(-24 * time.Hour)},
		{LockID: lockID, RemoteID: 3, Label: "next week", Type: models.PasscodeTypeTemporary, ValidUntil: t0.Add(7 * 24 * time.Hour)},
	}
}

func TestCleanupPasscodes_RemovesOnlyExpired(t *testing.T) {
	h := newHarness(t, "1")
	seedPasscodes(h.cloud, "1")

	results, err := h.d.CleanupPasscodes(context.Background(), []string{"1"})
	if err != nil {
		t.Fatalf("CleanupPasscodes: %v", err)
	}
	if n := h.cloud.callCount("delete "); n != 2 {
		t.Fatalf("expected exactly 2 deletes, got %d", n)
	}
	removed := results[0].Removed
	sort.Strings(removed)
	if len(removed) != 2 || removed[0] != "last week" || removed[1] != "yesterday" {
		t.Fatalf("unexpected removed %v", removed)
	}

	left, _ := h.cloud.ListPasscodes(context.Background(), "1")
	if len(left) != 1 || left[0].Label != "next week" {
		t.Fatalf("expected the valid passcode to remain, got %+v", left)
	}
}

func TestCleanupPasscodes_CollectsFailures(t *testing.T) {
	h := newHarness(t, "1")
	seedPasscodes(h.cloud, "1")
	h.cloud.deleteErr[1] = &ttlock.RemoteError{Op: "keyboardPwd/delete", Code: -3008, Message: "busy"}

	results, err := h.d.CleanupPasscodes(context.Background(), []string{"1"})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !ttlock.IsRemote(err) {
		t.Fatalf("expected wrapped RemoteError, got %v", err)
	}
	if n := h.cloud.callCount("delete "); n != 2 {
		t.Fatalf("a failed delete must not stop the rest, got %d deletes", n)
	}
	if len(results[0].Removed) != 1 || results[0].Removed[0] != "yesterday" {
		t.Fatalf("unexpected removed %v", results[0].Removed)
	}
	if h.recorder.finished["cleanup_passcodes/failed"] != 1 {
		t.Fatalf("expected failure recorded, got %v", h.recorder.finished)
	}
}

func TestConfigurePassageMode(t *testing.T) {
	h := newHarness(t, "1", "2")

	_, err := h.d.ConfigurePassageMode(context.Background(), []string{"1"}, models.PassageModeRequest{Enabled: true})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if h.cloud.callCount("") != 0 {
		t.Fatal("invalid schedule reached the cloud")
	}

	req := models.PassageModeRequest{
		Enabled:   true,
		StartTime: "08:00",
		EndTime:   "18:00",
		Days:      []string{"mon", "tue", "wed", "thu", "fri"},
	}
	cmds, err := h.d.ConfigurePassageMode(context.Background(), []string{"1", "2"}, req)
	if err != nil {
		t.Fatalf("ConfigurePassageMode: %v", err)
	}
	if len(cmds) != 2 || cmds[0].Phase != PhaseCompleted {
		t.Fatalf("unexpected commands %+v", cmds)
	}
	sent := h.cloud.schedules["2"]
	if sent.Days.Len() != 5 || sent.Days.Has(time.Saturday) {
		t.Fatalf("unexpected days %v", sent.Days.Tags())
	}
	rec, _ := h.store.Get("1")
	if rec.PassageMode.Kind != models.PassageModeScheduled || rec.PassageMode.Schedule.Start != 8*60 {
		t.Fatalf("expected scheduled passage mode, got %+v", rec.PassageMode)
	}
}

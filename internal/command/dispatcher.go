package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// retention is how long finished commands stay queryable.
const retention = time.Hour

var (
	// ErrUnknownCommand is returned by Get for an id never issued or already pruned.
	ErrUnknownCommand = errors.New("command not found")
	// ErrStopped is returned once the dispatcher has been stopped.
	ErrStopped = errors.New("dispatcher stopped")
)

// Cloud is the subset of the cloud client the dispatcher drives.
type Cloud interface {
	Lock(ctx context.Context, lockID string) error
	Unlock(ctx context.Context, lockID string) error
	SetPassageMode(ctx context.Context, lockID string, schedule models.PassageModeSchedule) error
	ListPasscodes(ctx context.Context, lockID string) ([]models.Passcode, error)
	CreatePasscode(ctx context.Context, p models.Passcode) (models.Passcode, error)
	DeletePasscode(ctx context.Context, lockID string, remoteID int64) error
}

// Recorder counts commands reaching a terminal phase.
type Recorder interface {
	CommandFinished(kind, phase string)
}

// Config bounds command execution.
type Config struct {
	// Timeout bounds each cloud call.
	Timeout time.Duration
	// ConfirmWindow is how long an acknowledged lock or unlock waits for a
	// confirming poll or webhook.
	ConfirmWindow time.Duration
}

type tracked struct {
	cmd    Command
	sentAt time.Time
	timer  *time.Timer
	// early is set when a confirming update lands before the cloud replied.
	early bool
}

// Dispatcher executes commands and follows them to a terminal phase.
type Dispatcher struct {
	cloud    Cloud
	store    *state.Store
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	// afterFunc is time.AfterFunc outside tests.
	afterFunc func(time.Duration, func()) *time.Timer

	mu        sync.Mutex
	commands  map[string]*tracked
	listeners []func(Command)
	stopped   bool

	unsubscribe func()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder counts finished commands.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New returns a dispatcher subscribed to store for confirmations.
func New(cloud Cloud, store *state.Store, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 3 * time.Minute
	}
	d := &Dispatcher{
		cloud:     cloud,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "command"),
		now:       time.Now,
		afterFunc: time.AfterFunc,
		commands:  make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.unsubscribe = store.Subscribe(d.observe)
	return d
}

// OnUpdate registers fn for every phase transition. fn must not block.
func (d *Dispatcher) OnUpdate(fn func(Command)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Get returns the command with the given id.
func (d *Dispatcher) Get(id string) (Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.commands[id]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	return t.cmd, nil
}

// Lock sends a lock command. The returned command is Acknowledged on
// success; confirmation arrives later through the store.
func (d *Dispatcher) Lock(ctx context.Context, lockID string) (Command, error) {
	return d.operate(ctx, KindLock, lockID)
}

// Unlock sends an unlock command.
func (d *Dispatcher) Unlock(ctx context.Context, lockID string) (Command, error) {
	return d.operate(ctx, KindUnlock, lockID)
}

func (d *Dispatcher) operate(ctx context.Context, kind Kind, lockID string) (Command, error) {
	if err := d.checkTargets([]string{lockID}); err != nil {
		return Command{}, err
	}
	cmd, err := d.begin(kind, lockID)
	if err != nil {
		return Command{}, err
	}
	sentAt := d.transition(cmd.ID, PhaseSent)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if kind == KindLock {
		err = d.cloud.Lock(callCtx, lockID)
	} else {
		err = d.cloud.Unlock(callCtx, lockID)
	}
	if err != nil {
		failed := d.finish(cmd.ID, PhaseFailed, err)
		return failed, fmt.Errorf("%s %s: %w", kind, lockID, err)
	}

	// The echo is stamped with the send time so a report of the physical
	// action, which cannot predate the send, always overrides it.
	if _, _, err := d.store.Upsert(lockID, state.Update{
		Source: models.SourceCommandEcho,
		At:     sentAt,
		State:  state.Ptr(targetState(kind)),
	}); err != nil {
		d.logger.Warn("optimistic update failed", "command_id", cmd.ID, "lock_id", lockID, "error", err)
	}
	return d.acknowledge(cmd.ID), nil
}

// ConfigurePassageMode validates req and applies it to every target.
func (d *Dispatcher) ConfigurePassageMode(ctx context.Context, lockIDs []string, req models.PassageModeRequest) ([]Command, error) {
	schedule, err := req.Schedule()
	if err != nil {
		return nil, err
	}
	if err := d.checkTargets(lockIDs); err != nil {
		return nil, err
	}

	var (
		cmds []Command
		errs []error
	)
	for _, lockID := range lockIDs {
		cmd, err := d.singleShot(ctx, KindConfigurePassageMode, lockID, func(ctx context.Context) error {
			return d.cloud.SetPassageMode(ctx, lockID, schedule)
		})
		if err == nil {
			if _, _, uerr := d.store.Upsert(lockID, state.Update{
				Source:      models.SourceCommandEcho,
				At:          cmd.UpdatedAt,
				PassageMode: state.Ptr(models.PassageModeFrom(schedule)),
			}); uerr != nil {
				d.logger.Warn("optimistic passage mode update failed", "lock_id", lockID, "error", uerr)
			}
		}
		cmds = append(cmds, cmd)
		errs = append(errs, err)
	}
	return cmds, errors.Join(errs...)
}

// CreatePasscode validates req and creates the passcode on every target. The
// code is checked before any cloud call.
func (d *Dispatcher) CreatePasscode(ctx context.Context, lockIDs []string, req models.PasscodeRequest) ([]models.Passcode, error) {
	if _, err := req.Passcode(""); err != nil {
		return nil, err
	}
	if err := d.checkTargets(lockIDs); err != nil {
		return nil, err
	}

	var (
		created []models.Passcode
		errs    []error
	)
	for _, lockID := range lockIDs {
		p, _ := req.Passcode(lockID)
		var out models.Passcode
		_, err := d.singleShot(ctx, KindCreatePasscode, lockID, func(ctx context.Context) error {
			var err error
			out, err = d.cloud.CreatePasscode(ctx, p)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, out)
	}
	return created, errors.Join(errs...)
}

// CleanupPasscodes deletes every expired passcode on the targets, listing
// them fresh from the cloud. Deletion failures are collected; the remaining
// passcodes are still processed.
func (d *Dispatcher) CleanupPasscodes(ctx context.Context, lockIDs []string) ([]CleanupResult, error) {
	if err := d.checkTargets(lockIDs); err != nil {
		return nil, err
	}

	var (
		results []CleanupResult
		errs    []error
	)
	for _, lockID := range lockIDs {
		res := CleanupResult{LockID: lockID, Removed: []string{}}
		_, err := d.singleShot(ctx, KindCleanupPasscodes, lockID, func(ctx context.Context) error {
			removed, err := d.cleanupLock(ctx, lockID)
			res.Removed = append(res.Removed, removed...)
			return err
		})
		results = append(results, res)
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

// cleanupLock gives every remote call its own timeout.
func (d *Dispatcher) cleanupLock(ctx context.Context, lockID string) ([]string, error) {
	listCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	passcodes, err := d.cloud.ListPasscodes(listCtx, lockID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("listing passcodes: %w", err)
	}

	now := d.now()
	var (
		removed []string
		errs    []error
	)
	for _, p := range passcodes {
		if !p.ExpiredAt(now) {
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := d.cloud.DeletePasscode(delCtx, lockID, p.RemoteID)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting passcode %q: %w", p.Label, err))
			continue
		}
		d.logger.Info("expired passcode removed", "lock_id", lockID, "label", p.Label, "valid_until", p.ValidUntil)
		removed = append(removed, p.Label)
	}
	return removed, errors.Join(errs...)
}

// singleShot runs call as one command that completes on success.
func (d *Dispatcher) singleShot(ctx context.Context, kind Kind, lockID string, call func(context.Context) error) (Command, error) {
	cmd, err := d.begin(kind, lockID)
	if err != nil {
		return Command{}, err
	}
	d.transition(cmd.ID, PhaseSent)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := call(callCtx); err != nil {
		failed := d.finish(cmd.ID, PhaseFailed, err)
		return failed, fmt.Errorf("%s %s: %w", kind, lockID, err)
	}
	return d.finish(cmd.ID, PhaseCompleted, nil), nil
}

// Stop cancels confirmation timers and detaches from the store.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, t := range d.commands {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	d.mu.Unlock()
	d.unsubscribe()
}

func (d *Dispatcher) checkTargets(lockIDs []string) error {
	if len(lockIDs) == 0 {
		return &models.ValidationError{Field: "target", Reason: "at least one lock is required"}
	}
	for _, id := range lockIDs {
		if _, err := d.store.Get(id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) begin(kind Kind, lockID string) (Command, error) {
	now := d.now()
	cmd := Command{
		ID:          uuid.NewString(),
		Kind:        kind,
		LockID:      lockID,
		Phase:       PhaseRequested,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return Command{}, ErrStopped
	}
	d.prune(now)
	d.commands[cmd.ID] = &tracked{cmd: cmd}
	listeners := d.listeners
	d.mu.Unlock()

	d.logger.Info("command requested", "command_id", cmd.ID, "kind", kind, "lock_id", lockID)
	emit(listeners, cmd)
	return cmd, nil
}

// transition moves a command to a non-terminal phase and returns the time.
func (d *Dispatcher) transition(id string, phase Phase) time.Time {
	now := d.now()
	d.mu.Lock()
	t, ok := d.commands[id]
	if !ok {
		d.mu.Unlock()
		return now
	}
	t.cmd.Phase, t.cmd.UpdatedAt = phase, now
	if phase == PhaseSent {
		t.sentAt = now
	}
	cmd, listeners := t.cmd, d.listeners
	d.mu.Unlock()

	emit(listeners, cmd)
	return now
}

// acknowledge starts the confirm window, or confirms at once when the lock
// already reported while the call was in flight.
func (d *Dispatcher) acknowledge(id string) Command {
	now := d.now()
	d.mu.Lock()
	t, ok := d.commands[id]
	if !ok {
		d.mu.Unlock()
		return Command{ID: id}
	}
	if t.cmd.Phase.Terminal() {
		cmd := t.cmd
		d.mu.Unlock()
		return cmd
	}
	if t.early {
		d.mu.Unlock()
		return d.finish(id, PhaseConfirmed, nil)
	}
	t.cmd.Phase, t.cmd.UpdatedAt = PhaseAcknowledged, now
	if !d.stopped {
		t.timer = d.afterFunc(d.cfg.ConfirmWindow, func() { d.expire(id) })
	}
	cmd, listeners := t.cmd, d.listeners
	d.mu.Unlock()

	d.logger.Info("command acknowledged", "command_id", id, "kind", cmd.Kind, "lock_id", cmd.LockID)
	emit(listeners, cmd)
	return cmd
}

// finish moves a command to a terminal phase.
func (d *Dispatcher) finish(id string, phase Phase, err error) Command {
	d.mu.Lock()
	t, ok := d.commands[id]
	if !ok {
		d.mu.Unlock()
		return Command{ID: id, Phase: phase}
	}
	if t.cmd.Phase.Terminal() {
		cmd := t.cmd
		d.mu.Unlock()
		return cmd
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.cmd.Phase, t.cmd.UpdatedAt = phase, d.now()
	if err != nil {
		t.cmd.Error = err.Error()
	}
	cmd, listeners := t.cmd, d.listeners
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("command failed", "command_id", id, "kind", cmd.Kind, "lock_id", cmd.LockID, "error", err)
	} else {
		d.logger.Info("command finished", "command_id", id, "kind", cmd.Kind, "lock_id", cmd.LockID, "phase", phase)
	}
	if d.recorder != nil {
		d.recorder.CommandFinished(string(cmd.Kind), string(phase))
	}
	emit(listeners, cmd)
	return cmd
}

// expire runs when the confirm window closes without a confirmed report.
// The optimistic state stays but is flagged stale for the next sweep.
func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	t, ok := d.commands[id]
	if !ok || d.stopped || t.cmd.Phase != PhaseAcknowledged {
		d.mu.Unlock()
		return
	}
	t.timer = nil
	lockID := t.cmd.LockID
	d.mu.Unlock()

	cmd := d.finish(id, PhaseTimedOut, nil)
	if cmd.Phase != PhaseTimedOut {
		return
	}
	if _, err := d.store.MarkStale(lockID); err != nil {
		d.logger.Warn("marking lock stale failed", "lock_id", lockID, "error", err)
	}
}

// observe confirms pending lock and unlock commands when a poll or webhook
// state report is applied. It runs under the store's per-lock guard.
func (d *Dispatcher) observe(c state.Change) {
	upd := c.Update
	if !upd.Source.Confirmed() || upd.State == nil {
		return
	}
	stamp := c.Current.Stamps.State
	if stamp.Source != upd.Source || !stamp.At.Equal(upd.At) {
		return
	}

	var confirm []string
	d.mu.Lock()
	for id, t := range d.commands {
		if t.cmd.LockID != c.Current.LockID || (t.cmd.Kind != KindLock && t.cmd.Kind != KindUnlock) {
			continue
		}
		switch t.cmd.Phase {
		case PhaseAcknowledged:
			confirm = append(confirm, id)
		case PhaseSent:
			if !upd.At.Before(t.sentAt) {
				t.early = true
			}
		}
	}
	d.mu.Unlock()

	for _, id := range confirm {
		d.finish(id, PhaseConfirmed, nil)
	}
}

// prune drops finished commands older than retention. Caller holds mu.
func (d *Dispatcher) prune(now time.Time) {
	for id, t := range d.commands {
		if t.cmd.Phase.Terminal() && now.Sub(t.cmd.UpdatedAt) > retention {
			delete(d.commands, id)
		}
	}
}

func emit(listeners []func(Command), cmd Command) {
	for _, fn := range listeners {
		fn(cmd)
	}
}

package webhook

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
)

// AutoLockPredictor schedules the provisional re-lock of locks with an
// auto-lock delay. Predictions are command-echo updates, so any confirmed
// update replaces them.
type AutoLockPredictor struct {
	store    *state.Store
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time

	// afterFunc is time.AfterFunc outside tests.
	afterFunc func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewAutoLockPredictor returns a predictor evaluating passage windows in loc.
func NewAutoLockPredictor(store *state.Store, loc *time.Location, logger *slog.Logger) *AutoLockPredictor {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoLockPredictor{
		store:     store,
		logger:    logger.With("component", "autolock"),
		location:  loc,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		pending:   make(map[string]*time.Timer),
	}
}

// Observe reacts to an applied webhook event. A successful unlock outside the
// passage window schedules a re-lock; any lock event cancels a pending one.
func (p *AutoLockPredictor) Observe(ev Event, rec models.LockRecord) {
	if ev.Kind != KindLockRecord || !ev.Success {
		return
	}
	switch ev.Record.Action {
	case ttlock.ActionLock:
		p.Cancel(ev.LockID)
		return
	case ttlock.ActionUnlock:
	default:
		return
	}
	if rec.State != models.LockStateUnlocked || rec.Stamps.State.Source != models.SourceWebhook || !rec.Stamps.State.At.Equal(ev.At) {
		return
	}
	if rec.AutoLockSeconds <= 0 {
		return
	}
	if rec.PassageMode.Schedule.ActiveAt(ev.At.In(p.location)) {
		return
	}
	p.schedule(ev.LockID, ev.At.Add(time.Duration(rec.AutoLockSeconds)*time.Second))
}

func (p *AutoLockPredictor) schedule(lockID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if t, ok := p.pending[lockID]; ok {
		t.Stop()
	}
	delay := at.Sub(p.now())
	if delay < 0 {
		delay = 0
	}
	var timer *time.Timer
	timer = p.afterFunc(delay, func() { p.fire(lockID, at, &timer) })
	p.pending[lockID] = timer
	p.logger.Debug("auto lock predicted", "lock_id", lockID, "at", at)
}

// fire reads *timer under mu, where schedule assigned it.
func (p *AutoLockPredictor) fire(lockID string, at time.Time, timer **time.Timer) {
	p.mu.Lock()
	if p.stopped || p.pending[lockID] != *timer {
		p.mu.Unlock()
		return
	}
	delete(p.pending, lockID)
	p.mu.Unlock()

	_, changed, err := p.store.Upsert(lockID, state.Update{
		Source: models.SourceCommandEcho,
		At:     at,
		State:  state.Ptr(models.LockStateLocked),
		Operator: &models.Operator{
			Method:      models.MethodAuto,
			Description: "Auto Lock",
		},
	})
	if err != nil {
		p.logger.Warn("auto lock prediction failed", "lock_id", lockID, "error", err)
		return
	}
	if changed {
		p.logger.Info("auto lock applied", "lock_id", lockID)
	}
}

// Cancel drops a pending prediction for lockID.
func (p *AutoLockPredictor) Cancel(lockID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.pending[lockID]; ok {
		t.Stop()
		delete(p.pending, lockID)
	}
}

// Pending reports how many predictions are scheduled.
func (p *AutoLockPredictor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Stop cancels every pending prediction and refuses new ones.
func (p *AutoLockPredictor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, t := range p.pending {
		t.Stop()
		delete(p.pending, id)
	}
}

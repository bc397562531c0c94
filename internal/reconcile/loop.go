// Package reconcile periodically pulls the state of every lock from the cloud
// and merges it into the state store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ttlock-bridge/backend/internal/auth"
	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
)

// ErrSweepRunning is returned by Sweep when another sweep is in progress.
var ErrSweepRunning = errors.New("reconciliation already running")

// Cloud is the subset of the cloud client used by a sweep.
type Cloud interface {
	ListLocks(ctx context.Context) ([]ttlock.LockSummary, error)
	LockDetail(ctx context.Context, lockID string) (ttlock.LockDetail, error)
	QueryState(ctx context.Context, lockID string) (models.LockState, error)
	PassageModeConfig(ctx context.Context, lockID string) (models.PassageModeSchedule, error)
}

// Inventory persists discovered locks.
type Inventory interface {
	Save(ctx context.Context, lock models.ManagedLock) error
}

// HealthReporter receives sweep outcomes.
type HealthReporter interface {
	SweepCompleted(failed, total int)
	SweepAborted(err error)
}

// Recorder receives sweep metrics.
type Recorder interface {
	SweepFinished(result string, elapsed time.Duration)
}

// Config controls the sweep schedule.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Parallel bounds concurrent per-lock refreshes.
	Parallel int
}

// Result summarises one sweep.
type Result struct {
	StartedAt  time.Time         `json:"started_at"`
	Discovered int               `json:"discovered"`
	Total      int               `json:"total"`
	Updated    []string          `json:"updated"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// Loop runs sweeps on startup, on a cron schedule, and on demand.
type Loop struct {
	cloud     Cloud
	store     *state.Store
	inventory Inventory
	health    HealthReporter
	recorder  Recorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	cron *cron.Cron

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	running chan struct{}

	mu   sync.Mutex
	last *Result
}

// Option configures a Loop.
type Option func(*Loop)

// WithHealth reports sweep outcomes to h.
func WithHealth(h HealthReporter) Option {
	return func(l *Loop) { l.health = h }
}

// WithRecorder records sweep metrics.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Loop. inventory may be nil.
func New(cloud Cloud, store *state.Store, inventory Inventory, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cloud:     cloud,
		store:     store,
		inventory: inventory,
		logger:    logger.With("component", "reconcile"),
		cfg:       cfg,
		now:       time.Now,
		cron:      cron.New(),
		running:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.baseCtx, l.cancel = context.WithCancel(context.Background())
	return l
}

// Start schedules the periodic sweep and runs the startup sweep in the background.
func (l *Loop) Start() error {
	schedule := fmt.Sprintf("@every %s", l.cfg.Interval)
	if _, err := l.cron.AddFunc(schedule, func() { l.runScheduled("interval") }); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	l.cron.Start()
	l.logger.Info("reconciliation scheduled", "interval", l.cfg.Interval, "timeout", l.cfg.Timeout)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runScheduled("startup")
	}()
	return nil
}

// Stop cancels any running sweep and waits for scheduled jobs to finish.
func (l *Loop) Stop() {
	l.cancel()
	<-l.cron.Stop().Done()
	l.wg.Wait()
	l.logger.Info("reconciliation stopped")
}

// Trigger starts an out-of-band sweep unless one is already running.
func (l *Loop) Trigger() bool {
	select {
	case <-l.baseCtx.Done():
		return false
	default:
	}
	select {
	case l.running <- struct{}{}:
	default:
		return false
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.running }()
		_, _ = l.sweep(l.baseCtx, "manual")
	}()
	return true
}

// LastResult returns the most recent completed sweep, if any.
func (l *Loop) LastResult() (Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return Result{}, false
	}
	return *l.last, true
}

func (l *Loop) runScheduled(trigger string) {
	if _, err := l.Sweep(l.baseCtx, trigger); errors.Is(err, ErrSweepRunning) {
		l.logger.Debug("skipping sweep, previous one still running", "trigger", trigger)
	}
}

// Sweep runs one reconciliation cycle synchronously.
func (l *Loop) Sweep(ctx context.Context, trigger string) (Result, error) {
	select {
	case l.running <- struct{}{}:
	default:
		return Result{}, ErrSweepRunning
	}
	defer func() { <-l.running }()
	return l.sweep(ctx, trigger)
}

func (l *Loop) sweep(ctx context.Context, trigger string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	start := l.now()
	res := Result{StartedAt: start.UTC(), Failed: map[string]string{}}
	logger := l.logger.With("trigger", trigger)
	logger.Info("reconciliation started")

	discovered, err := l.discover(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrAuthExpired) || len(l.store.IDs()) == 0 {
			return res, l.abort(logger, start, fmt.Errorf("discovery: %w", err))
		}
		logger.Warn("lock discovery failed, refreshing known locks", "error", err)
	}
	res.Discovered = discovered

	ids := l.store.IDs()
	res.Total = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Parallel)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := l.refreshLock(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Updated = append(res.Updated, id)
			case errors.Is(err, auth.ErrAuthExpired):
				return err
			default:
				res.Failed[id] = err.Error()
				logger.Warn("lock refresh failed", "lock_id", id, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, l.abort(logger, start, err)
	}
	if err := ctx.Err(); err != nil {
		return res, l.abort(logger, start, fmt.Errorf("sweep abandoned: %w", err))
	}

	elapsed := l.now().Sub(start)
	logger.Info("reconciliation finished",
		"locks", res.Total, "updated", len(res.Updated), "failed", len(res.Failed), "elapsed", elapsed)
	if l.health != nil {
		l.health.SweepCompleted(len(res.Failed), res.Total)
	}
	if l.recorder != nil {
		result := "ok"
		if len(res.Failed) > 0 {
			result = "partial"
		}
		l.recorder.SweepFinished(result, elapsed)
	}
	l.mu.Lock()
	l.last = &res
	l.mu.Unlock()
	return res, nil
}

func (l *Loop) abort(logger *slog.Logger, start time.Time, err error) error {
	if l.baseCtx.Err() != nil {
		logger.Info("reconciliation cancelled by shutdown")
		return err
	}
	logger.Error("reconciliation aborted", "error", err)
	if l.health != nil {
		l.health.SweepAborted(err)
	}
	if l.recorder != nil {
		l.recorder.SweepFinished("aborted", l.now().Sub(start))
	}
	return err
}

// discover registers every lock the account can reach and returns how many
// were new.
func (l *Loop) discover(ctx context.Context) (int, error) {
	locks, err := l.cloud.ListLocks(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, lock := range locks {
		if _, created := l.store.Ensure(lock.LockID, lock.Name); created {
			added++
		}
		if l.inventory == nil {
			continue
		}
		if err := l.inventory.Save(ctx, models.ManagedLock{LockID: lock.LockID, Name: lock.Name, MAC: lock.MAC}); err != nil {
			l.logger.Warn("failed to persist lock", "lock_id", lock.LockID, "error", err)
		}
	}
	return added, nil
}

// refreshLock queries one lock and applies the result only if every query
// succeeded and the sweep is still live.
func (l *Loop) refreshLock(ctx context.Context, lockID string) error {
	queriedAt := l.now().UTC()

	detail, err := l.cloud.LockDetail(ctx, lockID)
	if err != nil {
		return fmt.Errorf("detail: %w", err)
	}
	lockState, err := l.cloud.QueryState(ctx, lockID)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	schedule, err := l.cloud.PassageModeConfig(ctx, lockID)
	if err != nil {
		return fmt.Errorf("passage mode: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	upd := state.Update{
		Source:          models.SourcePoll,
		At:              queriedAt,
		PassageMode:     state.Ptr(models.PassageModeFrom(schedule)),
		AutoLockSeconds: state.Ptr(detail.AutoLockSeconds),
		BatteryLevel:    detail.BatteryLevel,
	}
	if detail.Name != "" {
		upd.Name = state.Ptr(detail.Name)
	}
	// An unreachable gateway reports unknown; keep the last good reading.
	if lockState != models.LockStateUnknown {
		upd.State = state.Ptr(lockState)
	}
	_, _, err = l.store.Upsert(lockID, upd)
	return err
}

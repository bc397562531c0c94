// Package health tracks whether the integration is working, degraded, or
// waiting for the user to re-authenticate.
package health

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ttlock-bridge/backend/internal/auth"
)

// Status is the integration-level condition.
type Status string

const (
	StatusHealthy        Status = "healthy"
	StatusDegraded       Status = "degraded"
	StatusReauthRequired Status = "reauth_required"
)

// Snapshot is the current health view.
type Snapshot struct {
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Since          time.Time `json:"since"`
	LastSweepAt    time.Time `json:"last_sweep_at,omitempty"`
	LastSweepError string    `json:"last_sweep_error,omitempty"`
	FailedLocks    int       `json:"failed_locks"`
}

// Tracker aggregates health signals from the token manager and reconciliation.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// NewTracker starts in the healthy state.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger.With("component", "health"),
		now:    time.Now,
		snap:   Snapshot{Status: StatusHealthy, Since: time.Now().UTC()},
	}
}

// OnChange registers fn for every status transition.
func (t *Tracker) OnChange(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Snapshot returns the current health.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// TokenRefreshed implements auth.Observer.
func (t *Tracker) TokenRefreshed(err error) {
	switch {
	case err == nil:
		t.update(func(s *Snapshot) {
			if s.Status == StatusReauthRequired {
				s.Status, s.Reason = StatusHealthy, ""
			}
		})
	case errors.Is(err, auth.ErrAuthExpired):
		t.ReauthRequired(err)
	}
}

// ReauthRequired records that user action is needed.
func (t *Tracker) ReauthRequired(err error) {
	t.update(func(s *Snapshot) {
		s.Status = StatusReauthRequired
		s.Reason = err.Error()
	})
}

// SweepAborted records a reconciliation cycle that could not run.
func (t *Tracker) SweepAborted(err error) {
	if errors.Is(err, auth.ErrAuthExpired) {
		t.ReauthRequired(err)
		t.update(func(s *Snapshot) {
			s.LastSweepAt = t.now().UTC()
			s.LastSweepError = err.Error()
		})
		return
	}
	t.update(func(s *Snapshot) {
		s.LastSweepAt = t.now().UTC()
		s.LastSweepError = err.Error()
		if s.Status != StatusReauthRequired {
			s.Status = StatusDegraded
			s.Reason = "reconciliation failed: " + err.Error()
		}
	})
}

// SweepCompleted records a finished sweep. Any failed lock degrades the
// integration until a clean sweep.
func (t *Tracker) SweepCompleted(failed, total int) {
	t.update(func(s *Snapshot) {
		s.LastSweepAt = t.now().UTC()
		s.LastSweepError = ""
		s.FailedLocks = failed
		if s.Status == StatusReauthRequired {
			return
		}
		if failed > 0 {
			s.Status = StatusDegraded
			s.Reason = fmt.Sprintf("%d of %d locks failed to refresh", failed, total)
			return
		}
		s.Status, s.Reason = StatusHealthy, ""
	})
}

func (t *Tracker) update(fn func(*Snapshot)) {
	t.mu.Lock()
	prev := t.snap
	fn(&t.snap)
	if t.snap.Status != prev.Status {
		t.snap.Since = t.now().UTC()
	}
	next := t.snap
	listeners := append([]func(Snapshot){}, t.listeners...)
	t.mu.Unlock()

	if next.Status == prev.Status {
		return
	}
	t.logger.Warn("integration health changed", "from", prev.Status, "to", next.Status, "reason", next.Reason)
	for _, fn := range listeners {
		fn(next)
	}
}

// Package auth owns the OAuth credential used against the lock cloud.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// ErrAuthExpired means the refresh token was rejected. The user must
// re-authenticate; it is never retried automatically.
var ErrAuthExpired = errors.New("authentication expired")

// DefaultRefreshMargin is how long a credential must remain valid to be handed out.
const DefaultRefreshMargin = 60 * time.Second

// refreshTimeout bounds a refresh call independently of any single caller.
const refreshTimeout = 30 * time.Second

// Refresher exchanges a refresh token for a new credential. Implementations
// return an error wrapping ErrAuthExpired when the token is revoked or invalid.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.Credential, error)
}

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred models.Credential) error
}

// Observer is notified of refresh outcomes.
type Observer interface {
	TokenRefreshed(err error)
}

// Status is the redacted view of the credential for diagnostics.
type Status struct {
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Refreshes   int       `json:"refreshes"`
	LastError   string    `json:"last_error,omitempty"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
}

// Manager hands out valid credentials and refreshes them at most once at a time.
type Manager struct {
	refresher Refresher
	store     CredentialStore
	logger    *slog.Logger
	margin    time.Duration
	now       func() time.Time
	observer  Observer

	mu     sync.RWMutex
	cred   models.Credential
	status Status

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithMargin sets the minimum remaining validity of a handed-out credential.
func WithMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.margin = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers a refresh observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a manager seeded with the last-known credential.
func NewManager(initial models.Credential, refresher Refresher, store CredentialStore, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		refresher: refresher,
		store:     store,
		logger:    logger.With("component", "auth"),
		margin:    DefaultRefreshMargin,
		now:       time.Now,
		cred:      initial,
		status:    Status{IssuedAt: initial.IssuedAt, ExpiresAt: initial.ExpiresAt},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Credential returns a credential that stays valid for at least the margin,
// refreshing first if needed. Concurrent callers share one refresh and its result.
func (m *Manager) Credential(ctx context.Context) (models.Credential, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred.ValidFor(m.now(), m.margin) {
		return cred, nil
	}
	return m.refresh(ctx, cred.AccessToken)
}

// ForceRefresh refreshes after the cloud rejected rejectedToken. If another
// caller already replaced that token, the current credential is returned
// without a second refresh.
func (m *Manager) ForceRefresh(ctx context.Context, rejectedToken string) (models.Credential, error) {
	return m.refresh(ctx, rejectedToken)
}

// Status returns issue and expiry times. Token values are never exposed.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) refresh(ctx context.Context, staleToken string) (models.Credential, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		m.mu.RLock()
		current := m.cred
		m.mu.RUnlock()

		// A refresh that finished between our check and this flight already
		// replaced the stale token.
		if current.AccessToken != staleToken && current.ValidFor(m.now(), m.margin) {
			return current, nil
		}
		if current.RefreshToken == "" {
			return nil, fmt.Errorf("no refresh token available: %w", ErrAuthExpired)
		}

		// Detached from the first caller so its cancellation does not fail
		// every other waiter.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		next, err := m.refresher.Refresh(rctx, current.RefreshToken)
		m.recordRefresh(next, err)
		if err != nil {
			return nil, err
		}

		if err := m.store.SaveCredential(rctx, next); err != nil {
			// The new token is already live at the cloud; keep using it.
			m.logger.Error("persisting refreshed credential failed", "error", err)
		}
		return next, nil
	})

	select {
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}
		return res.Val.(models.Credential), nil
	}
}

func (m *Manager) recordRefresh(next models.Credential, err error) {
	m.mu.Lock()
	m.status.LastRefresh = m.now()
	if err != nil {
		m.status.LastError = err.Error()
	} else {
		m.cred = next
		m.status.IssuedAt = next.IssuedAt
		m.status.ExpiresAt = next.ExpiresAt
		m.status.Refreshes++
		m.status.LastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			m.logger.Error("refresh token rejected, re-authentication required", "error", err)
		} else {
			m.logger.Warn("credential refresh failed", "error", err)
		}
	} else {
		m.logger.Info("credential refreshed", "expires_at", next.ExpiresAt)
	}

	if m.observer != nil {
		m.observer.TokenRefreshed(err)
	}
}

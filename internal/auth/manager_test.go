package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ttlock-bridge/backend/internal/logging"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	now     time.Time
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (models.Credential, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.Credential{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.Credential{}, f.err
	}
	return models.Credential{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		IssuedAt:     f.now,
		ExpiresAt:    f.now.Add(2 * time.Hour),
	}, nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved []models.Credential
}

func (s *memoryStore) SaveCredential(_ context.Context, cred models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, cred)
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func expiredCredential() models.Credential {
	return models.Credential{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		IssuedAt:     testNow.Add(-3 * time.Hour),
		ExpiresAt:    testNow.Add(-time.Minute),
	}
}

func newTestManager(initial models.Credential, r Refresher, s CredentialStore) *Manager {
	return NewManager(initial, r, s, logging.Discard(), WithClock(func() time.Time { return testNow }))
}

func TestCredential_ReturnsCachedWhenValid(t *testing.T) {
	refresher := &fakeRefresher{now: testNow}
	valid := models.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(time.Hour)}
	m := newTestManager(valid, refresher, &memoryStore{})

	got, err := m.Credential(context.Background())
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if got.AccessToken != "a" {
		t.Fatalf("expected cached token, got %q", got.AccessToken)
	}
	if refresher.calls.Load() != 0 {
		t.Fatalf("expected no refresh, got %d", refresher.calls.Load())
	}
}

func TestCredential_RefreshesInsideMargin(t *testing.T) {
	refresher := &fakeRefresher{now: testNow}
	store := &memoryStore{}
	almost := models.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(30 * time.Second)}
	m := newTestManager(almost, refresher, store)

	got, err := m.Credential(context.Background())
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if got.AccessToken != "access-1" {
		t.Fatalf("expected refreshed token, got %q", got.AccessToken)
	}
	if len(store.saved) != 1 || store.saved[0].AccessToken != "access-1" {
		t.Fatalf("expected refreshed credential persisted, got %+v", store.saved)
	}
	if st := m.Status(); st.Refreshes != 1 || !st.ExpiresAt.Equal(got.ExpiresAt) {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestCredential_ConcurrentCallersShareOneRefresh(t *testing.T) {
	const callers = 20
	refresher := &fakeRefresher{now: testNow, release: make(chan struct{})}
	m := newTestManager(expiredCredential(), refresher, &memoryStore{})

	var wg sync.WaitGroup
	results := make([]models.Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Credential(context.Background())
		}(i)
	}

	// Let the flight start before releasing it.
	for refresher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	if n := refresher.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "access-1" {
			t.Fatalf("caller %d got %q", i, results[i].AccessToken)
		}
	}
}

func TestCredential_ConcurrentCallersShareFailure(t *testing.T) {
	const callers = 8
	refresher := &fakeRefresher{
		now:     testNow,
		release: make(chan struct{}),
		err:     fmt.Errorf("invalid grant: %w", ErrAuthExpired),
	}
	store := &memoryStore{}
	m := newTestManager(expiredCredential(), refresher, store)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Credential(context.Background())
		}(i)
	}
	for refresher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	if n := refresher.calls.Load(); n != 1 {
		t.Fatalf("expected one refresh call, got %d", n)
	}
	for i, err := range errs {
		if !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("caller %d: expected ErrAuthExpired, got %v", i, err)
		}
	}
	if len(store.saved) != 0 {
		t.Fatalf("failed refresh must not persist, got %d saves", len(store.saved))
	}
	if m.Status().LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestForceRefresh_SkipsWhenTokenAlreadyReplaced(t *testing.T) {
	refresher := &fakeRefresher{now: testNow}
	m := newTestManager(expiredCredential(), refresher, &memoryStore{})

	first, err := m.ForceRefresh(context.Background(), "old-access")
	if err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	second, err := m.ForceRefresh(context.Background(), "old-access")
	if err != nil {
		t.Fatalf("second force refresh: %v", err)
	}
	if refresher.calls.Load() != 1 {
		t.Fatalf("expected one refresh for the same rejected token, got %d", refresher.calls.Load())
	}
	if first.AccessToken != second.AccessToken {
		t.Fatalf("expected same credential, got %q and %q", first.AccessToken, second.AccessToken)
	}

	if _, err := m.ForceRefresh(context.Background(), first.AccessToken); err != nil {
		t.Fatalf("third force refresh: %v", err)
	}
	if refresher.calls.Load() != 2 {
		t.Fatalf("expected rejection of the new token to refresh again, got %d", refresher.calls.Load())
	}
}

func TestCredential_NoRefreshToken(t *testing.T) {
	m := newTestManager(models.Credential{}, &fakeRefresher{now: testNow}, &memoryStore{})

	_, err := m.Credential(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestCredential_CallerCancellation(t *testing.T) {
	refresher := &fakeRefresher{now: testNow, release: make(chan struct{})}
	defer close(refresher.release)
	m := newTestManager(expiredCredential(), refresher, &memoryStore{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Credential(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

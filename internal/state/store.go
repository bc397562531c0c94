// Package state holds the last-known state of every lock and arbitrates
// between the poll, webhook and command-echo writers.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// ErrNotFound is returned for a lock the store has never seen.
var ErrNotFound = errors.New("lock not found")

// Change describes one applied update.
type Change struct {
	Previous models.LockRecord
	Current  models.LockRecord
	Update   Update
}

// StateChanged reports whether the lock position changed.
func (c Change) StateChanged() bool {
	return c.Previous.State != c.Current.State
}

// Listener observes applied changes. Listeners run while the lock's record
// is held, so they must not block or write back into the store.
type Listener func(Change)

type entry struct {
	mu  sync.Mutex
	rec models.LockRecord
}

// Store is the in-memory lock state. Mutation is serialized per lock;
// different locks update independently.
type Store struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// NewStore returns an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:    logger.With("component", "state"),
		entries:   make(map[string]*entry),
		listeners: make(map[int]Listener),
	}
}

// Ensure creates a record for a newly discovered lock. It reports whether
// the record was created; an existing record is left untouched.
func (s *Store) Ensure(lockID, name string) (models.LockRecord, bool) {
	s.mu.Lock()
	e, ok := s.entries[lockID]
	if !ok {
		e = &entry{rec: models.NewLockRecord(lockID, name)}
		s.entries[lockID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		s.logger.Info("lock registered", "lock_id", lockID, "name", name)
	}
	return e.rec.Clone(), !ok
}

// Upsert merges upd into the lock's record.
func (s *Store) Upsert(lockID string, upd Update) (models.LockRecord, bool, error) {
	if upd.Source.Priority() < 0 {
		return models.LockRecord{}, false, fmt.Errorf("upsert %s: unknown source %q", lockID, upd.Source)
	}
	e, err := s.entry(lockID)
	if err != nil {
		return models.LockRecord{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.rec
	merged, changed := Merge(prev, upd)
	if !changed {
		return prev.Clone(), false, nil
	}
	e.rec = merged
	s.logger.Debug("lock state merged",
		"lock_id", lockID,
		"source", upd.Source,
		"at", upd.At,
		"state", merged.State,
	)
	s.notify(Change{Previous: prev.Clone(), Current: merged.Clone(), Update: upd})
	return merged.Clone(), true, nil
}

// MarkStale flags the lock's state as unconfirmed if it is still the
// optimistic value of a command. It reports whether the flag was set.
func (s *Store) MarkStale(lockID string) (bool, error) {
	e, err := s.entry(lockID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Stale || e.rec.Stamps.State.Source != models.SourceCommandEcho {
		return false, nil
	}
	prev := e.rec.Clone()
	e.rec.Stale = true
	s.notify(Change{Previous: prev, Current: e.rec.Clone()})
	return true, nil
}

// Get returns a copy of the lock's record.
func (s *Store) Get(lockID string) (models.LockRecord, error) {
	e, err := s.entry(lockID)
	if err != nil {
		return models.LockRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

// List returns a fresh snapshot of every record, ordered by name then id.
func (s *Store) List() []models.LockRecord {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]models.LockRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].LockID < out[j].LockID
	})
	return out
}

// IDs returns the known lock identifiers.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn for every applied change and returns a function
// that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) entry(lockID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[lockID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, lockID)
	}
	return e, nil
}

func (s *Store) notify(c Change) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(c)
	}
}

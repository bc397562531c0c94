package storage

import (
	"context"
	"fmt"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// LockRepository persists the inventory of discovered locks.
type LockRepository struct {
	BaseRepository
}

// NewLockRepository creates a new lock repository.
func NewLockRepository(db *DB) *LockRepository {
	return &LockRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Save inserts a discovered lock or refreshes its name and MAC.
func (r *LockRepository) Save(ctx context.Context, lock models.ManagedLock) error {
	now := r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO managed_locks (lock_id, name, mac, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lock_id) DO UPDATE SET
			name = excluded.name,
			mac = CASE WHEN excluded.mac = '' THEN managed_locks.mac ELSE excluded.mac END,
			updated_at = excluded.updated_at
	`, lock.LockID, lock.Name, lock.MAC, now, now)
	if err != nil {
		return fmt.Errorf("saving lock %s: %w", lock.LockID, err)
	}

	return nil
}

// List retrieves every lock in the inventory.
func (r *LockRepository) List(ctx context.Context) ([]models.ManagedLock, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT lock_id, name, mac, created_at, updated_at
		FROM managed_locks
		ORDER BY name, lock_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying locks: %w", err)
	}
	defer rows.Close()

	var locks []models.ManagedLock
	for rows.Next() {
		var lock models.ManagedLock
		if err := rows.Scan(&lock.LockID, &lock.Name, &lock.MAC, &lock.CreatedAt, &lock.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		locks = append(locks, lock)
	}

	return locks, rows.Err()
}

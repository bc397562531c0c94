package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// CredentialRepository persists the single OAuth credential row.
type CredentialRepository struct {
	BaseRepository
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Load returns the stored credential, or a zero credential when none was saved.
func (r *CredentialRepository) Load(ctx context.Context) (models.Credential, error) {
	var cred models.Credential

	err := r.DB().QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, issued_at
		FROM credentials WHERE id = 1
	`).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.IssuedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, nil
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("querying credential: %w", err)
	}

	return cred, nil
}

// SaveCredential replaces the stored credential.
func (r *CredentialRepository) SaveCredential(ctx context.Context, cred models.Credential) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, expires_at, issued_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			issued_at = excluded.issued_at,
			updated_at = excluded.updated_at
	`, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.UTC(), cred.IssuedAt.UTC(), r.Now())
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	return nil
}

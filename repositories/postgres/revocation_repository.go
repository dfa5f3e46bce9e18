package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/models"
	"github.com/fieldline/ems-auth/repositories"
)

// RevocationRepository implements the repositories.RevocationRepository interface
type RevocationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRevocationRepository creates a new revocation repository
func NewRevocationRepository(db *DB, logger *zap.Logger) repositories.RevocationRepository {
	return &RevocationRepository{
		db:     db,
		logger: logger,
	}
}

// Revoke records a token fingerprint as revoked. A conflicting insert
// means someone else revoked the fingerprint first; the caller gets
// repositories.ErrAlreadyRevoked so racing rotations cannot both win.
func (r *RevocationRepository) Revoke(ctx context.Context, entry *models.RevocationEntry) error {
	query := `
		INSERT INTO token_blacklist (id, token_hash, token_type, person_id, tenant_id, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token_hash) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		entry.ID,
		entry.TokenHash,
		entry.TokenType,
		entry.PersonID,
		entry.TenantID,
		entry.ExpiresAt,
		entry.RevokedAt,
		entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return repositories.ErrAlreadyRevoked
	}

	r.logger.Debug("token revoked",
		zap.String("token_type", entry.TokenType),
		zap.String("person_id", entry.PersonID.String()),
	)
	return nil
}

// IsRevoked reports whether a fingerprint is revoked and not yet expired
func (r *RevocationRepository) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM token_blacklist
			WHERE token_hash = $1 AND expires_at > CURRENT_TIMESTAMP
		)
	`

	executor := GetExecutor(ctx, r.db)
	var revoked bool
	if err := executor.QueryRowContext(ctx, query, tokenHash).Scan(&revoked); err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}

	return revoked, nil
}

// DeleteExpired removes entries whose underlying tokens have expired
func (r *RevocationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM token_blacklist WHERE expires_at <= CURRENT_TIMESTAMP`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		r.logger.Debug("expired revocation entries deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}

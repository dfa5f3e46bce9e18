package models

import (
	"time"

	"github.com/google/uuid"
)

// Token kinds recorded in the revocation ledger.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// RevocationEntry records a revoked token by its SHA-256 fingerprint.
// Entries past ExpiresAt are inert and eligible for reaping.
type RevocationEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TokenHash string    `json:"token_hash" db:"token_hash"`
	TokenType string    `json:"token_type" db:"token_type"`
	PersonID  uuid.UUID `json:"person_id" db:"person_id"`
	TenantID  uuid.UUID `json:"tenant_id" db:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	RevokedAt time.Time `json:"revoked_at" db:"revoked_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the RevocationEntry model
func (RevocationEntry) TableName() string {
	return "token_blacklist"
}

// NewRevocationEntry creates a ledger entry for a token fingerprint
func NewRevocationEntry(tokenHash, tokenType string, personID, tenantID uuid.UUID, expiresAt time.Time) *RevocationEntry {
	now := time.Now()
	return &RevocationEntry{
		ID:        uuid.New(),
		TokenHash: tokenHash,
		TokenType: tokenType,
		PersonID:  personID,
		TenantID:  tenantID,
		ExpiresAt: expiresAt,
		RevokedAt: now,
		CreatedAt: now,
	}
}

// Expired reports whether the underlying token has already expired
func (e *RevocationEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Package token issues and verifies the service's signed tokens.
//
// Tokens are HS256 JWTs carrying the subject person, the tenant scope,
// the tenant role and an explicit kind claim that separates access
// tokens from refresh tokens. Pending tokens (persons without a tenant
// yet) carry an empty tenant_id and the pending role.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates access tokens from refresh tokens
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Roles written into token claims beyond the tenant roles.
const (
	RoleRefresh = "refresh"
	RolePending = "pending"
)

// Default token lifetimes.
const (
	DefaultAccessTTL         = time.Hour
	DefaultRefreshTTL        = 30 * 24 * time.Hour
	DefaultPendingRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrTokenExpired indicates the token signature was valid but the token is past exp
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid indicates the token could not be parsed or verified
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the JWT payload for both token kinds
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Kind     Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// PersonID parses the subject claim as the person identifier
func (c *Claims) PersonID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject claim: %w", err)
	}
	return id, nil
}

// IsPending reports whether the claims belong to a person with no tenant yet
func (c *Claims) IsPending() bool {
	return c.TenantID == "" || c.Role == RolePending
}

// Codec issues and verifies tokens with a single shared secret
type Codec struct {
	secret            []byte
	accessTTL         time.Duration
	refreshTTL        time.Duration
	pendingRefreshTTL time.Duration
	now               func() time.Time
}

// NewCodec creates a Codec. Zero TTLs fall back to the defaults.
func NewCodec(secret string, accessTTL, refreshTTL, pendingRefreshTTL time.Duration) *Codec {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if pendingRefreshTTL <= 0 {
		pendingRefreshTTL = DefaultPendingRefreshTTL
	}
	return &Codec{
		secret:            []byte(secret),
		accessTTL:         accessTTL,
		refreshTTL:        refreshTTL,
		pendingRefreshTTL: pendingRefreshTTL,
		now:               time.Now,
	}
}

// AccessTTL returns the configured access-token lifetime
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the refresh-token lifetime for the given scope
func (c *Codec) RefreshTTL(pending bool) time.Duration {
	if pending {
		return c.pendingRefreshTTL
	}
	return c.refreshTTL
}

func (c *Codec) issue(kind Kind, personID uuid.UUID, tenantID, role string, ttl time.Duration) (string, error) {
	now := c.now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			// A fresh jti makes every issued token distinct, even for
			// identical claims within the same second. Refresh
			// rotation depends on this.
			ID:        uuid.NewString(),
			Subject:   personID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

// IssueAccess issues a tenant-scoped access token
func (c *Codec) IssueAccess(personID uuid.UUID, tenantID, role string) (string, error) {
	return c.issue(KindAccess, personID, tenantID, role, c.accessTTL)
}

// IssueRefresh issues a tenant-scoped refresh token. The role claim is
// fixed to "refresh"; the kind claim is authoritative.
func (c *Codec) IssueRefresh(personID uuid.UUID, tenantID string) (string, error) {
	return c.issue(KindRefresh, personID, tenantID, RoleRefresh, c.refreshTTL)
}

// IssuePendingAccess issues an access token for a person with no tenant
func (c *Codec) IssuePendingAccess(personID uuid.UUID) (string, error) {
	return c.issue(KindAccess, personID, "", RolePending, c.accessTTL)
}

// IssuePendingRefresh issues a short-lived refresh token for a person
// with no tenant
func (c *Codec) IssuePendingRefresh(personID uuid.UUID) (string, error) {
	return c.issue(KindRefresh, personID, "", RoleRefresh, c.pendingRefreshTTL)
}

// Verify parses and validates a raw token and returns its claims
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

// Fingerprint returns the SHA-256 hex digest of a raw token, the form
// stored in the revocation ledger
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

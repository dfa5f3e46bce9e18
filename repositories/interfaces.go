package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fieldline/ems-auth/models"
)

// ErrAlreadyRevoked is returned by RevocationRepository.Revoke when the
// fingerprint is already in the ledger. Callers racing on the same
// token use this to detect that they lost.
var ErrAlreadyRevoked = errors.New("token already revoked")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// SetTenantContext sets the tenant session variable used by row-level
	// security policies. Only meaningful inside a transaction.
	SetTenantContext(ctx context.Context, tenantID uuid.UUID) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PersonRepository handles person data operations
type PersonRepository interface {
	// Create creates a new person
	Create(ctx context.Context, person *models.Person) error

	// GetByID retrieves a person by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Person, error)

	// GetByEmail retrieves a person by email
	GetByEmail(ctx context.Context, email string) (*models.Person, error)

	// GetByExternalUID retrieves a person by identity provider UID
	GetByExternalUID(ctx context.Context, externalUID uuid.UUID) (*models.Person, error)

	// Update updates a person
	Update(ctx context.Context, person *models.Person) error

	// UpdateLastLogin stamps the person's last successful login
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
}

// TenantRepository handles tenant data operations
type TenantRepository interface {
	// Create creates a new tenant
	Create(ctx context.Context, tenant *models.Tenant) error

	// GetByID retrieves a tenant by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	// GetBySubdomain retrieves a tenant by subdomain
	GetBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error)

	// Update updates a tenant
	Update(ctx context.Context, tenant *models.Tenant) error
}

// AssociationRepository handles tenant-person association operations
type AssociationRepository interface {
	// Create creates a new association
	Create(ctx context.Context, assoc *models.TenantPerson) error

	// GetByPersonAndTenant retrieves the association between a person and a tenant
	GetByPersonAndTenant(ctx context.Context, personID, tenantID uuid.UUID) (*models.TenantPerson, error)

	// GetPrimaryByPerson retrieves the person's primary association
	GetPrimaryByPerson(ctx context.Context, personID uuid.UUID) (*models.TenantPerson, error)

	// ListByPerson retrieves all associations for a person
	ListByPerson(ctx context.Context, personID uuid.UUID) ([]*models.TenantPerson, error)

	// ClearPrimary unsets the primary flag on all of the person's associations
	ClearPrimary(ctx context.Context, personID uuid.UUID) error
}

// RevocationRepository handles the revoked-token ledger
type RevocationRepository interface {
	// Revoke records a token fingerprint as revoked. Returns
	// ErrAlreadyRevoked when the fingerprint is already in the ledger.
	Revoke(ctx context.Context, entry *models.RevocationEntry) error

	// IsRevoked reports whether a fingerprint is revoked and not yet expired
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)

	// DeleteExpired removes entries whose underlying tokens have expired
	DeleteExpired(ctx context.Context) (int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Persons      PersonRepository
	Tenants      TenantRepository
	Associations AssociationRepository
	Revocations  RevocationRepository
}

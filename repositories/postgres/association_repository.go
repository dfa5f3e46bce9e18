package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/models"
	"github.com/fieldline/ems-auth/repositories"
)

// AssociationRepository implements the repositories.AssociationRepository interface
type AssociationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAssociationRepository creates a new association repository
func NewAssociationRepository(db *DB, logger *zap.Logger) repositories.AssociationRepository {
	return &AssociationRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new association
func (r *AssociationRepository) Create(ctx context.Context, assoc *models.TenantPerson) error {
	query := `
		INSERT INTO tenant_person (id, person_id, tenant_id, role, access_level, is_primary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		assoc.ID,
		assoc.PersonID,
		assoc.TenantID,
		assoc.Role,
		pq.Array(assoc.AccessLevel),
		assoc.IsPrimary,
		assoc.CreatedAt,
		assoc.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create association: %w", err)
	}

	r.logger.Debug("association created",
		zap.String("person_id", assoc.PersonID.String()),
		zap.String("tenant_id", assoc.TenantID.String()),
		zap.String("role", string(assoc.Role)),
	)
	return nil
}

func (r *AssociationRepository) scanAssociation(row *sql.Row) (*models.TenantPerson, error) {
	assoc := &models.TenantPerson{}
	err := row.Scan(
		&assoc.ID,
		&assoc.PersonID,
		&assoc.TenantID,
		&assoc.Role,
		pq.Array(&assoc.AccessLevel),
		&assoc.IsPrimary,
		&assoc.CreatedAt,
		&assoc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return assoc, nil
}

// GetByPersonAndTenant retrieves the association between a person and a tenant
func (r *AssociationRepository) GetByPersonAndTenant(ctx context.Context, personID, tenantID uuid.UUID) (*models.TenantPerson, error) {
	query := `
		SELECT id, person_id, tenant_id, role, access_level, is_primary, created_at, updated_at
		FROM tenant_person
		WHERE person_id = $1 AND tenant_id = $2
	`

	executor := GetExecutor(ctx, r.db)
	assoc, err := r.scanAssociation(executor.QueryRowContext(ctx, query, personID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("association for person %s in tenant %s: %w", personID, tenantID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get association: %w", err)
	}

	return assoc, nil
}

// GetPrimaryByPerson retrieves the person's primary association
func (r *AssociationRepository) GetPrimaryByPerson(ctx context.Context, personID uuid.UUID) (*models.TenantPerson, error) {
	query := `
		SELECT id, person_id, tenant_id, role, access_level, is_primary, created_at, updated_at
		FROM tenant_person
		WHERE person_id = $1 AND is_primary
	`

	executor := GetExecutor(ctx, r.db)
	assoc, err := r.scanAssociation(executor.QueryRowContext(ctx, query, personID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("primary association for person %s: %w", personID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get primary association: %w", err)
	}

	return assoc, nil
}

// ListByPerson retrieves all associations for a person
func (r *AssociationRepository) ListByPerson(ctx context.Context, personID uuid.UUID) ([]*models.TenantPerson, error) {
	query := `
		SELECT id, person_id, tenant_id, role, access_level, is_primary, created_at, updated_at
		FROM tenant_person
		WHERE person_id = $1
		ORDER BY created_at
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	var assocs []*models.TenantPerson
	for rows.Next() {
		assoc := &models.TenantPerson{}
		err := rows.Scan(
			&assoc.ID,
			&assoc.PersonID,
			&assoc.TenantID,
			&assoc.Role,
			pq.Array(&assoc.AccessLevel),
			&assoc.IsPrimary,
			&assoc.CreatedAt,
			&assoc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		assocs = append(assocs, assoc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating association rows: %w", err)
	}

	return assocs, nil
}

// ClearPrimary unsets the primary flag on all of the person's associations
func (r *AssociationRepository) ClearPrimary(ctx context.Context, personID uuid.UUID) error {
	query := `
		UPDATE tenant_person
		SET is_primary = false,
		    updated_at = CURRENT_TIMESTAMP
		WHERE person_id = $1 AND is_primary
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, personID); err != nil {
		return fmt.Errorf("failed to clear primary association: %w", err)
	}

	r.logger.Debug("primary association cleared", zap.String("person_id", personID.String()))
	return nil
}

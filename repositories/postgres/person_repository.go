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

// PersonRepository implements the repositories.PersonRepository interface
type PersonRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPersonRepository creates a new person repository
func NewPersonRepository(db *DB, logger *zap.Logger) repositories.PersonRepository {
	return &PersonRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new person
func (r *PersonRepository) Create(ctx context.Context, person *models.Person) error {
	query := `
		INSERT INTO person (id, external_uid, name, email, phone, global_access, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		person.ID,
		person.ExternalUID,
		person.Name,
		person.Email,
		person.Phone,
		pq.Array(person.GlobalAccess),
		person.IsActive,
		person.CreatedAt,
		person.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create person: %w", err)
	}

	r.logger.Debug("person created", zap.String("id", person.ID.String()), zap.String("email", person.Email))
	return nil
}

func (r *PersonRepository) scanPerson(row *sql.Row) (*models.Person, error) {
	person := &models.Person{}
	err := row.Scan(
		&person.ID,
		&person.ExternalUID,
		&person.Name,
		&person.Email,
		&person.Phone,
		pq.Array(&person.GlobalAccess),
		&person.IsActive,
		&person.LastLogin,
		&person.CreatedAt,
		&person.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return person, nil
}

// GetByID retrieves a person by ID
func (r *PersonRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	query := `
		SELECT id, external_uid, name, email, phone, global_access, is_active, last_login, created_at, updated_at
		FROM person
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	person, err := r.scanPerson(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("person %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get person: %w", err)
	}

	return person, nil
}

// GetByEmail retrieves a person by email
func (r *PersonRepository) GetByEmail(ctx context.Context, email string) (*models.Person, error) {
	query := `
		SELECT id, external_uid, name, email, phone, global_access, is_active, last_login, created_at, updated_at
		FROM person
		WHERE email = $1
	`

	executor := GetExecutor(ctx, r.db)
	person, err := r.scanPerson(executor.QueryRowContext(ctx, query, email))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("person for email %s: %w", email, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get person: %w", err)
	}

	return person, nil
}

// GetByExternalUID retrieves a person by identity provider UID
func (r *PersonRepository) GetByExternalUID(ctx context.Context, externalUID uuid.UUID) (*models.Person, error) {
	query := `
		SELECT id, external_uid, name, email, phone, global_access, is_active, last_login, created_at, updated_at
		FROM person
		WHERE external_uid = $1
	`

	executor := GetExecutor(ctx, r.db)
	person, err := r.scanPerson(executor.QueryRowContext(ctx, query, externalUID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("person for external_uid %s: %w", externalUID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get person: %w", err)
	}

	return person, nil
}

// Update updates a person
func (r *PersonRepository) Update(ctx context.Context, person *models.Person) error {
	query := `
		UPDATE person
		SET name = $2,
		    email = $3,
		    phone = $4,
		    global_access = $5,
		    is_active = $6,
		    updated_at = $7
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		person.ID,
		person.Name,
		person.Email,
		person.Phone,
		pq.Array(person.GlobalAccess),
		person.IsActive,
		person.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update person: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("person %s: %w", person.ID, sql.ErrNoRows)
	}

	r.logger.Debug("person updated", zap.String("id", person.ID.String()))
	return nil
}

// UpdateLastLogin stamps the person's last successful login
func (r *PersonRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE person
		SET last_login = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("person %s: %w", id, sql.ErrNoRows)
	}

	r.logger.Debug("person last login updated", zap.String("id", id.String()))
	return nil
}

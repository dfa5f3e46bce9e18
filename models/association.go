package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PersonRole classifies a person's relationship to a tenant. Pending is
// the sentinel role for persons not yet attached to any tenant.
type PersonRole string

const (
	RolePending     PersonRole = "pending"
	RoleInternal    PersonRole = "internal"
	RoleCustomer    PersonRole = "customer"
	RoleVendor      PersonRole = "vendor"
	RoleDistributor PersonRole = "distributor"
)

// ParsePersonRole converts a stored role string into a PersonRole
func ParsePersonRole(s string) (PersonRole, error) {
	switch PersonRole(s) {
	case RolePending, RoleInternal, RoleCustomer, RoleVendor, RoleDistributor:
		return PersonRole(s), nil
	default:
		return "", fmt.Errorf("invalid person role: %s", s)
	}
}

// Access-level tags carried on tenant associations.
const (
	AccessAdmin    = "admin"
	AccessStandard = "standard"
)

// TenantPerson links a person to a tenant with a role. At most one
// association per person is primary; the primary one decides which
// tenant a login without explicit tenant context lands in.
type TenantPerson struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	PersonID    uuid.UUID  `json:"person_id" db:"person_id"`
	TenantID    uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Role        PersonRole `json:"role" db:"role"`
	AccessLevel []string   `json:"access_level,omitempty" db:"access_level"`
	IsPrimary   bool       `json:"is_primary" db:"is_primary"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the TenantPerson model
func (TenantPerson) TableName() string {
	return "tenant_person"
}

// NewTenantPerson creates a new association between a person and a tenant
func NewTenantPerson(personID, tenantID uuid.UUID, role PersonRole, accessLevel []string, primary bool) *TenantPerson {
	now := time.Now()
	return &TenantPerson{
		ID:          uuid.New(),
		PersonID:    personID,
		TenantID:    tenantID,
		Role:        role,
		AccessLevel: accessLevel,
		IsPrimary:   primary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

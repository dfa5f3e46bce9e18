package models

import (
	"time"

	"github.com/google/uuid"
)

// Person represents an identity in the system backed by the hosted
// identity provider. A person may belong to zero or more tenants.
type Person struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	ExternalUID  uuid.UUID  `json:"external_uid" db:"external_uid"`
	Name         string     `json:"name" db:"name"`
	Email        string     `json:"email" db:"email"`
	Phone        *string    `json:"phone,omitempty" db:"phone"`
	GlobalAccess []string   `json:"global_access,omitempty" db:"global_access"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Person model
func (Person) TableName() string {
	return "person"
}

// NewPerson creates a new Person instance
func NewPerson(externalUID uuid.UUID, name, email string) *Person {
	now := time.Now()
	return &Person{
		ID:          uuid.New(),
		ExternalUID: externalUID,
		Name:        name,
		Email:       email,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

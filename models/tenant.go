package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant represents an isolated customer workspace addressed by subdomain
type Tenant struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Subdomain   string          `json:"subdomain" db:"subdomain"`
	DatabaseURL *string         `json:"database_url,omitempty" db:"database_url"`
	Settings    json.RawMessage `json:"settings" db:"settings"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// NewTenant creates a new active Tenant with empty settings
func NewTenant(name, subdomain string) *Tenant {
	now := time.Now()
	return &Tenant{
		ID:        uuid.New(),
		Name:      name,
		Subdomain: subdomain,
		Settings:  json.RawMessage(`{}`),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

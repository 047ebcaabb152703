package models

import (
	"time"

	"github.com/google/uuid"
)

// OrganizationStatus represents the lifecycle status of an organization
type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "active"
	OrganizationStatusSuspended OrganizationStatus = "suspended"
	OrganizationStatusInactive  OrganizationStatus = "inactive"
)

// Organization represents a tenant organization with a prepaid credit balance.
// Balances are kept in centicredits (1/100 of a credit) to avoid floating
// point currency arithmetic.
type Organization struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	Name            string             `json:"name" db:"name"`
	Status          OrganizationStatus `json:"status" db:"status"`
	Centicredits    int64              `json:"centicredits" db:"centicredits"`
	WebhooksEnabled bool               `json:"webhooks_enabled" db:"webhooks_enabled"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the organization can run bots and receive webhooks
func (o *Organization) IsActive() bool {
	return o.Status == OrganizationStatusActive
}

// Project represents a project within an organization. Bots, API keys and
// webhook subscriptions are scoped to a project.
type Project struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

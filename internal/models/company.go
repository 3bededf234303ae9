package models

import "time"

// CompanyStatus represents the lifecycle state of a tenant.
type CompanyStatus string

const (
	CompanyActive    CompanyStatus = "active"
	CompanySuspended CompanyStatus = "suspended"
	CompanyCancelled CompanyStatus = "cancelled"
)

// Company represents a tenant in the system.
type Company struct {
	ID                int64         `json:"id" db:"id"`
	Name              string        `json:"name" db:"name"`
	Subdomain         string        `json:"subdomain" db:"subdomain"`
	Plan              Plan          `json:"plan" db:"plan"`
	Status            CompanyStatus `json:"status" db:"status"`
	MaxWorkspaces     int           `json:"max_workspaces" db:"max_workspaces"`
	PreferredCurrency string        `json:"preferred_currency" db:"preferred_currency"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

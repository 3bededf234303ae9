package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLog is an append-only record of a security-relevant event.
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	UserID       *int64          `json:"user_id,omitempty" db:"user_id"`
	CompanyID    *int64          `json:"company_id,omitempty" db:"company_id"`
	Action       string          `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"`
	ResourceID   string          `json:"resource_id" db:"resource_id"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"`
	IPAddress    *string         `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// WorkspaceSession tracks one stretch of workspace usage, opened on first
// forward-auth pass and closed when the workspace stops.
type WorkspaceSession struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	WorkspaceID int64      `json:"workspace_id" db:"workspace_id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	LastSeenAt  time.Time  `json:"last_seen_at" db:"last_seen_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// EmailLog records an outbound notification. Delivery itself is handled by
// an external mailer; the control plane only writes the log row.
type EmailLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    *int64    `json:"user_id,omitempty" db:"user_id"`
	CompanyID *int64    `json:"company_id,omitempty" db:"company_id"`
	Recipient string    `json:"recipient" db:"recipient"`
	Subject   string    `json:"subject" db:"subject"`
	Template  string    `json:"template" db:"template"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LoginAttempt records one authentication attempt for lockout accounting.
type LoginAttempt struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	UserID    *int64    `json:"user_id,omitempty" db:"user_id"`
	IPAddress *string   `json:"ip_address,omitempty" db:"ip_address"`
	Success   bool      `json:"success" db:"success"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

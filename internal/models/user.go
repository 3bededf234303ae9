package models

import "time"

// Role represents a user's role within a company.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User represents a platform user belonging to one company.
type User struct {
	ID                  int64      `json:"id" db:"id"`
	CompanyID           int64      `json:"company_id" db:"company_id"`
	Email               string     `json:"email" db:"email"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	Role                Role       `json:"role" db:"role"`
	WorkspaceQuota      int        `json:"workspace_quota" db:"workspace_quota"`
	FailedLoginAttempts int        `json:"-" db:"failed_login_attempts"`
	AccountLockedUntil  *time.Time `json:"-" db:"account_locked_until"`
	TermsAccepted       bool       `json:"terms_accepted" db:"terms_accepted"`
	TermsAcceptedAt     *time.Time `json:"terms_accepted_at,omitempty" db:"terms_accepted_at"`
	TermsAcceptedIP     *string    `json:"-" db:"terms_accepted_ip"`
	TermsVersion        *string    `json:"terms_version,omitempty" db:"terms_version"`
	PrivacyAccepted     bool       `json:"privacy_accepted" db:"privacy_accepted"`
	PrivacyAcceptedAt   *time.Time `json:"privacy_accepted_at,omitempty" db:"privacy_accepted_at"`
	PrivacyAcceptedIP   *string    `json:"-" db:"privacy_accepted_ip"`
	PrivacyVersion      *string    `json:"privacy_version,omitempty" db:"privacy_version"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// IsLocked reports whether the account is currently locked out.
func (u *User) IsLocked(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}

// Actor is the authenticated principal attached to every core operation.
// The HTTP layer builds it from the session; the core never sees passwords
// or cookies.
type Actor struct {
	UserID    int64 `json:"user_id"`
	CompanyID int64 `json:"company_id"`
	Role      Role  `json:"role"`
}

// IsAdmin reports whether the actor has the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atolyecloud/atolye/internal/models"
)

// UserRepository defines the interface for user data operations.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	RecordFailedLogin(ctx context.Context, id int64, lockUntil *time.Time) error
	ResetFailedLogins(ctx context.Context, id int64) error
}

type userRepo struct {
	db DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db DB) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, company_id, email, password_hash, role, workspace_quota,
	failed_login_attempts, account_locked_until,
	terms_accepted, terms_accepted_at, terms_accepted_ip, terms_version,
	privacy_accepted, privacy_accepted_at, privacy_accepted_ip, privacy_version,
	created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID,
		&u.CompanyID,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.WorkspaceQuota,
		&u.FailedLoginAttempts,
		&u.AccountLockedUntil,
		&u.TermsAccepted,
		&u.TermsAcceptedAt,
		&u.TermsAcceptedIP,
		&u.TermsVersion,
		&u.PrivacyAccepted,
		&u.PrivacyAcceptedAt,
		&u.PrivacyAcceptedIP,
		&u.PrivacyVersion,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user.
func (r *userRepo) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (company_id, email, password_hash, role, workspace_quota,
			terms_accepted, terms_accepted_at, terms_accepted_ip, terms_version,
			privacy_accepted, privacy_accepted_at, privacy_accepted_ip, privacy_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	if user.Role == "" {
		user.Role = models.RoleMember
	}
	if user.WorkspaceQuota == 0 {
		user.WorkspaceQuota = 1
	}
	return r.db.QueryRow(ctx, query,
		user.CompanyID,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.WorkspaceQuota,
		user.TermsAccepted,
		user.TermsAcceptedAt,
		user.TermsAcceptedIP,
		user.TermsVersion,
		user.PrivacyAccepted,
		user.PrivacyAcceptedAt,
		user.PrivacyAcceptedIP,
		user.PrivacyVersion,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
}

// GetByID retrieves a user by id.
func (r *userRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by email.
func (r *userRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRow(ctx, query, email))
}

// RecordFailedLogin bumps the failure counter and optionally locks the
// account until the given time.
func (r *userRepo) RecordFailedLogin(ctx context.Context, id int64, lockUntil *time.Time) error {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    account_locked_until = COALESCE($2, account_locked_until),
		    updated_at = now()
		WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, lockUntil)
	return err
}

// ResetFailedLogins clears lockout state after a successful login.
func (r *userRepo) ResetFailedLogins(ctx context.Context, id int64) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, account_locked_until = NULL, updated_at = now()
		WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	return err
}

var _ UserRepository = (*userRepo)(nil)

package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/atolyecloud/atolye/internal/models"
)

// AuditRepository stores append-only audit, session, email, and login
// records.
type AuditRepository interface {
	InsertAuditLog(ctx context.Context, log *models.AuditLog) error
	ListByCompany(ctx context.Context, companyID int64, limit int) ([]*models.AuditLog, error)

	InsertLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	CountRecentFailedLogins(ctx context.Context, email string, since time.Time) (int, error)

	InsertEmailLog(ctx context.Context, log *models.EmailLog) error

	OpenSession(ctx context.Context, session *models.WorkspaceSession) error
	TouchSession(ctx context.Context, workspaceID, userID int64, at time.Time) (bool, error)
	EndSessions(ctx context.Context, workspaceID int64, at time.Time) error
}

type auditRepo struct {
	db DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db DB) AuditRepository {
	return &auditRepo{db: db}
}

// InsertAuditLog appends one audit record.
func (r *auditRepo) InsertAuditLog(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, user_id, company_id, action, resource_type, resource_id, details, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if len(log.Details) == 0 {
		log.Details = json.RawMessage(`{}`)
	}
	return r.db.QueryRow(ctx, query,
		log.ID,
		log.UserID,
		log.CompanyID,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		log.Details,
		log.IPAddress,
	).Scan(&log.CreatedAt)
}

// ListByCompany retrieves a tenant's newest audit records.
func (r *auditRepo) ListByCompany(ctx context.Context, companyID int64, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, user_id, company_id, action, resource_type, resource_id, details, ip_address, created_at
		FROM audit_logs
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(
			&l.ID,
			&l.UserID,
			&l.CompanyID,
			&l.Action,
			&l.ResourceType,
			&l.ResourceID,
			&l.Details,
			&l.IPAddress,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// InsertLoginAttempt appends one login attempt.
func (r *auditRepo) InsertLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (id, email, user_id, ip_address, success)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	return r.db.QueryRow(ctx, query,
		attempt.ID,
		attempt.Email,
		attempt.UserID,
		attempt.IPAddress,
		attempt.Success,
	).Scan(&attempt.CreatedAt)
}

// CountRecentFailedLogins counts failures for lockout accounting.
func (r *auditRepo) CountRecentFailedLogins(ctx context.Context, email string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_attempts WHERE email = $1 AND NOT success AND created_at >= $2`,
		email, since).Scan(&count)
	return count, err
}

// InsertEmailLog records an outbound notification.
func (r *auditRepo) InsertEmailLog(ctx context.Context, log *models.EmailLog) error {
	query := `
		INSERT INTO email_logs (id, user_id, company_id, recipient, subject, template, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.Status == "" {
		log.Status = "queued"
	}
	return r.db.QueryRow(ctx, query,
		log.ID,
		log.UserID,
		log.CompanyID,
		log.Recipient,
		log.Subject,
		log.Template,
		log.Status,
	).Scan(&log.CreatedAt)
}

// OpenSession starts a usage session.
func (r *auditRepo) OpenSession(ctx context.Context, session *models.WorkspaceSession) error {
	query := `
		INSERT INTO workspace_sessions (id, workspace_id, user_id, started_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)`

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.LastSeenAt.IsZero() {
		session.LastSeenAt = session.StartedAt
	}
	_, err := r.db.Exec(ctx, query,
		session.ID,
		session.WorkspaceID,
		session.UserID,
		session.StartedAt,
		session.LastSeenAt,
	)
	return err
}

// TouchSession bumps the open session's last_seen_at, reporting whether
// one existed.
func (r *auditRepo) TouchSession(ctx context.Context, workspaceID, userID int64, at time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE workspace_sessions SET last_seen_at = $3
		WHERE workspace_id = $1 AND user_id = $2 AND ended_at IS NULL`,
		workspaceID, userID, at)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// EndSessions closes every open session of a workspace, called on stop.
func (r *auditRepo) EndSessions(ctx context.Context, workspaceID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE workspace_sessions SET ended_at = $2
		WHERE workspace_id = $1 AND ended_at IS NULL`,
		workspaceID, at)
	return err
}

var _ AuditRepository = (*auditRepo)(nil)

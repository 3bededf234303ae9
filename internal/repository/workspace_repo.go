package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
)

// WorkspaceRepository defines the interface for workspace data operations.
type WorkspaceRepository interface {
	// CreateAllocatingPort inserts the workspace row, assigning the first
	// free port in [portMin, portMax] inside a serializable transaction.
	// Returns ErrPortExhausted when the range is full.
	CreateAllocatingPort(ctx context.Context, ws *models.Workspace, portMin, portMax int) error
	GetByID(ctx context.Context, id int64) (*models.Workspace, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*models.Workspace, error)
	ListByCompany(ctx context.Context, companyID int64) ([]*models.Workspace, error)
	ListRunning(ctx context.Context) ([]*models.Workspace, error)
	ListByStatus(ctx context.Context, status models.WorkspaceStatus) ([]*models.Workspace, error)
	CountByCompany(ctx context.Context, companyID int64) (int, error)
	CountByUser(ctx context.Context, userID int64) (int, error)
	ExistsName(ctx context.Context, companyID int64, name string) (bool, error)
	UpdateStatus(ctx context.Context, id int64, status models.WorkspaceStatus, state models.ProvisioningState, progress *string) error
	SetRunning(ctx context.Context, id int64, running bool, at time.Time) error
	SetResumeCursor(ctx context.Context, id int64, cursor *int) error
	SetSSHPublicKey(ctx context.Context, id int64, publicKey string) error
	MergeExtraData(ctx context.Context, id int64, patch map[string]any) error
	UpdateDiskQuota(ctx context.Context, id int64, quotaGB int) error
	// RaiseDiskQuotaForCompany lifts every workspace of the tenant whose
	// quota sits below quotaGB up to it, returning the rows it changed.
	RaiseDiskQuotaForCompany(ctx context.Context, companyID int64, quotaGB int) ([]*models.Workspace, error)
	TouchAccessed(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
	// WithTx returns a copy bound to the given transaction.
	WithTx(tx pgx.Tx) WorkspaceRepository
}

type workspaceRepo struct {
	db   DB
	pool *pgxpool.Pool
}

// NewWorkspaceRepository creates a new workspace repository.
func NewWorkspaceRepository(pool *pgxpool.Pool) WorkspaceRepository {
	return &workspaceRepo{db: pool, pool: pool}
}

// WithTx returns a copy that runs its statements on the transaction.
// CreateAllocatingPort stays on the pool because it opens its own
// serializable transaction.
func (r *workspaceRepo) WithTx(tx pgx.Tx) WorkspaceRepository {
	return &workspaceRepo{db: tx, pool: r.pool}
}

const workspaceColumns = `id, company_id, user_id, template_id, name, subdomain, linux_username, port,
	code_server_password, status, provisioning_state, progress_message, is_running,
	last_started_at, last_stopped_at, last_accessed_at,
	auto_stop_hours, cpu_limit_percent, memory_limit_mb, disk_quota_gb,
	access_token, ssh_public_key, extra_data, resume_cursor, created_at, updated_at`

func scanWorkspace(row pgx.Row) (*models.Workspace, error) {
	var w models.Workspace
	err := row.Scan(
		&w.ID,
		&w.CompanyID,
		&w.UserID,
		&w.TemplateID,
		&w.Name,
		&w.Subdomain,
		&w.LinuxUsername,
		&w.Port,
		&w.CodeServerPassword,
		&w.Status,
		&w.ProvisioningState,
		&w.ProgressMessage,
		&w.IsRunning,
		&w.LastStartedAt,
		&w.LastStoppedAt,
		&w.LastAccessedAt,
		&w.AutoStopHours,
		&w.CPULimitPercent,
		&w.MemoryLimitMB,
		&w.DiskQuotaGB,
		&w.AccessToken,
		&w.SSHPublicKey,
		&w.ExtraData,
		&w.ResumeCursor,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateAllocatingPort reserves a port and inserts the row atomically.
// Serializable isolation plus the UNIQUE(port) constraint prevent two
// concurrent creations from taking the same port.
func (r *workspaceRepo) CreateAllocatingPort(ctx context.Context, ws *models.Workspace, portMin, portMax int) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT port FROM workspaces WHERE port BETWEEN $1 AND $2 ORDER BY port`, portMin, portMax)
	if err != nil {
		return err
	}
	taken := map[int]bool{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		taken[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	port := 0
	for p := portMin; p <= portMax; p++ {
		if !taken[p] {
			port = p
			break
		}
	}
	if port == 0 {
		return apierrors.ErrPortExhausted
	}
	ws.Port = port

	if len(ws.ExtraData) == 0 {
		ws.ExtraData = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO workspaces (company_id, user_id, template_id, name, subdomain, linux_username, port,
			code_server_password, status, provisioning_state, auto_stop_hours,
			cpu_limit_percent, memory_limit_mb, disk_quota_gb, access_token, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	if ws.Status == "" {
		ws.Status = models.WorkspacePending
	}
	if ws.ProvisioningState == "" {
		ws.ProvisioningState = models.ProvisioningCreated
	}
	if err := tx.QueryRow(ctx, query,
		ws.CompanyID,
		ws.UserID,
		ws.TemplateID,
		ws.Name,
		ws.Subdomain,
		ws.LinuxUsername,
		ws.Port,
		ws.CodeServerPassword,
		ws.Status,
		ws.ProvisioningState,
		ws.AutoStopHours,
		ws.CPULimitPercent,
		ws.MemoryLimitMB,
		ws.DiskQuotaGB,
		ws.AccessToken,
		ws.ExtraData,
	).Scan(&ws.ID, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetByID retrieves a workspace by id.
func (r *workspaceRepo) GetByID(ctx context.Context, id int64) (*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`
	return scanWorkspace(r.db.QueryRow(ctx, query, id))
}

// GetBySubdomain retrieves a workspace by its subdomain.
func (r *workspaceRepo) GetBySubdomain(ctx context.Context, subdomain string) (*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE subdomain = $1`
	return scanWorkspace(r.db.QueryRow(ctx, query, subdomain))
}

func (r *workspaceRepo) list(ctx context.Context, query string, args ...any) ([]*models.Workspace, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// ListByCompany retrieves all workspaces of a tenant.
func (r *workspaceRepo) ListByCompany(ctx context.Context, companyID int64) ([]*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE company_id = $1 ORDER BY created_at`
	return r.list(ctx, query, companyID)
}

// ListRunning retrieves every workspace whose service is running.
func (r *workspaceRepo) ListRunning(ctx context.Context) ([]*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE is_running ORDER BY id`
	return r.list(ctx, query)
}

// ListByStatus retrieves workspaces in a lifecycle state, oldest first.
func (r *workspaceRepo) ListByStatus(ctx context.Context, status models.WorkspaceStatus) ([]*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE status = $1 ORDER BY created_at`
	return r.list(ctx, query, status)
}

// CountByCompany counts a tenant's workspaces.
func (r *workspaceRepo) CountByCompany(ctx context.Context, companyID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM workspaces WHERE company_id = $1`, companyID).Scan(&count)
	return count, err
}

// CountByUser counts a user's workspaces.
func (r *workspaceRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM workspaces WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// ExistsName reports whether a company already has a workspace with the
// given name.
func (r *workspaceRepo) ExistsName(ctx context.Context, companyID int64, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE company_id = $1 AND name = $2)`,
		companyID, name).Scan(&exists)
	return exists, err
}

// UpdateStatus moves the workspace through its lifecycle and records the
// progress message shown in status polling.
func (r *workspaceRepo) UpdateStatus(ctx context.Context, id int64, status models.WorkspaceStatus, state models.ProvisioningState, progress *string) error {
	query := `
		UPDATE workspaces
		SET status = $2, provisioning_state = $3, progress_message = $4, updated_at = now()
		WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, status, state, progress)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetRunning flips is_running and stamps the matching timestamp.
func (r *workspaceRepo) SetRunning(ctx context.Context, id int64, running bool, at time.Time) error {
	var query string
	if running {
		query = `UPDATE workspaces SET is_running = TRUE, last_started_at = $2, updated_at = now() WHERE id = $1`
	} else {
		query = `UPDATE workspaces SET is_running = FALSE, last_stopped_at = $2, updated_at = now() WHERE id = $1`
	}
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetResumeCursor persists (or clears) the pause cursor.
func (r *workspaceRepo) SetResumeCursor(ctx context.Context, id int64, cursor *int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE workspaces SET resume_cursor = $2, updated_at = now() WHERE id = $1`, id, cursor)
	return err
}

// SetSSHPublicKey stores the workspace's generated public key for display.
func (r *workspaceRepo) SetSSHPublicKey(ctx context.Context, id int64, publicKey string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE workspaces SET ssh_public_key = $2, updated_at = now() WHERE id = $1`, id, publicKey)
	return err
}

// MergeExtraData shallow-merges the patch into extra_data.
func (r *workspaceRepo) MergeExtraData(ctx context.Context, id int64, patch map[string]any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`UPDATE workspaces SET extra_data = extra_data || $2::jsonb, updated_at = now() WHERE id = $1`, id, b)
	return err
}

// UpdateDiskQuota raises the quota; lowering is rejected in the service
// layer, the query only stores the value.
func (r *workspaceRepo) UpdateDiskQuota(ctx context.Context, id int64, quotaGB int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE workspaces SET disk_quota_gb = $2, updated_at = now() WHERE id = $1`, id, quotaGB)
	return err
}

// RaiseDiskQuotaForCompany lifts quotas below a plan allowance after an
// upgrade. Workspaces already at or above quotaGB keep their value.
func (r *workspaceRepo) RaiseDiskQuotaForCompany(ctx context.Context, companyID int64, quotaGB int) ([]*models.Workspace, error) {
	query := `
		UPDATE workspaces SET disk_quota_gb = $2, updated_at = now()
		WHERE company_id = $1 AND disk_quota_gb < $2
		RETURNING ` + workspaceColumns
	return r.list(ctx, query, companyID, quotaGB)
}

// TouchAccessed stamps last_accessed_at; called from forward-auth.
func (r *workspaceRepo) TouchAccessed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE workspaces SET last_accessed_at = $2 WHERE id = $1`, id, at)
	return err
}

// Delete removes the workspace row, releasing its port, subdomain, and
// Linux username reservations.
func (r *workspaceRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

var _ WorkspaceRepository = (*workspaceRepo)(nil)

package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/atolyecloud/atolye/internal/models"
)

// ExecutionRepository persists the executor's per-action records.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error
	UpdateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error
	ListByWorkspace(ctx context.Context, workspaceID int64) ([]*models.WorkspaceActionExecution, error)
	DeleteByWorkspace(ctx context.Context, workspaceID int64) error
}

type executionRepo struct {
	db DB
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db DB) ExecutionRepository {
	return &executionRepo{db: db}
}

// CreateExecution inserts a new execution record.
func (r *executionRepo) CreateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error {
	query := `
		INSERT INTO workspace_action_executions (id, workspace_id, action_sequence_id, action_id,
			action_type, status, attempt_number, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.db.QueryRow(ctx, query,
		rec.ID,
		rec.WorkspaceID,
		rec.ActionSequenceID,
		rec.ActionID,
		rec.ActionType,
		rec.Status,
		rec.AttemptNumber,
		rec.MaxAttempts,
	).Scan(&rec.CreatedAt)
}

// UpdateExecution persists the record's progress and outcome.
func (r *executionRepo) UpdateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error {
	query := `
		UPDATE workspace_action_executions
		SET status = $2, attempt_number = $3, started_at = $4, completed_at = $5,
			duration_seconds = $6, result = $7, error_message = $8, stack_trace = $9,
			rollback_attempted = $10, rollback_successful = $11, rollback_error = $12
		WHERE id = $1`
	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.Status,
		rec.AttemptNumber,
		rec.StartedAt,
		rec.CompletedAt,
		rec.DurationSeconds,
		rec.Result,
		rec.ErrorMessage,
		rec.StackTrace,
		rec.RollbackAttempted,
		rec.RollbackSuccessful,
		rec.RollbackError,
	)
	return err
}

// ListByWorkspace retrieves a workspace's execution records in creation
// order, for status polling.
func (r *executionRepo) ListByWorkspace(ctx context.Context, workspaceID int64) ([]*models.WorkspaceActionExecution, error) {
	query := `
		SELECT id, workspace_id, action_sequence_id, action_id, action_type, status,
			attempt_number, max_attempts, started_at, completed_at, duration_seconds,
			result, error_message, stack_trace, rollback_attempted, rollback_successful,
			rollback_error, created_at
		FROM workspace_action_executions
		WHERE workspace_id = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkspaceActionExecution
	for rows.Next() {
		var rec models.WorkspaceActionExecution
		if err := rows.Scan(
			&rec.ID,
			&rec.WorkspaceID,
			&rec.ActionSequenceID,
			&rec.ActionID,
			&rec.ActionType,
			&rec.Status,
			&rec.AttemptNumber,
			&rec.MaxAttempts,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.DurationSeconds,
			&rec.Result,
			&rec.ErrorMessage,
			&rec.StackTrace,
			&rec.RollbackAttempted,
			&rec.RollbackSuccessful,
			&rec.RollbackError,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteByWorkspace removes a workspace's execution history before a
// fresh provisioning run.
func (r *executionRepo) DeleteByWorkspace(ctx context.Context, workspaceID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM workspace_action_executions WHERE workspace_id = $1`, workspaceID)
	return err
}

var _ ExecutionRepository = (*executionRepo)(nil)

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the state of one action execution record.
// Rows are created in order and only progress forward; rolled_back is
// terminal.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionSkipped    ExecutionStatus = "skipped"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// WorkspaceActionExecution is the per-step execution record the executor
// maintains while running a template against a workspace.
type WorkspaceActionExecution struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	WorkspaceID        int64           `json:"workspace_id" db:"workspace_id"`
	ActionSequenceID   int64           `json:"action_sequence_id" db:"action_sequence_id"`
	ActionID           string          `json:"action_id" db:"action_id"`
	ActionType         string          `json:"action_type" db:"action_type"`
	Status             ExecutionStatus `json:"status" db:"status"`
	AttemptNumber      int             `json:"attempt_number" db:"attempt_number"`
	MaxAttempts        int             `json:"max_attempts" db:"max_attempts"`
	StartedAt          *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds    *float64        `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Result             json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage       *string         `json:"error_message,omitempty" db:"error_message"`
	StackTrace         *string         `json:"stack_trace,omitempty" db:"stack_trace"`
	RollbackAttempted  bool            `json:"rollback_attempted" db:"rollback_attempted"`
	RollbackSuccessful bool            `json:"rollback_successful" db:"rollback_successful"`
	RollbackError      *string         `json:"rollback_error,omitempty" db:"rollback_error"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// IsTerminal reports whether the record reached a final status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionSkipped, ExecutionRolledBack:
		return true
	}
	return false
}

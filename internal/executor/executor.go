// Package executor runs a template's action sequences against a
// workspace: deterministic DAG ordering, per-action retries with backoff,
// conditional skipping, pause/resume, and compensating rollback when a
// fatal action fails.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atolyecloud/atolye/internal/actions"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/execx"
	"github.com/google/uuid"
)

// Store persists per-action execution records.
type Store interface {
	CreateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error
	UpdateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error
}

// ProgressFunc receives human-readable progress updates during a run.
type ProgressFunc func(message string)

// Report is the outcome of one Run or Resume call.
type Report struct {
	Success            bool
	Paused             bool
	ResumeCursor       int
	PausedActionID     string
	PauseData          map[string]any
	FailedActionID     string
	CompletedActionIDs []string
	SkippedActionIDs   []string
	RolledBack         bool
}

// Executor drives action handlers for one workspace at a time. It is
// stateless between calls; the resume cursor lives on the workspace row.
type Executor struct {
	registry *actions.Registry
	runner   execx.Runner
	probe    actions.Probe
	store    Store
	logger   *slog.Logger

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// New builds an executor with the OS-backed condition probe.
func New(registry *actions.Registry, runner execx.Runner, store Store, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		runner:   runner,
		probe:    actions.OSProbe{},
		store:    store,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Run executes all enabled actions of the template from the beginning.
func (e *Executor) Run(ctx context.Context, tmpl *models.WorkspaceTemplate, seqs []models.TemplateActionSequence, wc actions.Context, progress ProgressFunc) (*Report, error) {
	ordered, err := e.prepare(seqs)
	if err != nil {
		return nil, err
	}
	return e.runFrom(ctx, tmpl, ordered, wc, 0, false, progress)
}

// Resume continues a paused run at the given cursor. The cursor action's
// handler gets its post-pause phase; subsequent actions run normally.
func (e *Executor) Resume(ctx context.Context, tmpl *models.WorkspaceTemplate, seqs []models.TemplateActionSequence, wc actions.Context, cursor int, progress ProgressFunc) (*Report, error) {
	ordered, err := e.prepare(seqs)
	if err != nil {
		return nil, err
	}
	if cursor < 0 || cursor >= len(ordered) {
		return nil, fmt.Errorf("%w: resume cursor %d out of range", apierrors.ErrStateTransition, cursor)
	}
	return e.runFrom(ctx, tmpl, ordered, wc, cursor, true, progress)
}

func (e *Executor) prepare(seqs []models.TemplateActionSequence) ([]models.TemplateActionSequence, error) {
	enabled := make([]models.TemplateActionSequence, 0, len(seqs))
	for _, s := range seqs {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return resolveOrder(enabled)
}

type completedAction struct {
	seq     models.TemplateActionSequence
	handler actions.Handler
	params  actions.Params
	result  *actions.Result
	record  *models.WorkspaceActionExecution
}

func (e *Executor) runFrom(ctx context.Context, tmpl *models.WorkspaceTemplate, ordered []models.TemplateActionSequence, wc actions.Context, start int, resuming bool, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(string) {}
	}
	report := &Report{}
	var completed []completedAction

	for i := start; i < len(ordered); i++ {
		seq := ordered[i]
		log := e.logger.With("workspace_id", wc.WorkspaceID, "action_id", seq.ActionID, "action_type", seq.ActionType)

		raw, err := seq.ParametersMap()
		if err != nil {
			return nil, fmt.Errorf("decode parameters of %s: %w", seq.ActionID, err)
		}
		params := actions.SubstituteParams(raw, wc)

		if seq.Condition != nil && *seq.Condition != "" {
			ok, err := actions.EvaluateCondition(*seq.Condition, e.probe)
			if err != nil {
				// Unresolvable conditions default to running the action.
				log.Warn("condition evaluation failed, executing anyway", "condition", *seq.Condition, "error", err)
				ok = true
			}
			if !ok {
				log.Info("condition false, skipping action")
				rec := e.newRecord(wc, seq)
				rec.Status = models.ExecutionSkipped
				if err := e.store.CreateExecution(ctx, rec); err != nil {
					return nil, err
				}
				report.SkippedActionIDs = append(report.SkippedActionIDs, seq.ActionID)
				continue
			}
		}

		handler, err := e.registry.New(seq.ActionType, wc, e.runner)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", seq.ActionID, err)
		}

		progress(fmt.Sprintf("Running %s (%d/%d)", seq.ActionID, i+1, len(ordered)))

		rec := e.newRecord(wc, seq)
		if err := e.store.CreateExecution(ctx, rec); err != nil {
			return nil, err
		}

		res, runErr := e.runAction(ctx, seq, handler, params, rec, resuming && i == start, log)
		if runErr == nil && res != nil && res.Pause {
			e.finishRecord(ctx, rec, models.ExecutionPending, res, nil)
			report.Paused = true
			report.ResumeCursor = i
			report.PausedActionID = seq.ActionID
			report.PauseData = res.Data
			log.Info("run paused awaiting external signal")
			return report, nil
		}

		if runErr == nil {
			e.finishRecord(ctx, rec, models.ExecutionCompleted, res, nil)
			report.CompletedActionIDs = append(report.CompletedActionIDs, seq.ActionID)
			completed = append(completed, completedAction{seq: seq, handler: handler, params: params, result: res, record: rec})
			continue
		}

		e.finishRecord(ctx, rec, models.ExecutionFailed, res, runErr)
		log.Error("action failed", "error", runErr, "attempts", rec.AttemptNumber)

		if !seq.FatalOnError {
			continue
		}

		report.FailedActionID = seq.ActionID
		if tmpl.RollbackOnFatalError {
			e.rollback(ctx, completed, log)
			report.RolledBack = true
		}
		return report, &apierrors.ActionError{
			ActionID:   seq.ActionID,
			ActionType: seq.ActionType,
			Attempts:   rec.AttemptNumber,
			Err:        runErr,
		}
	}

	report.Success = true
	return report, nil
}

// runAction drives one action through validation and its retry loop,
// keeping the execution record's attempt counter current.
func (e *Executor) runAction(ctx context.Context, seq models.TemplateActionSequence, handler actions.Handler, params actions.Params, rec *models.WorkspaceActionExecution, resumePhase bool, log *slog.Logger) (*actions.Result, error) {
	now := time.Now().UTC()
	rec.Status = models.ExecutionRunning
	rec.StartedAt = &now
	rec.AttemptNumber = 1
	_ = e.store.UpdateExecution(ctx, rec)

	if resumePhase {
		if r, ok := handler.(actions.Resumable); ok {
			return r.Resume(ctx, params)
		}
		// Handlers without a post-pause phase just run normally.
	}

	// Validation failures are deterministic; retrying cannot help.
	if err := handler.Validate(params); err != nil {
		return nil, err
	}

	retry := seq.Retry()
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		rec.AttemptNumber = attempt
		if attempt > 1 {
			_ = e.store.UpdateExecution(ctx, rec)
		}

		res, err := handler.Execute(ctx, params)
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Warn("action attempt failed", "attempt", attempt, "error", err)

		if attempt < retry.MaxAttempts {
			delay := time.Duration(retry.RetryDelaySeconds) * time.Second
			if retry.ExponentialBackoff {
				delay *= time.Duration(1 << (attempt - 1))
			}
			if delay > 0 {
				e.sleep(delay)
			}
		}
	}
	return nil, lastErr
}

// rollback compensates completed actions in reverse order. A failed
// rollback is recorded but does not stop the chain.
func (e *Executor) rollback(ctx context.Context, completed []completedAction, log *slog.Logger) {
	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		c.record.RollbackAttempted = true

		if err := c.handler.Rollback(ctx, c.params, c.result); err != nil {
			msg := err.Error()
			c.record.RollbackError = &msg
			log.Error("rollback failed", "rolled_back_action", c.seq.ActionID, "error", err)
		} else {
			c.record.RollbackSuccessful = true
			c.record.Status = models.ExecutionRolledBack
		}
		_ = e.store.UpdateExecution(ctx, c.record)
	}
}

func (e *Executor) newRecord(wc actions.Context, seq models.TemplateActionSequence) *models.WorkspaceActionExecution {
	return &models.WorkspaceActionExecution{
		ID:               uuid.New(),
		WorkspaceID:      wc.WorkspaceID,
		ActionSequenceID: seq.ID,
		ActionID:         seq.ActionID,
		ActionType:       seq.ActionType,
		Status:           models.ExecutionPending,
		MaxAttempts:      seq.Retry().MaxAttempts,
		CreatedAt:        time.Now().UTC(),
	}
}

func (e *Executor) finishRecord(ctx context.Context, rec *models.WorkspaceActionExecution, status models.ExecutionStatus, res *actions.Result, runErr error) {
	now := time.Now().UTC()
	rec.Status = status
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		d := now.Sub(*rec.StartedAt).Seconds()
		rec.DurationSeconds = &d
	}
	if res != nil {
		if b, err := json.Marshal(res); err == nil {
			rec.Result = b
		}
	}
	if runErr != nil {
		msg := runErr.Error()
		rec.ErrorMessage = &msg
	}
	if err := e.store.UpdateExecution(ctx, rec); err != nil {
		e.logger.Error("persist execution record", "execution_id", rec.ID, "error", err)
	}
}

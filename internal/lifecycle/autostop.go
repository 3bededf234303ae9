package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/atolyecloud/atolye/internal/models"
)

// WorkspaceStore is the subset of workspace persistence the lifecycle
// jobs use.
type WorkspaceStore interface {
	ListRunning(ctx context.Context) ([]*models.Workspace, error)
	SetRunning(ctx context.Context, id int64, running bool, at time.Time) error
	UpdateStatus(ctx context.Context, id int64, status models.WorkspaceStatus, state models.ProvisioningState, progress *string) error
}

// SessionStore closes usage sessions when a workspace stops.
type SessionStore interface {
	EndSessions(ctx context.Context, workspaceID int64, at time.Time) error
}

// ServiceController stops and inspects per-workspace services.
type ServiceController interface {
	Stop(ctx context.Context, username string) error
}

// AutoStop shuts down workspaces that have been idle longer than their
// configured window. Idle time counts from the last proxied access, or
// from the last start when the workspace was never accessed.
type AutoStop struct {
	workspaces WorkspaceStore
	sessions   SessionStore
	services   ServiceController
	logger     *slog.Logger
	now        func() time.Time
}

// NewAutoStop builds the auto-stop job.
func NewAutoStop(workspaces WorkspaceStore, sessions SessionStore, services ServiceController, logger *slog.Logger) *AutoStop {
	return &AutoStop{
		workspaces: workspaces,
		sessions:   sessions,
		services:   services,
		logger:     logger.With("job", "auto_stop"),
		now:        time.Now,
	}
}

// Name implements Job.
func (a *AutoStop) Name() string { return "auto_stop" }

// Run scans running workspaces and stops the idle ones. A failure on
// one workspace does not abort the sweep.
func (a *AutoStop) Run(ctx context.Context) error {
	running, err := a.workspaces.ListRunning(ctx)
	if err != nil {
		return err
	}

	now := a.now()
	stopped := 0
	for _, ws := range running {
		if !a.isIdle(ws, now) {
			continue
		}
		if err := a.stop(ctx, ws, now); err != nil {
			a.logger.Error("auto-stop failed",
				"workspace_id", ws.ID,
				"workspace", ws.Name,
				"error", err)
			continue
		}
		stopped++
		a.logger.Info("workspace auto-stopped",
			"workspace_id", ws.ID,
			"workspace", ws.Name,
			"idle_hours", ws.AutoStopHours)
	}
	if stopped > 0 {
		a.logger.Info("auto-stop sweep done", "checked", len(running), "stopped", stopped)
	}
	return nil
}

// isIdle reports whether the workspace exceeded its idle window. A zero
// auto_stop_hours disables auto-stop for that workspace.
func (a *AutoStop) isIdle(ws *models.Workspace, now time.Time) bool {
	if ws.AutoStopHours <= 0 {
		return false
	}
	ref := ws.LastAccessedAt
	if ref == nil {
		ref = ws.LastStartedAt
	}
	if ref == nil {
		return false
	}
	return now.Sub(*ref) > time.Duration(ws.AutoStopHours)*time.Hour
}

func (a *AutoStop) stop(ctx context.Context, ws *models.Workspace, now time.Time) error {
	if err := a.services.Stop(ctx, ws.LinuxUsername); err != nil {
		return err
	}
	if err := a.workspaces.SetRunning(ctx, ws.ID, false, now); err != nil {
		return err
	}
	if err := a.workspaces.UpdateStatus(ctx, ws.ID, models.WorkspaceStopped, ws.ProvisioningState, nil); err != nil {
		return err
	}
	return a.sessions.EndSessions(ctx, ws.ID, now)
}

// Package provisioner turns workspace rows into running code-server
// instances: Linux account, service unit, disk quota, template actions,
// and the reverse-proxy route. Failures unwind the host-level steps
// already taken so a failed provision leaves no residue.
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/atolyecloud/atolye/internal/actions"
	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/executor"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/execx"
	"github.com/atolyecloud/atolye/internal/proxy"
	"github.com/atolyecloud/atolye/internal/repository"
	"github.com/atolyecloud/atolye/internal/system"
)

// Provisioning step names, recorded for compensating rollback.
const (
	stepCreateAccount = "create_account"
	stepWriteConfig   = "write_config"
	stepService       = "service"
	stepTemplate      = "template_execution"
	stepRoute         = "register_route"
)

// TemplateStore loads a workspace's template and its action sequence.
type TemplateStore interface {
	GetByID(ctx context.Context, id int64) (*models.WorkspaceTemplate, error)
	ListActions(ctx context.Context, templateID int64) ([]models.TemplateActionSequence, error)
}

// UserStore resolves workspace owners for action context.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// CompanyStore resolves tenants for action context.
type CompanyStore interface {
	GetByID(ctx context.Context, id int64) (*models.Company, error)
}

// Deps collects the collaborators a Provisioner drives.
type Deps struct {
	Workspaces repository.WorkspaceRepository
	Templates  TemplateStore
	Executions repository.ExecutionRepository
	Users      UserStore
	Companies  CompanyStore
	Accounts   *system.UserManager
	Services   *system.Systemd
	Proxy      *proxy.Manager
	Executor   *executor.Executor
	Runner     execx.Runner
}

// Provisioner serializes work per workspace and bounds global
// provisioning concurrency.
type Provisioner struct {
	deps   Deps
	cfg    config.WorkspaceConfig
	logger *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New builds a Provisioner. Workers bounds concurrent provisioning runs.
func New(deps Deps, cfg config.WorkspaceConfig, logger *slog.Logger) *Provisioner {
	workers := cfg.ProvisionWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Provisioner{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "provisioner"),
		sem:    semaphore.NewWeighted(int64(workers)),
		locks:  map[int64]*sync.Mutex{},
	}
}

// lock returns the per-workspace mutex, creating it on first use. Locks
// are never removed; the map stays small relative to workspace count.
func (p *Provisioner) lock(id int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// Dispatch runs Provision in the background, bounded by the worker
// semaphore. ctx bounds the run, not just the dispatch.
func (p *Provisioner) Dispatch(ctx context.Context, ws *models.Workspace) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.logger.Warn("provision dispatch cancelled", "workspace_id", ws.ID, "error", err)
			return
		}
		defer p.sem.Release(1)

		if err := p.Provision(ctx, ws); err != nil {
			p.logger.Error("provision failed", "workspace_id", ws.ID, "workspace", ws.Name, "error", err)
		}
	}()
}

// Wait blocks until all dispatched runs have finished.
func (p *Provisioner) Wait() {
	p.wg.Wait()
}

// ResumePending re-dispatches workspaces interrupted mid-provision,
// called once at startup. Paused workspaces are not touched; they wait
// for their external signal.
func (p *Provisioner) ResumePending(ctx context.Context) error {
	for _, status := range []models.WorkspaceStatus{models.WorkspacePending, models.WorkspaceProvisioning} {
		list, err := p.deps.Workspaces.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, ws := range list {
			p.logger.Info("resuming interrupted provision", "workspace_id", ws.ID, "workspace", ws.Name)
			p.Dispatch(ctx, ws)
		}
	}
	return nil
}

func (p *Provisioner) setProgress(ctx context.Context, ws *models.Workspace, status models.WorkspaceStatus, state models.ProvisioningState, msg string) {
	if err := p.deps.Workspaces.UpdateStatus(ctx, ws.ID, status, state, &msg); err != nil {
		p.logger.Warn("progress update failed", "workspace_id", ws.ID, "error", err)
	}
}

// Provision runs the full provisioning pipeline for one workspace. On a
// pause request from the action sequence it persists the resume cursor
// and returns nil; ResumeAfterSSHVerification continues later. On
// failure it unwinds completed steps and marks the workspace failed.
func (p *Provisioner) Provision(ctx context.Context, ws *models.Workspace) error {
	l := p.lock(ws.ID)
	l.Lock()
	defer l.Unlock()

	var completed []string
	fail := func(step string, err error) error {
		p.unwind(ctx, ws, completed)
		msg := err.Error()
		if uerr := p.deps.Workspaces.UpdateStatus(ctx, ws.ID, models.WorkspaceFailed, models.ProvisioningFailed, &msg); uerr != nil {
			p.logger.Error("failed-status update failed", "workspace_id", ws.ID, "error", uerr)
		}
		return &apierrors.ProvisionError{Step: step, CompletedSteps: completed, Err: err}
	}

	home := ws.HomeDirectory(p.cfg.BaseDir)
	p.setProgress(ctx, ws, models.WorkspaceProvisioning, models.ProvisioningRunning, "creating workspace account")

	// Idempotent on restart: an interrupted run may have created the
	// account already.
	if !p.deps.Accounts.Exists(ctx, ws.LinuxUsername) {
		if err := p.deps.Accounts.Create(ctx, ws.LinuxUsername, home, ws.CodeServerPassword); err != nil {
			return fail(stepCreateAccount, err)
		}
	}
	completed = append(completed, stepCreateAccount)

	p.setProgress(ctx, ws, models.WorkspaceProvisioning, models.ProvisioningRunning, "writing code-server configuration")
	if err := p.writeCodeServerConfig(ctx, ws, home); err != nil {
		return fail(stepWriteConfig, err)
	}
	completed = append(completed, stepWriteConfig)

	p.setProgress(ctx, ws, models.WorkspaceProvisioning, models.ProvisioningRunning, "starting code-server service")
	if err := p.deps.Services.EnsureTemplateUnit(ctx); err != nil {
		return fail(stepService, err)
	}
	if err := p.deps.Services.WriteInstanceDropIn(ctx, ws.LinuxUsername, ws.Port); err != nil {
		return fail(stepService, err)
	}
	if err := p.deps.Services.Enable(ctx, ws.LinuxUsername); err != nil {
		return fail(stepService, err)
	}
	completed = append(completed, stepService)

	// Quota support depends on the host filesystem; a workspace without a
	// quota is degraded, not broken.
	if ws.DiskQuotaGB > 0 {
		if err := p.deps.Accounts.SetQuota(ctx, ws.LinuxUsername, ws.DiskQuotaGB, p.cfg.BaseDir); err != nil {
			p.logger.Warn("disk quota not applied", "workspace_id", ws.ID, "error", err)
		}
	}

	if ws.TemplateID != nil {
		report, err := p.runTemplate(ctx, ws, false, 0)
		if err != nil {
			return fail(stepTemplate, err)
		}
		if report.Paused {
			return p.persistPause(ctx, ws, report)
		}
	}
	completed = append(completed, stepTemplate)

	return p.finish(ctx, ws, fail)
}

// finish registers the proxy route and marks the workspace active.
func (p *Provisioner) finish(ctx context.Context, ws *models.Workspace, fail func(string, error) error) error {
	p.setProgress(ctx, ws, models.WorkspaceProvisioning, models.ProvisioningRunning, "registering route")
	if err := p.deps.Proxy.RegisterWorkspace(ws); err != nil {
		return fail(stepRoute, err)
	}

	if err := p.deps.Workspaces.SetRunning(ctx, ws.ID, true, time.Now().UTC()); err != nil {
		return fail(stepRoute, err)
	}
	p.setProgress(ctx, ws, models.WorkspaceActive, models.ProvisioningCompleted, "ready")
	p.logger.Info("workspace provisioned",
		"workspace_id", ws.ID,
		"workspace", ws.Name,
		"subdomain", ws.Subdomain,
		"port", ws.Port)
	return nil
}

// runTemplate executes (or resumes) the workspace's action sequence.
func (p *Provisioner) runTemplate(ctx context.Context, ws *models.Workspace, resume bool, cursor int) (*executor.Report, error) {
	tmpl, err := p.deps.Templates.GetByID(ctx, *ws.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %d not found", *ws.TemplateID)
	}
	seqs, err := p.deps.Templates.ListActions(ctx, tmpl.ID)
	if err != nil {
		return nil, err
	}

	wc := p.actionContext(ctx, ws)
	progress := func(msg string) {
		p.setProgress(ctx, ws, models.WorkspaceProvisioning, models.ProvisioningRunning, msg)
	}
	if resume {
		return p.deps.Executor.Resume(ctx, tmpl, seqs, wc, cursor, progress)
	}
	return p.deps.Executor.Run(ctx, tmpl, seqs, wc, progress)
}

func (p *Provisioner) actionContext(ctx context.Context, ws *models.Workspace) actions.Context {
	wc := actions.Context{
		WorkspaceID:    ws.ID,
		WorkspaceName:  ws.Name,
		LinuxUsername:  ws.LinuxUsername,
		Subdomain:      ws.Subdomain,
		HomeDirectory:  ws.HomeDirectory(p.cfg.BaseDir),
		Port:           ws.Port,
		CommandTimeout: p.cfg.CommandTimeout,
	}
	if u, err := p.deps.Users.GetByID(ctx, ws.UserID); err == nil && u != nil {
		wc.UserID = u.ID
		wc.UserEmail = u.Email
	}
	if c, err := p.deps.Companies.GetByID(ctx, ws.CompanyID); err == nil && c != nil {
		wc.CompanyName = c.Name
	}
	return wc
}

// persistPause records the resume cursor and pause data, then parks the
// workspace until the external signal arrives.
func (p *Provisioner) persistPause(ctx context.Context, ws *models.Workspace, report *executor.Report) error {
	cursor := report.ResumeCursor
	if err := p.deps.Workspaces.SetResumeCursor(ctx, ws.ID, &cursor); err != nil {
		return err
	}
	if len(report.PauseData) > 0 {
		if err := p.deps.Workspaces.MergeExtraData(ctx, ws.ID, report.PauseData); err != nil {
			return err
		}
	}
	msg := "awaiting SSH key verification"
	if report.PausedActionID != "" {
		msg = fmt.Sprintf("awaiting verification (%s)", report.PausedActionID)
	}
	p.setProgress(ctx, ws, models.WorkspacePaused, models.ProvisioningAwaitingSSH, msg)
	p.logger.Info("provisioning paused",
		"workspace_id", ws.ID,
		"action_id", report.PausedActionID)
	return nil
}

// ResumeAfterSSHVerification continues a provision paused for SSH key
// verification. ws must carry the persisted resume cursor.
func (p *Provisioner) ResumeAfterSSHVerification(ctx context.Context, ws *models.Workspace) error {
	l := p.lock(ws.ID)
	l.Lock()
	defer l.Unlock()

	if ws.ProvisioningState != models.ProvisioningAwaitingSSH || ws.ResumeCursor == nil || ws.TemplateID == nil {
		return fmt.Errorf("workspace %d is not awaiting verification: %w", ws.ID, apierrors.ErrStateTransition)
	}
	if err := p.deps.Workspaces.MergeExtraData(ctx, ws.ID, map[string]any{"ssh_verified": true}); err != nil {
		return err
	}

	fail := func(step string, err error) error {
		msg := err.Error()
		if uerr := p.deps.Workspaces.UpdateStatus(ctx, ws.ID, models.WorkspaceFailed, models.ProvisioningFailed, &msg); uerr != nil {
			p.logger.Error("failed-status update failed", "workspace_id", ws.ID, "error", uerr)
		}
		return &apierrors.ProvisionError{Step: step, Err: err}
	}

	report, err := p.runTemplate(ctx, ws, true, *ws.ResumeCursor)
	if err != nil {
		return fail(stepTemplate, err)
	}
	if report.Paused {
		return p.persistPause(ctx, ws, report)
	}

	if err := p.deps.Workspaces.SetResumeCursor(ctx, ws.ID, nil); err != nil {
		return err
	}
	return p.finish(ctx, ws, fail)
}

// unwind reverses completed provisioning steps, newest first. Errors are
// logged, not returned; cleanup is best effort.
func (p *Provisioner) unwind(ctx context.Context, ws *models.Workspace, completed []string) {
	for i := len(completed) - 1; i >= 0; i-- {
		var err error
		switch completed[i] {
		case stepRoute:
			err = p.deps.Proxy.DeregisterWorkspace(ws.Subdomain)
		case stepService:
			err = p.deps.Services.RemoveInstance(ctx, ws.LinuxUsername)
		case stepCreateAccount:
			err = p.deps.Accounts.Delete(ctx, ws.LinuxUsername)
		case stepWriteConfig, stepTemplate:
			// Removed together with the account's home tree.
			continue
		}
		if err != nil {
			p.logger.Error("rollback step failed",
				"workspace_id", ws.ID,
				"step", completed[i],
				"error", err)
		}
	}
}

// writeCodeServerConfig places the instance config in the account's home.
// The file is written as the workspace user so ownership is correct.
func (p *Provisioner) writeCodeServerConfig(ctx context.Context, ws *models.Workspace, home string) error {
	dir := home + "/.config/code-server"
	if _, err := p.deps.Runner.Run(ctx, execx.Cmd{
		Name:    "mkdir",
		Args:    []string{"-p", dir},
		User:    ws.LinuxUsername,
		Timeout: p.cfg.CommandTimeout,
	}); err != nil {
		return err
	}
	// Authentication is handled by the proxy's forward-auth; code-server
	// itself stays open on loopback only.
	content := fmt.Sprintf("bind-addr: 127.0.0.1:%d\nauth: none\ncert: false\n", ws.Port)
	if _, err := p.deps.Runner.Run(ctx, execx.Cmd{
		Name:    "tee",
		Args:    []string{dir + "/config.yaml"},
		Stdin:   content,
		User:    ws.LinuxUsername,
		Timeout: p.cfg.CommandTimeout,
	}); err != nil {
		return err
	}
	return nil
}

// Deprovision tears the workspace down completely and deletes its rows.
// Steps are best effort so a half-provisioned workspace can still be
// removed.
func (p *Provisioner) Deprovision(ctx context.Context, ws *models.Workspace) error {
	l := p.lock(ws.ID)
	l.Lock()
	defer l.Unlock()

	if err := p.deps.Proxy.DeregisterWorkspace(ws.Subdomain); err != nil {
		p.logger.Warn("route removal failed", "workspace_id", ws.ID, "error", err)
	}
	if err := p.deps.Services.RemoveInstance(ctx, ws.LinuxUsername); err != nil {
		p.logger.Warn("service removal failed", "workspace_id", ws.ID, "error", err)
	}
	if p.deps.Accounts.Exists(ctx, ws.LinuxUsername) {
		if err := p.deps.Accounts.Delete(ctx, ws.LinuxUsername); err != nil {
			return err
		}
	}
	if err := p.deps.Executions.DeleteByWorkspace(ctx, ws.ID); err != nil {
		return err
	}
	if err := p.deps.Workspaces.Delete(ctx, ws.ID); err != nil {
		return err
	}
	p.logger.Info("workspace deprovisioned", "workspace_id", ws.ID, "workspace", ws.Name)
	return nil
}

// Start starts a stopped workspace's service.
func (p *Provisioner) Start(ctx context.Context, ws *models.Workspace) error {
	if ws.Status != models.WorkspaceStopped && ws.Status != models.WorkspaceActive {
		return fmt.Errorf("cannot start workspace in status %q: %w", ws.Status, apierrors.ErrStateTransition)
	}
	if err := p.deps.Services.Start(ctx, ws.LinuxUsername); err != nil {
		return err
	}
	if err := p.deps.Workspaces.SetRunning(ctx, ws.ID, true, time.Now().UTC()); err != nil {
		return err
	}
	return p.deps.Workspaces.UpdateStatus(ctx, ws.ID, models.WorkspaceActive, ws.ProvisioningState, nil)
}

// Stop stops a running workspace's service.
func (p *Provisioner) Stop(ctx context.Context, ws *models.Workspace) error {
	if ws.Status != models.WorkspaceActive && ws.Status != models.WorkspaceStopped {
		return fmt.Errorf("cannot stop workspace in status %q: %w", ws.Status, apierrors.ErrStateTransition)
	}
	if err := p.deps.Services.Stop(ctx, ws.LinuxUsername); err != nil {
		return err
	}
	if err := p.deps.Workspaces.SetRunning(ctx, ws.ID, false, time.Now().UTC()); err != nil {
		return err
	}
	return p.deps.Workspaces.UpdateStatus(ctx, ws.ID, models.WorkspaceStopped, ws.ProvisioningState, nil)
}

// Restart restarts a running workspace's service.
func (p *Provisioner) Restart(ctx context.Context, ws *models.Workspace) error {
	if ws.Status != models.WorkspaceActive {
		return fmt.Errorf("cannot restart workspace in status %q: %w", ws.Status, apierrors.ErrStateTransition)
	}
	if err := p.deps.Services.Restart(ctx, ws.LinuxUsername); err != nil {
		return err
	}
	return p.deps.Workspaces.SetRunning(ctx, ws.ID, true, time.Now().UTC())
}

// Logs returns the last lines of the workspace service's journal.
func (p *Provisioner) Logs(ctx context.Context, ws *models.Workspace, lines int, since string) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	return p.deps.Services.JournalTail(ctx, ws.LinuxUsername, lines, since)
}

// ResizeDisk raises the workspace's disk quota. Quotas are never
// lowered; shrinking under existing data corrupts the account.
func (p *Provisioner) ResizeDisk(ctx context.Context, ws *models.Workspace, quotaGB int) error {
	if quotaGB <= ws.DiskQuotaGB {
		return fmt.Errorf("disk quota can only grow (current %d GB, requested %d GB): %w",
			ws.DiskQuotaGB, quotaGB, apierrors.ErrStateTransition)
	}
	if err := p.deps.Accounts.SetQuota(ctx, ws.LinuxUsername, quotaGB, p.cfg.BaseDir); err != nil {
		return err
	}
	return p.deps.Workspaces.UpdateDiskQuota(ctx, ws.ID, quotaGB)
}

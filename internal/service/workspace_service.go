// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/token"
	"github.com/atolyecloud/atolye/internal/repository"
)

// Machine is the provisioning backend a workspace service drives.
type Machine interface {
	Dispatch(ctx context.Context, ws *models.Workspace)
	Deprovision(ctx context.Context, ws *models.Workspace) error
	Start(ctx context.Context, ws *models.Workspace) error
	Stop(ctx context.Context, ws *models.Workspace) error
	Restart(ctx context.Context, ws *models.Workspace) error
	Logs(ctx context.Context, ws *models.Workspace, lines int, since string) (string, error)
	ResumeAfterSSHVerification(ctx context.Context, ws *models.Workspace) error
	ResizeDisk(ctx context.Context, ws *models.Workspace, quotaGB int) error
}

// CreateWorkspaceRequest is the request for creating a workspace.
type CreateWorkspaceRequest struct {
	Name       string `json:"name" validate:"required,min=2,max=50"`
	TemplateID *int64 `json:"template_id,omitempty"`
}

// WorkspaceStatus aggregates a workspace with its provisioning progress.
type WorkspaceStatus struct {
	Workspace       *models.Workspace                  `json:"workspace"`
	ProgressPercent int                                `json:"progress_percent"`
	Executions      []*models.WorkspaceActionExecution `json:"executions,omitempty"`
}

// WorkspaceService defines the interface for workspace operations. Every
// operation is scoped to the actor's tenant; workspaces of other tenants
// behave as if they do not exist.
type WorkspaceService interface {
	Create(ctx context.Context, actor models.Actor, req CreateWorkspaceRequest) (*models.Workspace, error)
	Get(ctx context.Context, actor models.Actor, id int64) (*models.Workspace, error)
	List(ctx context.Context, actor models.Actor) ([]*models.Workspace, error)
	Status(ctx context.Context, actor models.Actor, id int64) (*WorkspaceStatus, error)
	Start(ctx context.Context, actor models.Actor, id int64) error
	Stop(ctx context.Context, actor models.Actor, id int64) error
	Restart(ctx context.Context, actor models.Actor, id int64) error
	Delete(ctx context.Context, actor models.Actor, id int64) error
	Logs(ctx context.Context, actor models.Actor, id int64, lines int, since string) (string, error)
	VerifySSH(ctx context.Context, actor models.Actor, id int64) error
	ResizeDisk(ctx context.Context, actor models.Actor, id int64, quotaGB int) error
}

type workspaceService struct {
	workspaces repository.WorkspaceRepository
	executions repository.ExecutionRepository
	companies  repository.CompanyRepository
	users      repository.UserRepository
	machine    Machine
	portMin    int
	portMax    int
	logger     *slog.Logger
}

// NewWorkspaceService creates a workspace service.
func NewWorkspaceService(
	workspaces repository.WorkspaceRepository,
	executions repository.ExecutionRepository,
	companies repository.CompanyRepository,
	users repository.UserRepository,
	machine Machine,
	portMin, portMax int,
	logger *slog.Logger,
) WorkspaceService {
	return &workspaceService{
		workspaces: workspaces,
		executions: executions,
		companies:  companies,
		users:      users,
		machine:    machine,
		portMin:    portMin,
		portMax:    portMax,
		logger:     logger.With("component", "workspace_service"),
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify reduces a display name to a DNS and useradd safe token.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// deriveNames builds the subdomain and Linux username from the tenant
// subdomain and workspace name. Linux usernames are capped at 32 chars
// by useradd.
func deriveNames(companySubdomain, name string) (subdomain, linuxUsername string) {
	slug := slugify(name)
	subdomain = companySubdomain + "-" + slug
	linuxUsername = strings.ReplaceAll(subdomain, "-", "_")
	if len(linuxUsername) > 32 {
		linuxUsername = linuxUsername[:32]
		linuxUsername = strings.TrimRight(linuxUsername, "_")
	}
	return subdomain, linuxUsername
}

// Create validates quotas, reserves a port, and dispatches provisioning
// in the background. The returned workspace is in pending status;
// clients poll Status for progress.
func (s *workspaceService) Create(ctx context.Context, actor models.Actor, req CreateWorkspaceRequest) (*models.Workspace, error) {
	if slugify(req.Name) == "" {
		return nil, apierrors.NewValidationError("name", "name must contain letters or digits")
	}

	company, err := s.companies.GetByID(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, apierrors.NewNotFoundError("Company")
	}
	if company.Status != models.CompanyActive {
		return nil, apierrors.ErrForbidden.WithMessage("Company is not active")
	}
	user, err := s.users.GetByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apierrors.ErrUnauthorized
	}

	companyCount, err := s.workspaces.CountByCompany(ctx, company.ID)
	if err != nil {
		return nil, err
	}
	if companyCount >= company.MaxWorkspaces {
		return nil, apierrors.ErrQuotaExceeded.WithDetails(map[string]any{
			"max_workspaces": company.MaxWorkspaces,
		})
	}
	if user.WorkspaceQuota > 0 {
		userCount, err := s.workspaces.CountByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if userCount >= user.WorkspaceQuota {
			return nil, apierrors.ErrQuotaExceeded.WithDetails(map[string]any{
				"workspace_quota": user.WorkspaceQuota,
			})
		}
	}

	exists, err := s.workspaces.ExistsName(ctx, company.ID, req.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apierrors.NewConflictError(fmt.Sprintf("Workspace %q already exists", req.Name))
	}

	subdomain, linuxUsername := deriveNames(company.Subdomain, req.Name)
	limits := models.GetPlanLimits(company.Plan)

	ws := &models.Workspace{
		CompanyID:          company.ID,
		UserID:             user.ID,
		TemplateID:         req.TemplateID,
		Name:               req.Name,
		Subdomain:          subdomain,
		LinuxUsername:      linuxUsername,
		CodeServerPassword: token.NewPassword(0),
		Status:             models.WorkspacePending,
		ProvisioningState:  models.ProvisioningCreated,
		AutoStopHours:      limits.DefaultAutoStopHrs,
		CPULimitPercent:    limits.CPULimitPercent,
		MemoryLimitMB:      limits.MemoryLimitMB,
		DiskQuotaGB:        limits.DiskQuotaGB,
		AccessToken:        token.NewAccessToken(),
	}
	if err := s.workspaces.CreateAllocatingPort(ctx, ws, s.portMin, s.portMax); err != nil {
		if errors.Is(err, apierrors.ErrPortExhausted) {
			return nil, apierrors.ErrServiceUnavailable.WithMessage("No capacity available, try again later")
		}
		return nil, err
	}

	s.logger.Info("workspace created",
		"workspace_id", ws.ID,
		"company_id", company.ID,
		"subdomain", ws.Subdomain,
		"port", ws.Port)

	// Provisioning takes minutes; it runs detached from the request.
	s.machine.Dispatch(context.WithoutCancel(ctx), ws)
	return ws, nil
}

// owned loads a workspace and enforces tenant scoping. Members may only
// act on their own workspaces; admins on any in the tenant.
func (s *workspaceService) owned(ctx context.Context, actor models.Actor, id int64) (*models.Workspace, error) {
	ws, err := s.workspaces.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws == nil || ws.CompanyID != actor.CompanyID {
		return nil, apierrors.NewNotFoundError("Workspace")
	}
	if !actor.IsAdmin() && ws.UserID != actor.UserID {
		return nil, apierrors.ErrForbidden
	}
	return ws, nil
}

func (s *workspaceService) Get(ctx context.Context, actor models.Actor, id int64) (*models.Workspace, error) {
	return s.owned(ctx, actor, id)
}

func (s *workspaceService) List(ctx context.Context, actor models.Actor) ([]*models.Workspace, error) {
	all, err := s.workspaces.ListByCompany(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return all, nil
	}
	var own []*models.Workspace
	for _, ws := range all {
		if ws.UserID == actor.UserID {
			own = append(own, ws)
		}
	}
	return own, nil
}

// Status reports the workspace with its provisioning progress, computed
// from the per-action execution records.
func (s *workspaceService) Status(ctx context.Context, actor models.Actor, id int64) (*WorkspaceStatus, error) {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	execs, err := s.executions.ListByWorkspace(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	status := &WorkspaceStatus{Workspace: ws, Executions: execs}
	switch {
	case ws.Status == models.WorkspaceActive:
		status.ProgressPercent = 100
	case len(execs) > 0:
		done := 0
		for _, e := range execs {
			if e.Status.IsTerminal() {
				done++
			}
		}
		status.ProgressPercent = done * 100 / len(execs)
	}
	return status, nil
}

func (s *workspaceService) Start(ctx context.Context, actor models.Actor, id int64) error {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	return s.machine.Start(ctx, ws)
}

func (s *workspaceService) Stop(ctx context.Context, actor models.Actor, id int64) error {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	return s.machine.Stop(ctx, ws)
}

func (s *workspaceService) Restart(ctx context.Context, actor models.Actor, id int64) error {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	return s.machine.Restart(ctx, ws)
}

func (s *workspaceService) Delete(ctx context.Context, actor models.Actor, id int64) error {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	return s.machine.Deprovision(ctx, ws)
}

func (s *workspaceService) Logs(ctx context.Context, actor models.Actor, id int64, lines int, since string) (string, error) {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return "", err
	}
	return s.machine.Logs(ctx, ws, lines, since)
}

// VerifySSH signals that the owner added the workspace's SSH key to
// their Git host, resuming a provision paused on key verification.
func (s *workspaceService) VerifySSH(ctx context.Context, actor models.Actor, id int64) error {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.machine.ResumeAfterSSHVerification(ctx, ws); err != nil {
		if errors.Is(err, apierrors.ErrStateTransition) {
			return apierrors.ErrBadRequest.WithMessage("Workspace is not awaiting SSH verification")
		}
		return err
	}
	return nil
}

func (s *workspaceService) ResizeDisk(ctx context.Context, actor models.Actor, id int64, quotaGB int) error {
	ws, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.machine.ResizeDisk(ctx, ws, quotaGB); err != nil {
		if errors.Is(err, apierrors.ErrStateTransition) {
			return apierrors.ErrBadRequest.WithMessage("Disk quota can only be increased")
		}
		return err
	}
	return nil
}

var _ WorkspaceService = (*workspaceService)(nil)

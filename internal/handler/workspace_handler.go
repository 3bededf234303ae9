package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atolyecloud/atolye/internal/middleware"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/response"
	"github.com/atolyecloud/atolye/internal/service"
)

// WorkspaceHandler handles workspace lifecycle HTTP requests.
type WorkspaceHandler struct {
	workspaces service.WorkspaceService
	audit      service.AuditService
	validate   *validator.Validate
}

// NewWorkspaceHandler creates a new workspace handler.
func NewWorkspaceHandler(workspaces service.WorkspaceService, audit service.AuditService) *WorkspaceHandler {
	return &WorkspaceHandler{
		workspaces: workspaces,
		audit:      audit,
		validate:   validator.New(),
	}
}

// Routes returns a chi router with workspace routes. The session
// middleware must run before these handlers.
func (h *WorkspaceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/status", h.Status)
	r.Get("/{id}/logs", h.Logs)
	r.Post("/{id}/start", h.Start)
	r.Post("/{id}/stop", h.Stop)
	r.Post("/{id}/restart", h.Restart)
	r.Post("/{id}/verify-ssh", h.VerifySSH)
	r.Post("/{id}/resize", h.Resize)

	return r
}

// CreateWorkspaceResponse carries the accepted workspace and where to
// poll for provisioning progress.
type CreateWorkspaceResponse struct {
	Workspace *models.Workspace `json:"workspace"`
	StatusURL string            `json:"status_url"`
}

// Create handles POST /v1/workspaces. Provisioning continues in the
// background; the client polls the status URL.
func (h *WorkspaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req service.CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	ws, err := h.workspaces.Create(r.Context(), actor, req)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.audit.Record(r.Context(), actor, "workspace.create", "workspace", ws.Subdomain, map[string]any{"name": ws.Name}, clientIP(r))

	statusURL := fmt.Sprintf("/v1/workspaces/%d/status", ws.ID)
	w.Header().Set("Location", statusURL)
	response.Accepted(w, CreateWorkspaceResponse{Workspace: ws, StatusURL: statusURL})
}

// List handles GET /v1/workspaces
func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	workspaces, err := h.workspaces.List(r.Context(), actor)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, workspaces)
}

// Get handles GET /v1/workspaces/{id}
func (h *WorkspaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withWorkspace(w, r, func(actor models.Actor, id int64) (any, error) {
		return h.workspaces.Get(r.Context(), actor, id)
	})
}

// ActionProgress is one action's slice of the status payload.
type ActionProgress struct {
	ActionName    string     `json:"action_name"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationSecs  *float64   `json:"duration_seconds,omitempty"`
	ElapsedSecs   *float64   `json:"elapsed_seconds,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	AttemptNumber int        `json:"attempt_number"`
}

// StatusResponse is the provisioning progress payload clients poll.
type StatusResponse struct {
	IsRunning         bool             `json:"is_running"`
	Status            string           `json:"status"`
	ProvisioningState string           `json:"provisioning_state"`
	ProgressPercent   int              `json:"progress_percent"`
	Actions           []ActionProgress `json:"actions"`
}

// Status handles GET /v1/workspaces/{id}/status
func (h *WorkspaceHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.withWorkspace(w, r, func(actor models.Actor, id int64) (any, error) {
		status, err := h.workspaces.Status(r.Context(), actor, id)
		if err != nil {
			return nil, err
		}
		return toStatusResponse(status), nil
	})
}

func toStatusResponse(status *service.WorkspaceStatus) StatusResponse {
	resp := StatusResponse{
		IsRunning:         status.Workspace.IsRunning,
		Status:            string(status.Workspace.Status),
		ProvisioningState: string(status.Workspace.ProvisioningState),
		ProgressPercent:   status.ProgressPercent,
		Actions:           make([]ActionProgress, 0, len(status.Executions)),
	}
	now := time.Now()
	for _, rec := range status.Executions {
		p := ActionProgress{
			ActionName:    rec.ActionID,
			Status:        string(rec.Status),
			StartedAt:     rec.StartedAt,
			CompletedAt:   rec.CompletedAt,
			DurationSecs:  rec.DurationSeconds,
			ErrorMessage:  rec.ErrorMessage,
			AttemptNumber: rec.AttemptNumber,
		}
		if rec.Status == models.ExecutionRunning && rec.StartedAt != nil {
			elapsed := now.Sub(*rec.StartedAt).Seconds()
			p.ElapsedSecs = &elapsed
		}
		resp.Actions = append(resp.Actions, p)
	}
	return resp
}

// LogsResponse wraps the journal excerpt for a workspace service.
type LogsResponse struct {
	Logs string `json:"logs"`
}

// Logs handles GET /v1/workspaces/{id}/logs?lines=100&since=
func (h *WorkspaceHandler) Logs(w http.ResponseWriter, r *http.Request) {
	h.withWorkspace(w, r, func(actor models.Actor, id int64) (any, error) {
		lines := intQuery(r, "lines", 100)
		since := r.URL.Query().Get("since")
		logs, err := h.workspaces.Logs(r.Context(), actor, id, lines, since)
		if err != nil {
			return nil, err
		}
		return LogsResponse{Logs: logs}, nil
	})
}

// ActionResult acknowledges a lifecycle transition.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Start handles POST /v1/workspaces/{id}/start
func (h *WorkspaceHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "workspace.start", "Workspace started", h.workspaces.Start)
}

// Stop handles POST /v1/workspaces/{id}/stop
func (h *WorkspaceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "workspace.stop", "Workspace stopped", h.workspaces.Stop)
}

// Restart handles POST /v1/workspaces/{id}/restart
func (h *WorkspaceHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "workspace.restart", "Workspace restarted", h.workspaces.Restart)
}

// Delete handles DELETE /v1/workspaces/{id}
func (h *WorkspaceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "workspace.delete", "Workspace deleted", h.workspaces.Delete)
}

// VerifySSH handles POST /v1/workspaces/{id}/verify-ssh. It resumes a
// provisioning run paused on an SSH key verification gate.
func (h *WorkspaceHandler) VerifySSH(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "workspace.verify_ssh", "SSH key verified, provisioning resumed", h.workspaces.VerifySSH)
}

// ResizeRequest grows a workspace disk quota.
type ResizeRequest struct {
	DiskQuotaGB int `json:"disk_quota_gb" validate:"required,min=1,max=1000"`
}

// Resize handles POST /v1/workspaces/{id}/resize
func (h *WorkspaceHandler) Resize(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		response.Error(w, err)
		return
	}

	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	if err := h.workspaces.ResizeDisk(r.Context(), actor, id, req.DiskQuotaGB); err != nil {
		response.Error(w, err)
		return
	}
	h.audit.Record(r.Context(), actor, "workspace.resize", "workspace", chi.URLParam(r, "id"), map[string]any{"disk_quota_gb": req.DiskQuotaGB}, clientIP(r))
	response.OK(w, ActionResult{Success: true, Message: "Disk quota updated"})
}

// withWorkspace factors the actor and id plumbing shared by read handlers.
func (h *WorkspaceHandler) withWorkspace(w http.ResponseWriter, r *http.Request, fn func(models.Actor, int64) (any, error)) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	data, err := fn(actor, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, data)
}

// action factors the actor and id plumbing shared by state transitions.
func (h *WorkspaceHandler) action(w http.ResponseWriter, r *http.Request, name, message string, fn func(ctx context.Context, actor models.Actor, id int64) error) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	if err := fn(r.Context(), actor, id); err != nil {
		response.Error(w, err)
		return
	}
	h.audit.Record(r.Context(), actor, name, "workspace", chi.URLParam(r, "id"), nil, clientIP(r))
	response.OK(w, ActionResult{Success: true, Message: message})
}

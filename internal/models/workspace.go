package models

import (
	"encoding/json"
	"time"
)

// WorkspaceStatus represents the coarse lifecycle state of a workspace.
type WorkspaceStatus string

const (
	WorkspacePending      WorkspaceStatus = "pending"
	WorkspaceProvisioning WorkspaceStatus = "provisioning"
	WorkspaceActive       WorkspaceStatus = "active"
	WorkspacePaused       WorkspaceStatus = "paused"
	WorkspaceStopped      WorkspaceStatus = "stopped"
	WorkspaceFailed       WorkspaceStatus = "failed"
)

// ProvisioningState represents the phase of workspace initialization.
type ProvisioningState string

const (
	ProvisioningCreated     ProvisioningState = "created"
	ProvisioningRunning     ProvisioningState = "provisioning"
	ProvisioningAwaitingSSH ProvisioningState = "awaiting_ssh_verification"
	ProvisioningCompleted   ProvisioningState = "completed"
	ProvisioningFailed      ProvisioningState = "failed"
)

// Workspace represents one per-tenant isolated IDE instance: one Linux
// user, one TCP port, one systemd service, one reverse-proxy route. The
// (port, linux_username, subdomain) triple stays reserved while the row
// exists; only deprovisioning releases it.
type Workspace struct {
	ID                 int64             `json:"id" db:"id"`
	CompanyID          int64             `json:"company_id" db:"company_id"`
	UserID             int64             `json:"user_id" db:"user_id"`
	TemplateID         *int64            `json:"template_id,omitempty" db:"template_id"`
	Name               string            `json:"name" db:"name"`
	Subdomain          string            `json:"subdomain" db:"subdomain"`
	LinuxUsername      string            `json:"linux_username" db:"linux_username"`
	Port               int               `json:"port" db:"port"`
	CodeServerPassword string            `json:"-" db:"code_server_password"`
	Status             WorkspaceStatus   `json:"status" db:"status"`
	ProvisioningState  ProvisioningState `json:"provisioning_state" db:"provisioning_state"`
	ProgressMessage    *string           `json:"progress_message,omitempty" db:"progress_message"`
	IsRunning          bool              `json:"is_running" db:"is_running"`
	LastStartedAt      *time.Time        `json:"last_started_at,omitempty" db:"last_started_at"`
	LastStoppedAt      *time.Time        `json:"last_stopped_at,omitempty" db:"last_stopped_at"`
	LastAccessedAt     *time.Time        `json:"last_accessed_at,omitempty" db:"last_accessed_at"`
	AutoStopHours      int               `json:"auto_stop_hours" db:"auto_stop_hours"`
	CPULimitPercent    int               `json:"cpu_limit_percent" db:"cpu_limit_percent"`
	MemoryLimitMB      int               `json:"memory_limit_mb" db:"memory_limit_mb"`
	DiskQuotaGB        int               `json:"disk_quota_gb" db:"disk_quota_gb"`
	AccessToken        string            `json:"-" db:"access_token"`
	SSHPublicKey       *string           `json:"ssh_public_key,omitempty" db:"ssh_public_key"`
	ExtraData          json.RawMessage   `json:"extra_data,omitempty" db:"extra_data"`
	// ResumeCursor is the index of the paused action within the resolved
	// execution order; nil when no pause is pending.
	ResumeCursor *int      `json:"-" db:"resume_cursor"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HomeDirectory returns the workspace home under the given base directory.
func (w *Workspace) HomeDirectory(baseDir string) string {
	return baseDir + "/" + w.LinuxUsername
}

// ServiceName returns the per-instance systemd unit name.
func (w *Workspace) ServiceName() string {
	return "code-server@" + w.LinuxUsername
}

// ExtraDataMap decodes extra_data into a map, returning an empty map for
// null or missing data.
func (w *Workspace) ExtraDataMap() map[string]any {
	out := map[string]any{}
	if len(w.ExtraData) > 0 {
		_ = json.Unmarshal(w.ExtraData, &out)
	}
	return out
}

package actions

import (
	"fmt"
	"sort"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// Factory builds a handler instance bound to one workspace context.
type Factory func(wc Context, runner execx.Runner) Handler

// Registry maps action types to handler factories. The executor and the
// template-editing UI both discover handlers here.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in handler registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}

	r.Register(TypeGenerateSSHKey, func(wc Context, run execx.Runner) Handler { return &GenerateSSHKey{wc: wc, run: run} })
	r.Register(TypeVerifySSHKey, func(wc Context, run execx.Runner) Handler { return &VerifySSHKey{wc: wc, run: run} })
	r.Register(TypeCloneGitRepository, func(wc Context, run execx.Runner) Handler { return &CloneGitRepository{wc: wc, run: run} })
	r.Register(TypeInstallSystemPackages, func(wc Context, run execx.Runner) Handler { return &InstallSystemPackages{wc: wc, run: run} })
	r.Register(TypeCreatePythonVenv, func(wc Context, run execx.Runner) Handler { return &CreatePythonVenv{wc: wc, run: run} })
	r.Register(TypeInstallPipRequirements, func(wc Context, run execx.Runner) Handler { return &InstallPipRequirements{wc: wc, run: run} })
	r.Register(TypeCreateDirectory, func(wc Context, run execx.Runner) Handler { return &CreateDirectory{wc: wc} })
	r.Register(TypeWriteConfigurationFile, func(wc Context, run execx.Runner) Handler { return &WriteConfigurationFile{wc: wc} })
	r.Register(TypeCreatePostgresDatabase, func(wc Context, run execx.Runner) Handler { return &CreatePostgresDatabase{wc: wc, run: run} })
	r.Register(TypeInstallVSCodeExtensions, func(wc Context, run execx.Runner) Handler { return &InstallVSCodeExtensions{wc: wc, run: run} })
	r.Register(TypeSetEnvironmentVariables, func(wc Context, run execx.Runner) Handler { return &SetEnvironmentVariables{wc: wc} })
	r.Register(TypeExecuteShellScript, func(wc Context, run execx.Runner) Handler { return &ExecuteShellScript{wc: wc, run: run} })
	r.Register(TypeSystemdService, func(wc Context, run execx.Runner) Handler { return &SystemdService{wc: wc, run: run} })
	r.Register(TypeDisplayCompletionMessage, func(wc Context, run execx.Runner) Handler { return &DisplayCompletionMessage{wc: wc} })
	r.Register(TypeManualAction, func(wc Context, run execx.Runner) Handler { return &ManualAction{wc: wc, run: run} })

	return r
}

// Register adds a factory for an action type, replacing any previous one.
func (r *Registry) Register(actionType string, f Factory) {
	r.factories[actionType] = f
}

// New builds a handler for the given action type bound to the workspace.
func (r *Registry) New(actionType string, wc Context, runner execx.Runner) (Handler, error) {
	f, ok := r.factories[actionType]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
	return f(wc, runner), nil
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Schemas returns metadata for every registered handler, for UI
// parameter-schema generation.
func (r *Registry) Schemas() []Metadata {
	wc := Context{}
	run := execx.NewFake()
	out := make([]Metadata, 0, len(r.factories))
	for _, t := range r.Types() {
		h := r.factories[t](wc, run)
		out = append(out, h.Meta())
	}
	return out
}

// Action type identifiers. Stored in template_action_sequences.action_type.
const (
	TypeGenerateSSHKey           = "generate_ssh_key"
	TypeVerifySSHKey             = "verify_ssh_key"
	TypeCloneGitRepository       = "clone_git_repository"
	TypeInstallSystemPackages    = "install_system_packages"
	TypeCreatePythonVenv         = "create_python_venv"
	TypeInstallPipRequirements   = "install_pip_requirements"
	TypeCreateDirectory          = "create_directory"
	TypeWriteConfigurationFile   = "write_configuration_file"
	TypeCreatePostgresDatabase   = "create_postgresql_database"
	TypeInstallVSCodeExtensions  = "install_vscode_extensions"
	TypeSetEnvironmentVariables  = "set_environment_variables"
	TypeExecuteShellScript       = "execute_shell_script"
	TypeSystemdService           = "systemd_service"
	TypeDisplayCompletionMessage = "display_completion_message"
	TypeManualAction             = "manual_action"
)

package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// CreatePythonVenv creates a Python virtual environment in the workspace.
type CreatePythonVenv struct {
	wc  Context
	run execx.Runner
}

func (h *CreatePythonVenv) Meta() Metadata {
	return Metadata{
		Type:        TypeCreatePythonVenv,
		DisplayName: "Create Python Virtualenv",
		Category:    "python",
		Description: "Creates a virtual environment with python -m venv.",
		RequiredParameters: []ParameterSpec{
			{Name: "venv_path", Type: "string", Description: "Directory for the virtual environment, must not exist"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "python_binary", Type: "string", Description: "Interpreter to use", Default: "python3"},
		},
	}
}

func (h *CreatePythonVenv) Validate(params Params) error {
	if _, err := requireString(params, "venv_path"); err != nil {
		return err
	}
	bin := params.String("python_binary", "python3")
	if !h.run.LookPath(bin) {
		return invalidParam("python_binary", fmt.Sprintf("%s is not installed", bin))
	}
	return nil
}

func (h *CreatePythonVenv) Execute(ctx context.Context, params Params) (*Result, error) {
	path := params.String("venv_path", "")
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("virtualenv path %s already exists", path)
	}
	bin := params.String("python_binary", "python3")
	if _, err := h.run.Run(ctx, execx.Cmd{
		Name:    bin,
		Args:    []string{"-m", "venv", path},
		User:    h.wc.LinuxUsername,
		Timeout: h.wc.CommandTimeout,
	}); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	return NewResult("Virtual environment created").Set("venv_path", path), nil
}

func (h *CreatePythonVenv) Rollback(_ context.Context, params Params, _ *Result) error {
	path := params.String("venv_path", "")
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// InstallPipRequirements installs Python packages from a requirements file
// and/or an explicit list, into a virtualenv or the system interpreter.
type InstallPipRequirements struct {
	wc  Context
	run execx.Runner
}

func (h *InstallPipRequirements) Meta() Metadata {
	return Metadata{
		Type:        TypeInstallPipRequirements,
		DisplayName: "Install Pip Requirements",
		Category:    "python",
		Description: "Installs Python packages with pip.",
		OptionalParameters: []ParameterSpec{
			{Name: "venv_path", Type: "string", Description: "Virtualenv whose pip to use; system pip when empty"},
			{Name: "requirements_file", Type: "string", Description: "Path to a requirements.txt"},
			{Name: "packages", Type: "list", Description: "Explicit package specs"},
			{Name: "upgrade", Type: "bool", Description: "Pass --upgrade to force re-resolution", Default: false},
		},
	}
}

func (h *InstallPipRequirements) Validate(params Params) error {
	if params.String("requirements_file", "") == "" && len(params.StringSlice("packages")) == 0 {
		return invalidParam("packages", "either requirements_file or packages is required")
	}
	return nil
}

func (h *InstallPipRequirements) pip(params Params) string {
	if venv := params.String("venv_path", ""); venv != "" {
		return filepath.Join(venv, "bin", "pip")
	}
	return "pip3"
}

func (h *InstallPipRequirements) Execute(ctx context.Context, params Params) (*Result, error) {
	pip := h.pip(params)
	base := []string{"install"}
	if params.Bool("upgrade", false) {
		base = append(base, "--upgrade")
	}

	result := NewResult("Python packages installed")
	if file := params.String("requirements_file", ""); file != "" {
		if _, err := h.run.Run(ctx, execx.Cmd{
			Name: pip, Args: append(append([]string{}, base...), "-r", file),
			Dir: h.wc.HomeDirectory, User: h.wc.LinuxUsername,
			Timeout: h.wc.CommandTimeout,
		}); err != nil {
			return nil, fmt.Errorf("pip install -r %s: %w", file, err)
		}
		result.Set("requirements_file", file)
	}
	if pkgs := params.StringSlice("packages"); len(pkgs) > 0 {
		if _, err := h.run.Run(ctx, execx.Cmd{
			Name: pip, Args: append(append([]string{}, base...), pkgs...),
			Dir: h.wc.HomeDirectory, User: h.wc.LinuxUsername,
			Timeout: h.wc.CommandTimeout,
		}); err != nil {
			return nil, err
		}
		result.Set("packages", pkgs)
	}
	return result, nil
}

// Rollback uninstalls only the explicitly listed packages. Requirements
// files are left alone since their transitive set is unknowable here.
func (h *InstallPipRequirements) Rollback(ctx context.Context, params Params, _ *Result) error {
	pkgs := params.StringSlice("packages")
	if len(pkgs) == 0 {
		return nil
	}
	_, err := h.run.Run(ctx, execx.Cmd{
		Name: h.pip(params), Args: append([]string{"uninstall", "-y"}, pkgs...),
		User: h.wc.LinuxUsername, Timeout: h.wc.CommandTimeout,
	})
	return err
}

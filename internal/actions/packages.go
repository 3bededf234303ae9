package actions

import (
	"context"
	"fmt"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// InstallSystemPackages installs OS packages with apt-get. This is the
// only handler besides create_postgresql_database that runs with elevated
// privileges.
type InstallSystemPackages struct {
	wc  Context
	run execx.Runner
}

func (h *InstallSystemPackages) Meta() Metadata {
	return Metadata{
		Type:        TypeInstallSystemPackages,
		DisplayName: "Install System Packages",
		Category:    "system",
		Description: "Installs packages via apt-get.",
		RequiredParameters: []ParameterSpec{
			{Name: "packages", Type: "list", Description: "Package names to install"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "update_package_list", Type: "bool", Description: "Run apt-get update first", Default: true},
		},
	}
}

func (h *InstallSystemPackages) Validate(params Params) error {
	pkgs := params.StringSlice("packages")
	if len(pkgs) == 0 {
		return invalidParam("packages", "at least one package is required")
	}
	for _, p := range pkgs {
		if p == "" {
			return invalidParam("packages", "package names must be non-empty")
		}
	}
	if !h.run.LookPath("apt-get") {
		return invalidParam("packages", "apt-get is not available")
	}
	return nil
}

func (h *InstallSystemPackages) Execute(ctx context.Context, params Params) (*Result, error) {
	env := []string{"DEBIAN_FRONTEND=noninteractive"}

	if params.Bool("update_package_list", true) {
		if _, err := h.run.Run(ctx, execx.Cmd{
			Name: "apt-get", Args: []string{"update"},
			Env: env, Sudo: true, Timeout: h.wc.CommandTimeout,
		}); err != nil {
			return nil, fmt.Errorf("apt-get update: %w", err)
		}
	}

	installed := make([]string, 0, len(params.StringSlice("packages")))
	for _, pkg := range params.StringSlice("packages") {
		if _, err := h.run.Run(ctx, execx.Cmd{
			Name: "apt-get", Args: []string{"install", "-y", pkg},
			Env: env, Sudo: true, Timeout: h.wc.CommandTimeout,
		}); err != nil {
			return nil, fmt.Errorf("install %s: %w", pkg, err)
		}
		installed = append(installed, pkg)
	}
	return NewResult(fmt.Sprintf("Installed %d packages", len(installed))).
		Set("installed", installed), nil
}

// Rollback removes the packages that were installed. apt may refuse when a
// package became a dependency of something else; those failures are
// swallowed because partial removal is acceptable here.
func (h *InstallSystemPackages) Rollback(ctx context.Context, params Params, result *Result) error {
	pkgs := params.StringSlice("packages")
	if result != nil {
		if done, ok := result.Data["installed"].([]string); ok {
			pkgs = done
		}
	}
	for _, pkg := range pkgs {
		_, _ = h.run.Run(ctx, execx.Cmd{
			Name: "apt-get", Args: []string{"remove", "-y", pkg},
			Env: []string{"DEBIAN_FRONTEND=noninteractive"}, Sudo: true,
			Timeout: h.wc.CommandTimeout,
		})
	}
	return nil
}

package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// InstallVSCodeExtensions installs editor extensions into the workspace's
// code-server instance. Every failure is recorded; the action succeeds
// only when all extensions install.
type InstallVSCodeExtensions struct {
	wc  Context
	run execx.Runner
}

func (h *InstallVSCodeExtensions) Meta() Metadata {
	return Metadata{
		Type:        TypeInstallVSCodeExtensions,
		DisplayName: "Install Editor Extensions",
		Category:    "editor",
		Description: "Installs code-server extensions by marketplace id.",
		RequiredParameters: []ParameterSpec{
			{Name: "extensions", Type: "list", Description: "Extension ids, e.g. ms-python.python"},
		},
	}
}

func (h *InstallVSCodeExtensions) Validate(params Params) error {
	exts := params.StringSlice("extensions")
	if len(exts) == 0 {
		return invalidParam("extensions", "at least one extension id is required")
	}
	if !h.run.LookPath("code-server") {
		return invalidParam("extensions", "code-server is not installed")
	}
	return nil
}

func (h *InstallVSCodeExtensions) Execute(ctx context.Context, params Params) (*Result, error) {
	var installed, failed []string
	for _, ext := range params.StringSlice("extensions") {
		if _, err := h.run.Run(ctx, execx.Cmd{
			Name:    "code-server",
			Args:    []string{"--install-extension", ext},
			User:    h.wc.LinuxUsername,
			Timeout: h.wc.CommandTimeout,
		}); err != nil {
			failed = append(failed, ext)
			continue
		}
		installed = append(installed, ext)
	}

	result := NewResult(fmt.Sprintf("Installed %d extensions", len(installed))).
		Set("installed", installed)
	if len(failed) > 0 {
		result.Set("failed", failed)
		return result, fmt.Errorf("failed to install extensions: %s", strings.Join(failed, ", "))
	}
	return result, nil
}

func (h *InstallVSCodeExtensions) Rollback(ctx context.Context, params Params, result *Result) error {
	exts := params.StringSlice("extensions")
	if result != nil {
		if done, ok := result.Data["installed"].([]string); ok {
			exts = done
		}
	}
	for _, ext := range exts {
		_, _ = h.run.Run(ctx, execx.Cmd{
			Name:    "code-server",
			Args:    []string{"--uninstall-extension", ext},
			User:    h.wc.LinuxUsername,
			Timeout: h.wc.CommandTimeout,
		})
	}
	return nil
}

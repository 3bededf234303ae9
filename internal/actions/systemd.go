package actions

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

var unitNameRe = regexp.MustCompile(`^[a-zA-Z0-9@._-]+$`)

// SystemdService writes a service unit for a long-running process inside
// the workspace, then reloads, enables, and starts it. System-scope units
// land in /etc/systemd/system; user-scope units under the workspace's
// ~/.config/systemd/user.
type SystemdService struct {
	wc  Context
	run execx.Runner
}

func (h *SystemdService) Meta() Metadata {
	return Metadata{
		Type:        TypeSystemdService,
		DisplayName: "Systemd Service",
		Category:    "system",
		Description: "Installs and starts a systemd service for a workspace process.",
		RequiredParameters: []ParameterSpec{
			{Name: "service_name", Type: "string", Description: "Unit name without the .service suffix"},
			{Name: "exec_start", Type: "string", Description: "Command line for ExecStart"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "description", Type: "string", Description: "Unit Description line"},
			{Name: "working_directory", Type: "string", Description: "WorkingDirectory, defaults to the workspace home"},
			{Name: "environment", Type: "object", Description: "Environment= entries"},
			{Name: "restart", Type: "string", Description: "Restart policy", Default: "on-failure"},
			{Name: "user_mode", Type: "bool", Description: "Install as a user unit instead of a system unit", Default: false},
		},
	}
}

func (h *SystemdService) Validate(params Params) error {
	name, err := requireString(params, "service_name")
	if err != nil {
		return err
	}
	if !unitNameRe.MatchString(name) {
		return invalidParam("service_name", "contains characters not allowed in unit names")
	}
	if _, err := requireString(params, "exec_start"); err != nil {
		return err
	}
	if !h.run.LookPath("systemctl") {
		return invalidParam("service_name", "systemctl is not available")
	}
	return nil
}

func (h *SystemdService) unitPath(params Params) string {
	name := params.String("service_name", "") + ".service"
	if params.Bool("user_mode", false) {
		return filepath.Join(h.wc.HomeDirectory, ".config", "systemd", "user", name)
	}
	return filepath.Join("/etc/systemd/system", name)
}

func (h *SystemdService) renderUnit(params Params) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	desc := params.String("description", params.String("service_name", ""))
	fmt.Fprintf(&b, "Description=%s\n", desc)
	b.WriteString("After=network.target\n\n")

	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	if !params.Bool("user_mode", false) {
		fmt.Fprintf(&b, "User=%s\n", h.wc.LinuxUsername)
	}
	fmt.Fprintf(&b, "WorkingDirectory=%s\n", params.String("working_directory", h.wc.HomeDirectory))
	fmt.Fprintf(&b, "ExecStart=%s\n", params.String("exec_start", ""))
	fmt.Fprintf(&b, "Restart=%s\n", params.String("restart", "on-failure"))
	if env, ok := params["environment"].(map[string]any); ok {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "Environment=%q\n", fmt.Sprintf("%s=%v", k, env[k]))
		}
	}
	b.WriteString("\n[Install]\n")
	if params.Bool("user_mode", false) {
		b.WriteString("WantedBy=default.target\n")
	} else {
		b.WriteString("WantedBy=multi-user.target\n")
	}
	return b.String()
}

func (h *SystemdService) systemctl(ctx context.Context, params Params, args ...string) error {
	cmd := execx.Cmd{Name: "systemctl", Timeout: h.wc.CommandTimeout}
	if params.Bool("user_mode", false) {
		cmd.Args = append([]string{"--user"}, args...)
		cmd.User = h.wc.LinuxUsername
	} else {
		cmd.Args = args
		cmd.Sudo = true
	}
	_, err := h.run.Run(ctx, cmd)
	return err
}

func (h *SystemdService) Execute(ctx context.Context, params Params) (*Result, error) {
	unitPath := h.unitPath(params)
	unit := h.renderUnit(params)

	writeCmd := execx.Cmd{
		Name:    "tee",
		Args:    []string{unitPath},
		Stdin:   unit,
		Timeout: h.wc.CommandTimeout,
	}
	if params.Bool("user_mode", false) {
		writeCmd.User = h.wc.LinuxUsername
		if _, err := h.run.Run(ctx, execx.Cmd{
			Name: "mkdir", Args: []string{"-p", filepath.Dir(unitPath)},
			User: h.wc.LinuxUsername, Timeout: h.wc.CommandTimeout,
		}); err != nil {
			return nil, err
		}
	} else {
		writeCmd.Sudo = true
	}
	if _, err := h.run.Run(ctx, writeCmd); err != nil {
		return nil, fmt.Errorf("write unit %s: %w", unitPath, err)
	}

	name := params.String("service_name", "")
	if err := h.systemctl(ctx, params, "daemon-reload"); err != nil {
		return nil, err
	}
	if err := h.systemctl(ctx, params, "enable", name); err != nil {
		return nil, err
	}
	if err := h.systemctl(ctx, params, "start", name); err != nil {
		return nil, err
	}
	return NewResult(fmt.Sprintf("Service %s started", name)).
		Set("unit_path", unitPath).Set("service_name", name), nil
}

func (h *SystemdService) Rollback(ctx context.Context, params Params, _ *Result) error {
	name := params.String("service_name", "")
	_ = h.systemctl(ctx, params, "stop", name)
	_ = h.systemctl(ctx, params, "disable", name)

	rmCmd := execx.Cmd{
		Name: "rm", Args: []string{"-f", h.unitPath(params)},
		Timeout: h.wc.CommandTimeout,
	}
	if params.Bool("user_mode", false) {
		rmCmd.User = h.wc.LinuxUsername
	} else {
		rmCmd.Sudo = true
	}
	if _, err := h.run.Run(ctx, rmCmd); err != nil {
		return err
	}
	return h.systemctl(ctx, params, "daemon-reload")
}

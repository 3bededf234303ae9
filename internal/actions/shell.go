package actions

import (
	"context"
	"strings"
	"time"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// ExecuteShellScript runs an arbitrary command, script file, or inline
// script in the workspace user's shell. There is no automatic idempotency
// and no rollback; templates that need cleanup pair this with an explicit
// inverse action.
type ExecuteShellScript struct {
	wc  Context
	run execx.Runner
}

func (h *ExecuteShellScript) Meta() Metadata {
	return Metadata{
		Type:        TypeExecuteShellScript,
		DisplayName: "Execute Shell Script",
		Category:    "system",
		Description: "Runs a command or script as the workspace user.",
		OptionalParameters: []ParameterSpec{
			{Name: "command", Type: "string", Description: "Single command line passed to bash -c"},
			{Name: "script_file", Type: "string", Description: "Script path to run with bash"},
			{Name: "script_content", Type: "string", Description: "Inline script fed to bash on stdin"},
			{Name: "working_dir", Type: "string", Description: "Working directory, defaults to the workspace home"},
			{Name: "timeout_seconds", Type: "int", Description: "Command timeout override"},
		},
	}
}

func (h *ExecuteShellScript) Validate(params Params) error {
	n := 0
	for _, f := range []string{"command", "script_file", "script_content"} {
		if params.String(f, "") != "" {
			n++
		}
	}
	if n != 1 {
		return invalidParam("command", "exactly one of command, script_file, script_content is required")
	}
	if params.Int("timeout_seconds", 0) < 0 {
		return invalidParam("timeout_seconds", "must be positive")
	}
	return nil
}

func (h *ExecuteShellScript) Execute(ctx context.Context, params Params) (*Result, error) {
	timeout := h.wc.CommandTimeout
	if s := params.Int("timeout_seconds", 0); s > 0 {
		timeout = time.Duration(s) * time.Second
	}
	dir := params.String("working_dir", h.wc.HomeDirectory)

	cmd := execx.Cmd{
		Name:    "bash",
		Dir:     dir,
		User:    h.wc.LinuxUsername,
		Timeout: timeout,
	}
	switch {
	case params.String("command", "") != "":
		cmd.Args = []string{"-c", params.String("command", "")}
	case params.String("script_file", "") != "":
		cmd.Args = []string{params.String("script_file", "")}
	default:
		cmd.Args = []string{"-s"}
		cmd.Stdin = params.String("script_content", "")
	}

	res, err := h.run.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return NewResult("Script completed").
		Set("exit_code", res.ExitCode).
		Set("stdout", tailLines(res.Stdout, 50)), nil
}

func (h *ExecuteShellScript) Rollback(context.Context, Params, *Result) error { return nil }

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

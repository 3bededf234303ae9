package actions

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// CloneGitRepository clones a repository into the workspace and records
// the checked-out commit and branch.
type CloneGitRepository struct {
	wc  Context
	run execx.Runner
}

func (h *CloneGitRepository) Meta() Metadata {
	return Metadata{
		Type:        TypeCloneGitRepository,
		DisplayName: "Clone Git Repository",
		Category:    "git",
		Description: "Clones a Git repository into the workspace.",
		RequiredParameters: []ParameterSpec{
			{Name: "repository_url", Type: "string", Description: "Clone URL (https or ssh)"},
			{Name: "destination_path", Type: "string", Description: "Target directory, must not exist"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "branch", Type: "string", Description: "Branch to check out"},
			{Name: "depth", Type: "int", Description: "Shallow clone depth"},
			{Name: "recursive", Type: "bool", Description: "Initialize submodules", Default: false},
		},
	}
}

func (h *CloneGitRepository) Validate(params Params) error {
	if _, err := requireString(params, "repository_url"); err != nil {
		return err
	}
	if _, err := requireString(params, "destination_path"); err != nil {
		return err
	}
	if d := params.Int("depth", 0); d < 0 {
		return invalidParam("depth", "must be positive")
	}
	if !h.run.LookPath("git") {
		return invalidParam("repository_url", "git is not installed")
	}
	return nil
}

func (h *CloneGitRepository) Execute(ctx context.Context, params Params) (*Result, error) {
	url := params.String("repository_url", "")
	dest := params.String("destination_path", "")

	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("destination %s already exists", dest)
	}

	args := []string{"clone"}
	if b := params.String("branch", ""); b != "" {
		args = append(args, "--branch", b)
	}
	if d := params.Int("depth", 0); d > 0 {
		args = append(args, "--depth", strconv.Itoa(d))
	}
	if params.Bool("recursive", false) {
		args = append(args, "--recursive")
	}
	args = append(args, url, dest)

	if _, err := h.run.Run(ctx, execx.Cmd{
		Name:    "git",
		Args:    args,
		Dir:     h.wc.HomeDirectory,
		User:    h.wc.LinuxUsername,
		Timeout: h.wc.CommandTimeout,
	}); err != nil {
		// A failed clone may leave a partial checkout behind.
		_ = os.RemoveAll(dest)
		return nil, err
	}

	result := NewResult("Repository cloned").Set("destination_path", dest)
	if res, err := h.run.Run(ctx, execx.Cmd{
		Name: "git", Args: []string{"-C", dest, "rev-parse", "HEAD"},
		User: h.wc.LinuxUsername, Timeout: h.wc.CommandTimeout,
	}); err == nil {
		result.Set("commit", strings.TrimSpace(res.Stdout))
	}
	if res, err := h.run.Run(ctx, execx.Cmd{
		Name: "git", Args: []string{"-C", dest, "rev-parse", "--abbrev-ref", "HEAD"},
		User: h.wc.LinuxUsername, Timeout: h.wc.CommandTimeout,
	}); err == nil {
		result.Set("branch", strings.TrimSpace(res.Stdout))
	}
	return result, nil
}

func (h *CloneGitRepository) Rollback(_ context.Context, params Params, _ *Result) error {
	dest := params.String("destination_path", "")
	if dest == "" {
		return nil
	}
	return os.RemoveAll(dest)
}

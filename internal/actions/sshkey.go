package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// GenerateSSHKey creates an SSH keypair under the workspace's ~/.ssh and
// optionally seeds known_hosts with GitHub's host keys.
type GenerateSSHKey struct {
	wc  Context
	run execx.Runner
}

func (h *GenerateSSHKey) Meta() Metadata {
	return Metadata{
		Type:        TypeGenerateSSHKey,
		DisplayName: "Generate SSH Key",
		Category:    "git",
		Description: "Generates an SSH keypair for the workspace user and optionally trusts GitHub's host keys.",
		OptionalParameters: []ParameterSpec{
			{Name: "key_type", Type: "string", Description: "Key algorithm passed to ssh-keygen -t", Default: "ed25519"},
			{Name: "key_comment", Type: "string", Description: "Key comment, defaults to the workspace owner's email"},
			{Name: "add_github_to_known_hosts", Type: "bool", Description: "Append GitHub host keys to known_hosts", Default: true},
		},
	}
}

func (h *GenerateSSHKey) Validate(params Params) error {
	switch t := params.String("key_type", "ed25519"); t {
	case "ed25519", "rsa", "ecdsa":
	default:
		return invalidParam("key_type", fmt.Sprintf("unsupported key type %q", t))
	}
	if !h.run.LookPath("ssh-keygen") {
		return invalidParam("key_type", "ssh-keygen is not installed")
	}
	return nil
}

func (h *GenerateSSHKey) Execute(ctx context.Context, params Params) (*Result, error) {
	keyType := params.String("key_type", "ed25519")
	comment := params.String("key_comment", h.wc.UserEmail)

	sshDir := filepath.Join(h.wc.HomeDirectory, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", sshDir, err)
	}
	keyPath := filepath.Join(sshDir, "id_"+keyType)
	pubPath := keyPath + ".pub"

	if _, err := os.Stat(keyPath); err == nil {
		pub, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, fmt.Errorf("read existing public key: %w", err)
		}
		return NewResult("SSH key already present").
			Set("already_existed", true).
			Set("key_path", keyPath).
			Set("public_key", strings.TrimSpace(string(pub))), nil
	}

	_, err := h.run.Run(ctx, execx.Cmd{
		Name:    "ssh-keygen",
		Args:    []string{"-t", keyType, "-f", keyPath, "-N", "", "-C", comment},
		User:    h.wc.LinuxUsername,
		Timeout: h.wc.CommandTimeout,
	})
	if err != nil {
		return nil, err
	}
	// ssh-keygen sets sane modes, but callers depend on exactly these.
	_ = os.Chmod(keyPath, 0o600)
	_ = os.Chmod(pubPath, 0o644)

	if params.Bool("add_github_to_known_hosts", true) {
		if res, err := h.run.Run(ctx, execx.Cmd{
			Name:    "ssh-keyscan",
			Args:    []string{"github.com"},
			Timeout: h.wc.CommandTimeout,
		}); err == nil && res.Stdout != "" {
			knownHosts := filepath.Join(sshDir, "known_hosts")
			f, ferr := os.OpenFile(knownHosts, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if ferr == nil {
				_, _ = f.WriteString(res.Stdout)
				_ = f.Close()
			}
		}
	}

	pub, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read generated public key: %w", err)
	}
	return NewResult("SSH key generated").
		Set("already_existed", false).
		Set("key_path", keyPath).
		Set("public_key", strings.TrimSpace(string(pub))), nil
}

func (h *GenerateSSHKey) Rollback(_ context.Context, params Params, result *Result) error {
	if result != nil {
		if pre, ok := result.Data["already_existed"].(bool); ok && pre {
			return nil
		}
	}
	keyType := params.String("key_type", "ed25519")
	keyPath := filepath.Join(h.wc.HomeDirectory, ".ssh", "id_"+keyType)
	if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(keyPath + ".pub"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// VerifySSHKey pauses the workflow until the user confirms the public key
// was added to their Git hosting account, then optionally probes GitHub.
type VerifySSHKey struct {
	wc  Context
	run execx.Runner
}

func (h *VerifySSHKey) Meta() Metadata {
	return Metadata{
		Type:        TypeVerifySSHKey,
		DisplayName: "Verify SSH Key",
		Category:    "git",
		Description: "Pauses until the user confirms the SSH key is registered, then checks GitHub access.",
		OptionalParameters: []ParameterSpec{
			{Name: "key_type", Type: "string", Description: "Key algorithm of the key to display", Default: "ed25519"},
			{Name: "check_github", Type: "bool", Description: "Probe git@github.com after the confirmation signal", Default: true},
		},
	}
}

func (h *VerifySSHKey) Validate(Params) error { return nil }

func (h *VerifySSHKey) Execute(_ context.Context, params Params) (*Result, error) {
	keyType := params.String("key_type", "ed25519")
	pubPath := filepath.Join(h.wc.HomeDirectory, ".ssh", "id_"+keyType+".pub")
	pub, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key for verification: %w", err)
	}
	res := NewResult("Waiting for SSH key confirmation").
		Set("public_key", strings.TrimSpace(string(pub)))
	res.Pause = true
	return res, nil
}

// Resume probes GitHub over SSH. A successful key test exits 1 with a
// greeting on stderr because GitHub does not grant shell access.
func (h *VerifySSHKey) Resume(ctx context.Context, params Params) (*Result, error) {
	if !params.Bool("check_github", true) {
		return NewResult("SSH key confirmed"), nil
	}
	res, err := h.run.Run(ctx, execx.Cmd{
		Name:    "ssh",
		Args:    []string{"-T", "-o", "StrictHostKeyChecking=accept-new", "git@github.com"},
		User:    h.wc.LinuxUsername,
		Timeout: h.wc.CommandTimeout,
	})
	if res != nil && res.ExitCode == 1 && strings.Contains(res.Stderr, "successfully authenticated") {
		return NewResult("GitHub SSH access verified"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("github ssh check failed: %w", err)
	}
	return nil, fmt.Errorf("github ssh check returned exit %d without authentication greeting", res.ExitCode)
}

func (h *VerifySSHKey) Rollback(context.Context, Params, *Result) error { return nil }

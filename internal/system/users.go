// Package system wraps the host-level operations provisioning needs:
// Linux account management, systemd units, disk quotas, and journal
// access. Everything shells out through an execx.Runner so tests can
// script the host.
package system

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

var linuxUsernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

// UserManager creates and removes workspace Linux accounts.
type UserManager struct {
	run     execx.Runner
	timeout time.Duration
}

// NewUserManager wraps the runner.
func NewUserManager(run execx.Runner, timeout time.Duration) *UserManager {
	return &UserManager{run: run, timeout: timeout}
}

// ValidUsername reports whether name is acceptable to useradd.
func ValidUsername(name string) bool {
	return len(name) > 0 && len(name) <= 32 && linuxUsernameRe.MatchString(name)
}

// Create adds a user with the given home directory and a bash shell, then
// sets its password via chpasswd.
func (u *UserManager) Create(ctx context.Context, username, home, password string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("invalid linux username %q", username)
	}
	if _, err := u.run.Run(ctx, execx.Cmd{
		Name:    "useradd",
		Args:    []string{"--create-home", "--home-dir", home, "--shell", "/bin/bash", username},
		Sudo:    true,
		Timeout: u.timeout,
	}); err != nil {
		return fmt.Errorf("useradd %s: %w", username, err)
	}
	if _, err := u.run.Run(ctx, execx.Cmd{
		Name:    "chpasswd",
		Stdin:   fmt.Sprintf("%s:%s\n", username, password),
		Sudo:    true,
		Timeout: u.timeout,
	}); err != nil {
		return fmt.Errorf("chpasswd %s: %w", username, err)
	}
	return nil
}

// Exists reports whether the account is present in the user database.
func (u *UserManager) Exists(ctx context.Context, username string) bool {
	_, err := u.run.Run(ctx, execx.Cmd{
		Name:    "id",
		Args:    []string{"-u", username},
		Timeout: u.timeout,
	})
	return err == nil
}

// Delete removes the account together with its home tree and mail spool.
func (u *UserManager) Delete(ctx context.Context, username string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("invalid linux username %q", username)
	}
	if _, err := u.run.Run(ctx, execx.Cmd{
		Name:    "userdel",
		Args:    []string{"--remove", username},
		Sudo:    true,
		Timeout: u.timeout,
	}); err != nil {
		return fmt.Errorf("userdel %s: %w", username, err)
	}
	return nil
}

// SetQuota applies a block quota in gigabytes on the filesystem holding
// the workspace homes. Soft and hard limits are set to the same value.
func (u *UserManager) SetQuota(ctx context.Context, username string, quotaGB int, filesystem string) error {
	blocks := quotaGB * 1024 * 1024 // setquota takes 1K blocks
	_, err := u.run.Run(ctx, execx.Cmd{
		Name:    "setquota",
		Args:    []string{"-u", username, fmt.Sprint(blocks), fmt.Sprint(blocks), "0", "0", filesystem},
		Sudo:    true,
		Timeout: u.timeout,
	})
	if err != nil {
		return fmt.Errorf("setquota %s: %w", username, err)
	}
	return nil
}

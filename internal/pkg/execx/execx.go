// Package execx runs external commands with explicit timeouts and
// captured output. Every subprocess the control plane spawns (ssh-keygen,
// git, apt-get, systemctl, ...) goes through a Runner so tests can swap in
// a fake.
package execx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
)

// DefaultTimeout bounds commands whose caller does not set one.
const DefaultTimeout = 2 * time.Minute

// stderrTailLimit caps how much stderr is carried into a CommandError.
const stderrTailLimit = 2048

// Cmd describes one external command invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Stdin   string
	Timeout time.Duration
	// User, when set, runs the command as that account via sudo -u.
	// Commands that must run as root leave it empty and set Sudo.
	User string
	Sudo bool
}

// Result holds the captured output of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands. The process implementation shells out; tests
// substitute a recorder.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
	// LookPath reports whether an executable is available.
	LookPath(name string) bool
}

// System is the Runner backed by os/exec.
type System struct{}

// NewRunner returns the process-backed Runner.
func NewRunner() *System { return &System{} }

// Run executes the command, enforcing the timeout and wrapping failures in
// a CommandError carrying the stderr tail.
func (s *System) Run(ctx context.Context, cmd Cmd) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := cmd.Name, cmd.Args
	switch {
	case cmd.User != "":
		args = append([]string{"-u", cmd.User, "-H", name}, args...)
		name = "sudo"
	case cmd.Sudo:
		args = append([]string{name}, args...)
		name = "sudo"
	}

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = ctx.Err()
		}
		return res, &apierrors.CommandError{
			Command: displayName(cmd),
			Stderr:  tail(res.Stderr),
			Err:     err,
		}
	}
	return res, nil
}

// LookPath reports whether name resolves on PATH.
func (s *System) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func displayName(cmd Cmd) string {
	if len(cmd.Args) == 0 {
		return cmd.Name
	}
	return cmd.Name + " " + strings.Join(cmd.Args, " ")
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLimit {
		return s[len(s)-stderrTailLimit:]
	}
	return s
}

package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

const (
	// templateUnitPath holds the shared code-server template unit; each
	// workspace gets an instance code-server@<username>.service.
	templateUnitPath = "/etc/systemd/system/code-server@.service"

	dropInDirFormat = "/etc/systemd/system/code-server@%s.service.d"
)

// templateUnit is the hardened template every workspace instance uses.
// The per-instance drop-in supplies PORT.
const templateUnit = `[Unit]
Description=code-server for workspace %i
After=network.target

[Service]
Type=simple
User=%i
ExecStart=/usr/bin/code-server --bind-addr 127.0.0.1:${PORT} --auth none .
WorkingDirectory=/home/%i
Restart=always
RestartSec=5
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=false
ReadWritePaths=/home/%i

[Install]
WantedBy=multi-user.target
`

// Systemd controls the per-workspace code-server services.
type Systemd struct {
	run     execx.Runner
	timeout time.Duration
}

// NewSystemd wraps the runner.
func NewSystemd(run execx.Runner, timeout time.Duration) *Systemd {
	return &Systemd{run: run, timeout: timeout}
}

func (s *Systemd) ctl(ctx context.Context, args ...string) error {
	_, err := s.run.Run(ctx, execx.Cmd{
		Name:    "systemctl",
		Args:    args,
		Sudo:    true,
		Timeout: s.timeout,
	})
	return err
}

func (s *Systemd) writeFile(ctx context.Context, path, content string) error {
	if _, err := s.run.Run(ctx, execx.Cmd{
		Name:    "tee",
		Args:    []string{path},
		Stdin:   content,
		Sudo:    true,
		Timeout: s.timeout,
	}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EnsureTemplateUnit installs the shared code-server@.service template.
// Safe to call on every provision; the content is constant.
func (s *Systemd) EnsureTemplateUnit(ctx context.Context) error {
	return s.writeFile(ctx, templateUnitPath, templateUnit)
}

// WriteInstanceDropIn writes the per-instance override that supplies the
// workspace's port, then reloads the daemon.
func (s *Systemd) WriteInstanceDropIn(ctx context.Context, username string, port int) error {
	dir := fmt.Sprintf(dropInDirFormat, username)
	if _, err := s.run.Run(ctx, execx.Cmd{
		Name: "mkdir", Args: []string{"-p", dir},
		Sudo: true, Timeout: s.timeout,
	}); err != nil {
		return err
	}
	dropIn := fmt.Sprintf("[Service]\nEnvironment=\"PORT=%d\"\n", port)
	if err := s.writeFile(ctx, dir+"/override.conf", dropIn); err != nil {
		return err
	}
	return s.ctl(ctx, "daemon-reload")
}

// RemoveInstance stops and disables the instance and deletes its drop-in
// directory. Errors on stop/disable are swallowed so a half-provisioned
// instance can still be cleaned up.
func (s *Systemd) RemoveInstance(ctx context.Context, username string) error {
	unit := InstanceUnit(username)
	_ = s.ctl(ctx, "stop", unit)
	_ = s.ctl(ctx, "disable", unit)
	if _, err := s.run.Run(ctx, execx.Cmd{
		Name: "rm", Args: []string{"-rf", fmt.Sprintf(dropInDirFormat, username)},
		Sudo: true, Timeout: s.timeout,
	}); err != nil {
		return err
	}
	return s.ctl(ctx, "daemon-reload")
}

// InstanceUnit returns the unit name for a workspace account.
func InstanceUnit(username string) string {
	return "code-server@" + username + ".service"
}

// Enable enables and starts the instance unit.
func (s *Systemd) Enable(ctx context.Context, username string) error {
	if err := s.ctl(ctx, "enable", InstanceUnit(username)); err != nil {
		return err
	}
	return s.ctl(ctx, "start", InstanceUnit(username))
}

// Start starts the instance unit.
func (s *Systemd) Start(ctx context.Context, username string) error {
	return s.ctl(ctx, "start", InstanceUnit(username))
}

// Stop stops the instance unit.
func (s *Systemd) Stop(ctx context.Context, username string) error {
	return s.ctl(ctx, "stop", InstanceUnit(username))
}

// Restart restarts the instance unit.
func (s *Systemd) Restart(ctx context.Context, username string) error {
	return s.ctl(ctx, "restart", InstanceUnit(username))
}

// UnitState is the parsed subset of systemctl show output the lifecycle
// controller consumes.
type UnitState struct {
	ActiveState string
	// ActiveEnterTimestamp is zero when the unit never started.
	ActiveEnterTimestamp time.Time
}

// Show queries the unit's active state and activation timestamp.
func (s *Systemd) Show(ctx context.Context, username string) (*UnitState, error) {
	res, err := s.run.Run(ctx, execx.Cmd{
		Name:    "systemctl",
		Args:    []string{"show", InstanceUnit(username), "--property=ActiveState,ActiveEnterTimestamp"},
		Timeout: s.timeout,
	})
	if err != nil {
		return nil, err
	}

	state := &UnitState{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			state.ActiveState = value
		case "ActiveEnterTimestamp":
			if value != "" && value != "n/a" {
				// systemd renders e.g. "Mon 2026-08-24 10:00:00 UTC".
				if ts, err := time.Parse("Mon 2006-01-02 15:04:05 MST", value); err == nil {
					state.ActiveEnterTimestamp = ts
				}
			}
		}
	}
	return state, nil
}

// JournalTail returns the last n lines of the instance's journal. since
// accepts journalctl's --since syntax and may be empty.
func (s *Systemd) JournalTail(ctx context.Context, username string, n int, since string) (string, error) {
	args := []string{"-u", InstanceUnit(username), "-n", strconv.Itoa(n), "--no-pager"}
	if since != "" {
		args = append(args, "--since", since)
	}
	res, err := s.run.Run(ctx, execx.Cmd{
		Name:    "journalctl",
		Args:    args,
		Sudo:    true,
		Timeout: s.timeout,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

func TestValidUsername(t *testing.T) {
	assert.True(t, ValidUsername("acme_api"))
	assert.True(t, ValidUsername("_svc"))
	assert.False(t, ValidUsername(""))
	assert.False(t, ValidUsername("1bad"))
	assert.False(t, ValidUsername("has space"))
	assert.False(t, ValidUsername("UPPER"))
}

func TestUserManagerCreate(t *testing.T) {
	run := execx.NewFake()
	u := NewUserManager(run, time.Minute)

	require.NoError(t, u.Create(context.Background(), "acme_api", "/srv/workspaces/acme_api", "secret"))

	cmds := run.CommandsRun()
	require.Len(t, cmds, 2)
	assert.Equal(t, "useradd --create-home --home-dir /srv/workspaces/acme_api --shell /bin/bash acme_api", cmds[0])
	assert.Equal(t, "chpasswd", cmds[1])
	assert.Equal(t, "acme_api:secret\n", run.Calls[1].Stdin)
	assert.True(t, run.Calls[0].Sudo)

	assert.Error(t, u.Create(context.Background(), "Bad User", "/home/x", "pw"))
}

func TestUserManagerDelete(t *testing.T) {
	run := execx.NewFake()
	u := NewUserManager(run, time.Minute)

	require.NoError(t, u.Delete(context.Background(), "acme_api"))
	assert.Equal(t, []string{"userdel --remove acme_api"}, run.CommandsRun())
}

func TestUserManagerSetQuota(t *testing.T) {
	run := execx.NewFake()
	u := NewUserManager(run, time.Minute)

	require.NoError(t, u.SetQuota(context.Background(), "acme_api", 10, "/srv"))
	assert.Equal(t,
		[]string{"setquota -u acme_api 10485760 10485760 0 0 /srv"},
		run.CommandsRun())
}

func TestSystemdInstanceLifecycle(t *testing.T) {
	run := execx.NewFake()
	s := NewSystemd(run, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.EnsureTemplateUnit(ctx))
	require.NoError(t, s.WriteInstanceDropIn(ctx, "acme_api", 10042))
	require.NoError(t, s.Enable(ctx, "acme_api"))

	cmds := run.CommandsRun()
	assert.Equal(t, "tee /etc/systemd/system/code-server@.service", cmds[0])
	assert.Contains(t, run.Calls[0].Stdin, "ExecStart=/usr/bin/code-server --bind-addr 127.0.0.1:${PORT} --auth none .")
	assert.Contains(t, run.Calls[0].Stdin, "NoNewPrivileges=true")
	assert.Contains(t, run.Calls[0].Stdin, "ProtectSystem=strict")

	assert.Contains(t, cmds, "mkdir -p /etc/systemd/system/code-server@acme_api.service.d")
	assert.Contains(t, cmds, "tee /etc/systemd/system/code-server@acme_api.service.d/override.conf")
	assert.Contains(t, cmds, "systemctl daemon-reload")
	assert.Contains(t, cmds, "systemctl enable code-server@acme_api.service")
	assert.Contains(t, cmds, "systemctl start code-server@acme_api.service")

	// Drop-in carries the allocated port.
	for i, c := range cmds {
		if c == "tee /etc/systemd/system/code-server@acme_api.service.d/override.conf" {
			assert.Equal(t, "[Service]\nEnvironment=\"PORT=10042\"\n", run.Calls[i].Stdin)
		}
	}
}

func TestSystemdRemoveInstanceSurvivesStopFailure(t *testing.T) {
	run := execx.NewFake()
	run.On("systemctl stop", nil, errors.New("unit not loaded"))
	s := NewSystemd(run, time.Minute)

	require.NoError(t, s.RemoveInstance(context.Background(), "acme_api"))
	cmds := run.CommandsRun()
	assert.Contains(t, cmds, "rm -rf /etc/systemd/system/code-server@acme_api.service.d")
	assert.Equal(t, "systemctl daemon-reload", cmds[len(cmds)-1])
}

func TestSystemdShow(t *testing.T) {
	run := execx.NewFake()
	run.On("systemctl show", &execx.Result{
		Stdout: "ActiveState=active\nActiveEnterTimestamp=Mon 2026-08-24 10:00:00 UTC\n",
	}, nil)
	s := NewSystemd(run, time.Minute)

	state, err := s.Show(context.Background(), "acme_api")
	require.NoError(t, err)
	assert.Equal(t, "active", state.ActiveState)
	assert.Equal(t, 2026, state.ActiveEnterTimestamp.Year())
	assert.False(t, state.ActiveEnterTimestamp.IsZero())
}

func TestSystemdJournalTail(t *testing.T) {
	run := execx.NewFake()
	run.On("journalctl", &execx.Result{Stdout: "line1\nline2\n"}, nil)
	s := NewSystemd(run, time.Minute)

	out, err := s.JournalTail(context.Background(), "acme_api", 50, "1 hour ago")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", out)
	assert.Equal(t,
		[]string{"journalctl -u code-server@acme_api.service -n 50 --no-pager --since 1 hour ago"},
		run.CommandsRun())
}

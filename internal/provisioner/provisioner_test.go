package provisioner

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/actions"
	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/executor"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/execx"
	"github.com/atolyecloud/atolye/internal/proxy"
	"github.com/atolyecloud/atolye/internal/repository"
	"github.com/atolyecloud/atolye/internal/system"
)

type fakeWorkspaceRepo struct {
	status    models.WorkspaceStatus
	state     models.ProvisioningState
	progress  string
	isRunning bool
	cursor    *int
	extra     map[string]any
	quotaGB   int
	deleted   bool
	byStatus  map[models.WorkspaceStatus][]*models.Workspace
}

func (f *fakeWorkspaceRepo) CreateAllocatingPort(ctx context.Context, ws *models.Workspace, portMin, portMax int) error {
	return nil
}
func (f *fakeWorkspaceRepo) GetByID(ctx context.Context, id int64) (*models.Workspace, error) {
	return nil, nil
}
func (f *fakeWorkspaceRepo) GetBySubdomain(ctx context.Context, subdomain string) (*models.Workspace, error) {
	return nil, nil
}
func (f *fakeWorkspaceRepo) ListByCompany(ctx context.Context, companyID int64) ([]*models.Workspace, error) {
	return nil, nil
}
func (f *fakeWorkspaceRepo) ListRunning(ctx context.Context) ([]*models.Workspace, error) {
	return nil, nil
}
func (f *fakeWorkspaceRepo) ListByStatus(ctx context.Context, status models.WorkspaceStatus) ([]*models.Workspace, error) {
	return f.byStatus[status], nil
}
func (f *fakeWorkspaceRepo) CountByCompany(ctx context.Context, companyID int64) (int, error) {
	return 0, nil
}
func (f *fakeWorkspaceRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	return 0, nil
}
func (f *fakeWorkspaceRepo) ExistsName(ctx context.Context, companyID int64, name string) (bool, error) {
	return false, nil
}
func (f *fakeWorkspaceRepo) UpdateStatus(ctx context.Context, id int64, status models.WorkspaceStatus, state models.ProvisioningState, progress *string) error {
	f.status, f.state = status, state
	if progress != nil {
		f.progress = *progress
	}
	return nil
}
func (f *fakeWorkspaceRepo) SetRunning(ctx context.Context, id int64, running bool, at time.Time) error {
	f.isRunning = running
	return nil
}
func (f *fakeWorkspaceRepo) SetResumeCursor(ctx context.Context, id int64, cursor *int) error {
	f.cursor = cursor
	return nil
}
func (f *fakeWorkspaceRepo) SetSSHPublicKey(ctx context.Context, id int64, publicKey string) error {
	return nil
}
func (f *fakeWorkspaceRepo) MergeExtraData(ctx context.Context, id int64, patch map[string]any) error {
	if f.extra == nil {
		f.extra = map[string]any{}
	}
	for k, v := range patch {
		f.extra[k] = v
	}
	return nil
}
func (f *fakeWorkspaceRepo) UpdateDiskQuota(ctx context.Context, id int64, quotaGB int) error {
	f.quotaGB = quotaGB
	return nil
}
func (f *fakeWorkspaceRepo) RaiseDiskQuotaForCompany(ctx context.Context, companyID int64, quotaGB int) ([]*models.Workspace, error) {
	return nil, nil
}
func (f *fakeWorkspaceRepo) TouchAccessed(ctx context.Context, id int64, at time.Time) error {
	return nil
}
func (f *fakeWorkspaceRepo) WithTx(tx pgx.Tx) repository.WorkspaceRepository {
	return f
}
func (f *fakeWorkspaceRepo) Delete(ctx context.Context, id int64) error {
	f.deleted = true
	return nil
}

type fakeExecutions struct {
	records []*models.WorkspaceActionExecution
	wiped   bool
}

func (f *fakeExecutions) CreateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error {
	f.records = append(f.records, rec)
	return nil
}
func (f *fakeExecutions) UpdateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error {
	return nil
}
func (f *fakeExecutions) ListByWorkspace(ctx context.Context, workspaceID int64) ([]*models.WorkspaceActionExecution, error) {
	return f.records, nil
}
func (f *fakeExecutions) DeleteByWorkspace(ctx context.Context, workspaceID int64) error {
	f.wiped = true
	return nil
}

type fakeTemplates struct{}

func (fakeTemplates) GetByID(ctx context.Context, id int64) (*models.WorkspaceTemplate, error) {
	return nil, nil
}
func (fakeTemplates) ListActions(ctx context.Context, templateID int64) ([]models.TemplateActionSequence, error) {
	return nil, nil
}

type fakeUsers struct{}

func (fakeUsers) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return &models.User{ID: id, Email: "dev@acme.test"}, nil
}

type fakeCompanies struct{}

func (fakeCompanies) GetByID(ctx context.Context, id int64) (*models.Company, error) {
	return &models.Company{ID: id, Name: "Acme"}, nil
}

type harness struct {
	prov  *Provisioner
	repo  *fakeWorkspaceRepo
	execs *fakeExecutions
	run   *execx.Fake
	route *proxy.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	run := execx.NewFake()
	repo := &fakeWorkspaceRepo{}
	execs := &fakeExecutions{}
	route := proxy.NewManager(proxy.Options{
		Path:          filepath.Join(t.TempDir(), "workspaces.yml"),
		Domain:        "atolye.dev",
		AuthVerifyURL: "https://app.atolye.dev/api/auth/verify",
	}, logger)

	cfg := config.WorkspaceConfig{
		PortMin:          10000,
		PortMax:          10999,
		BaseDir:          "/home",
		Domain:           "atolye.dev",
		ProvisionWorkers: 2,
		CommandTimeout:   time.Minute,
	}
	deps := Deps{
		Workspaces: repo,
		Templates:  fakeTemplates{},
		Executions: execs,
		Users:      fakeUsers{},
		Companies:  fakeCompanies{},
		Accounts:   system.NewUserManager(run, cfg.CommandTimeout),
		Services:   system.NewSystemd(run, cfg.CommandTimeout),
		Proxy:      route,
		Executor:   executor.New(actions.NewRegistry(), run, execs, logger),
		Runner:     run,
	}
	return &harness{
		prov:  New(deps, cfg, logger),
		repo:  repo,
		execs: execs,
		run:   run,
		route: route,
	}
}

func testWorkspace() *models.Workspace {
	return &models.Workspace{
		ID:                 7,
		CompanyID:          3,
		UserID:             5,
		Name:               "api",
		Subdomain:          "acme-api",
		LinuxUsername:      "acme_api",
		Port:               10042,
		CodeServerPassword: "s3cret",
		Status:             models.WorkspacePending,
		ProvisioningState:  models.ProvisioningCreated,
		DiskQuotaGB:        10,
	}
}

func TestProvisionHappyPath(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	// The account does not exist yet.
	h.run.On("id -u acme_api", nil, errors.New("no such user"))

	require.NoError(t, h.prov.Provision(context.Background(), ws))

	cmds := h.run.CommandsRun()
	assert.Contains(t, cmds, "useradd --create-home --home-dir /home/acme_api --shell /bin/bash acme_api")
	assert.Contains(t, cmds, "chpasswd")
	assert.Contains(t, cmds, "mkdir -p /home/acme_api/.config/code-server")
	assert.Contains(t, cmds, "tee /home/acme_api/.config/code-server/config.yaml")
	assert.Contains(t, cmds, "tee /etc/systemd/system/code-server@.service")
	assert.Contains(t, cmds, "systemctl enable code-server@acme_api.service")
	assert.Contains(t, cmds, "systemctl start code-server@acme_api.service")
	assert.Contains(t, cmds, "setquota -u acme_api 10485760 10485760 0 0 /home")

	assert.Equal(t, models.WorkspaceActive, h.repo.status)
	assert.Equal(t, models.ProvisioningCompleted, h.repo.state)
	assert.True(t, h.repo.isRunning)

	routed, err := h.route.HasRoute("acme-api")
	require.NoError(t, err)
	assert.True(t, routed)
}

func TestProvisionSkipsExistingAccount(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()

	require.NoError(t, h.prov.Provision(context.Background(), ws))

	assert.NotContains(t, h.run.CommandsRun(),
		"useradd --create-home --home-dir /home/acme_api --shell /bin/bash acme_api")
}

func TestProvisionUnwindsOnServiceFailure(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	h.run.On("id -u acme_api", nil, errors.New("no such user"))
	h.run.On("systemctl enable", nil, errors.New("unit masked"))

	err := h.prov.Provision(context.Background(), ws)
	require.Error(t, err)

	var perr *apierrors.ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "service", perr.Step)
	assert.Equal(t, []string{"create_account", "write_config"}, perr.CompletedSteps)

	// The account created earlier is removed again.
	assert.Contains(t, h.run.CommandsRun(), "userdel --remove acme_api")
	assert.Equal(t, models.WorkspaceFailed, h.repo.status)
	assert.Equal(t, models.ProvisioningFailed, h.repo.state)

	routed, err := h.route.HasRoute("acme-api")
	require.NoError(t, err)
	assert.False(t, routed)
}

func TestResumeRequiresAwaitingState(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	ws.Status = models.WorkspaceActive
	ws.ProvisioningState = models.ProvisioningCompleted

	err := h.prov.ResumeAfterSSHVerification(context.Background(), ws)
	assert.ErrorIs(t, err, apierrors.ErrStateTransition)
}

func TestStartStopRestart(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	ws.Status = models.WorkspaceStopped
	ws.ProvisioningState = models.ProvisioningCompleted

	require.NoError(t, h.prov.Start(context.Background(), ws))
	assert.True(t, h.repo.isRunning)
	assert.Equal(t, models.WorkspaceActive, h.repo.status)

	ws.Status = models.WorkspaceActive
	require.NoError(t, h.prov.Stop(context.Background(), ws))
	assert.False(t, h.repo.isRunning)
	assert.Equal(t, models.WorkspaceStopped, h.repo.status)

	require.NoError(t, h.prov.Restart(context.Background(), ws))
	assert.Contains(t, h.run.CommandsRun(), "systemctl restart code-server@acme_api.service")
}

func TestStartRejectsUnprovisionedWorkspace(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	ws.Status = models.WorkspaceProvisioning

	assert.ErrorIs(t, h.prov.Start(context.Background(), ws), apierrors.ErrStateTransition)
}

func TestDeprovision(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	ws.Status = models.WorkspaceActive

	require.NoError(t, h.prov.Deprovision(context.Background(), ws))

	cmds := h.run.CommandsRun()
	assert.Contains(t, cmds, "userdel --remove acme_api")
	assert.Contains(t, cmds, "rm -rf /etc/systemd/system/code-server@acme_api.service.d")
	assert.True(t, h.execs.wiped)
	assert.True(t, h.repo.deleted)
}

func TestResizeDiskNeverShrinks(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace() // 10 GB

	assert.ErrorIs(t, h.prov.ResizeDisk(context.Background(), ws, 10), apierrors.ErrStateTransition)
	assert.ErrorIs(t, h.prov.ResizeDisk(context.Background(), ws, 5), apierrors.ErrStateTransition)

	require.NoError(t, h.prov.ResizeDisk(context.Background(), ws, 25))
	assert.Contains(t, h.run.CommandsRun(), "setquota -u acme_api 26214400 26214400 0 0 /home")
	assert.Equal(t, 25, h.repo.quotaGB)
}

func TestResumePendingDispatches(t *testing.T) {
	h := newHarness(t)
	ws := testWorkspace()
	h.repo.byStatus = map[models.WorkspaceStatus][]*models.Workspace{
		models.WorkspaceProvisioning: {ws},
	}

	require.NoError(t, h.prov.ResumePending(context.Background()))
	h.prov.Wait()

	assert.Equal(t, models.WorkspaceActive, h.repo.status)
}

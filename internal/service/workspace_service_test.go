package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/repository"
)

type wsRepoFake struct {
	byID         map[int64]*models.Workspace
	byCompany    map[int64][]*models.Workspace
	companyCount int
	userCount    int
	nameTaken    bool
	created      *models.Workspace
	createErr    error
	deleted      []int64
}

func (f *wsRepoFake) CreateAllocatingPort(ctx context.Context, ws *models.Workspace, portMin, portMax int) error {
	if f.createErr != nil {
		return f.createErr
	}
	ws.ID = 99
	ws.Port = portMin
	f.created = ws
	return nil
}
func (f *wsRepoFake) GetByID(ctx context.Context, id int64) (*models.Workspace, error) {
	return f.byID[id], nil
}
func (f *wsRepoFake) GetBySubdomain(ctx context.Context, subdomain string) (*models.Workspace, error) {
	for _, list := range f.byCompany {
		for _, ws := range list {
			if ws.Subdomain == subdomain {
				return ws, nil
			}
		}
	}
	return nil, nil
}
func (f *wsRepoFake) ListByCompany(ctx context.Context, companyID int64) ([]*models.Workspace, error) {
	return f.byCompany[companyID], nil
}
func (f *wsRepoFake) ListRunning(ctx context.Context) ([]*models.Workspace, error) { return nil, nil }
func (f *wsRepoFake) ListByStatus(ctx context.Context, status models.WorkspaceStatus) ([]*models.Workspace, error) {
	return nil, nil
}
func (f *wsRepoFake) CountByCompany(ctx context.Context, companyID int64) (int, error) {
	return f.companyCount, nil
}
func (f *wsRepoFake) CountByUser(ctx context.Context, userID int64) (int, error) {
	return f.userCount, nil
}
func (f *wsRepoFake) ExistsName(ctx context.Context, companyID int64, name string) (bool, error) {
	return f.nameTaken, nil
}
func (f *wsRepoFake) UpdateStatus(ctx context.Context, id int64, status models.WorkspaceStatus, state models.ProvisioningState, progress *string) error {
	return nil
}
func (f *wsRepoFake) SetRunning(ctx context.Context, id int64, running bool, at time.Time) error {
	return nil
}
func (f *wsRepoFake) SetResumeCursor(ctx context.Context, id int64, cursor *int) error { return nil }
func (f *wsRepoFake) SetSSHPublicKey(ctx context.Context, id int64, publicKey string) error {
	return nil
}
func (f *wsRepoFake) MergeExtraData(ctx context.Context, id int64, patch map[string]any) error {
	return nil
}
func (f *wsRepoFake) UpdateDiskQuota(ctx context.Context, id int64, quotaGB int) error { return nil }
func (f *wsRepoFake) RaiseDiskQuotaForCompany(ctx context.Context, companyID int64, quotaGB int) ([]*models.Workspace, error) {
	var upgraded []*models.Workspace
	for _, ws := range f.byCompany[companyID] {
		if ws.DiskQuotaGB < quotaGB {
			ws.DiskQuotaGB = quotaGB
			upgraded = append(upgraded, ws)
		}
	}
	return upgraded, nil
}
func (f *wsRepoFake) TouchAccessed(ctx context.Context, id int64, at time.Time) error { return nil }
func (f *wsRepoFake) WithTx(tx pgx.Tx) repository.WorkspaceRepository                 { return f }
func (f *wsRepoFake) Delete(ctx context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type execRepoFake struct {
	records []*models.WorkspaceActionExecution
}

func (f *execRepoFake) CreateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error {
	return nil
}
func (f *execRepoFake) UpdateExecution(ctx context.Context, rec *models.WorkspaceActionExecution) error {
	return nil
}
func (f *execRepoFake) ListByWorkspace(ctx context.Context, workspaceID int64) ([]*models.WorkspaceActionExecution, error) {
	return f.records, nil
}
func (f *execRepoFake) DeleteByWorkspace(ctx context.Context, workspaceID int64) error { return nil }

type machineFake struct {
	dispatched []*models.Workspace
	started    []int64
	stopped    []int64
	resumed    []int64
	resumeErr  error
	resizeErr  error
}

func (m *machineFake) Dispatch(ctx context.Context, ws *models.Workspace) {
	m.dispatched = append(m.dispatched, ws)
}
func (m *machineFake) Deprovision(ctx context.Context, ws *models.Workspace) error { return nil }
func (m *machineFake) Start(ctx context.Context, ws *models.Workspace) error {
	m.started = append(m.started, ws.ID)
	return nil
}
func (m *machineFake) Stop(ctx context.Context, ws *models.Workspace) error {
	m.stopped = append(m.stopped, ws.ID)
	return nil
}
func (m *machineFake) Restart(ctx context.Context, ws *models.Workspace) error { return nil }
func (m *machineFake) Logs(ctx context.Context, ws *models.Workspace, lines int, since string) (string, error) {
	return "log output", nil
}
func (m *machineFake) ResumeAfterSSHVerification(ctx context.Context, ws *models.Workspace) error {
	if m.resumeErr != nil {
		return m.resumeErr
	}
	m.resumed = append(m.resumed, ws.ID)
	return nil
}
func (m *machineFake) ResizeDisk(ctx context.Context, ws *models.Workspace, quotaGB int) error {
	return m.resizeErr
}

type companyRepoFake struct {
	companies map[int64]*models.Company
	plans     map[int64]models.Plan
}

func (f *companyRepoFake) Create(ctx context.Context, company *models.Company) error {
	company.ID = 3
	return nil
}
func (f *companyRepoFake) GetByID(ctx context.Context, id int64) (*models.Company, error) {
	return f.companies[id], nil
}
func (f *companyRepoFake) GetBySubdomain(ctx context.Context, subdomain string) (*models.Company, error) {
	for _, c := range f.companies {
		if c.Subdomain == subdomain {
			return c, nil
		}
	}
	return nil, nil
}
func (f *companyRepoFake) Update(ctx context.Context, company *models.Company) error { return nil }
func (f *companyRepoFake) UpdatePlan(ctx context.Context, id int64, plan models.Plan, maxWorkspaces int) error {
	if f.plans == nil {
		f.plans = map[int64]models.Plan{}
	}
	f.plans[id] = plan
	return nil
}
func (f *companyRepoFake) WithTx(tx pgx.Tx) repository.CompanyRepository { return f }

type userRepoFake struct {
	users     map[int64]*models.User
	byEmail   map[string]*models.User
	failed    map[int64]int
	lockUntil map[int64]*time.Time
	resets    []int64
}

func (f *userRepoFake) Create(ctx context.Context, user *models.User) error {
	user.ID = 5
	return nil
}
func (f *userRepoFake) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return f.users[id], nil
}
func (f *userRepoFake) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return f.byEmail[email], nil
}
func (f *userRepoFake) RecordFailedLogin(ctx context.Context, id int64, lockUntil *time.Time) error {
	if f.failed == nil {
		f.failed = map[int64]int{}
	}
	f.failed[id]++
	if f.lockUntil == nil {
		f.lockUntil = map[int64]*time.Time{}
	}
	if lockUntil != nil {
		f.lockUntil[id] = lockUntil
	}
	return nil
}
func (f *userRepoFake) ResetFailedLogins(ctx context.Context, id int64) error {
	f.resets = append(f.resets, id)
	return nil
}

func testCompany() *models.Company {
	return &models.Company{
		ID:                3,
		Name:              "Acme",
		Subdomain:         "acme",
		Plan:              models.PlanTeam,
		Status:            models.CompanyActive,
		MaxWorkspaces:     5,
		PreferredCurrency: "USD",
	}
}

func testUser() *models.User {
	return &models.User{ID: 5, CompanyID: 3, Email: "dev@acme.test", Role: models.RoleMember, WorkspaceQuota: 2}
}

func testActor() models.Actor {
	return models.Actor{UserID: 5, CompanyID: 3, Role: models.RoleMember}
}

func newWorkspaceService(wsRepo *wsRepoFake, execs *execRepoFake, machine *machineFake) WorkspaceService {
	companies := &companyRepoFake{companies: map[int64]*models.Company{3: testCompany()}}
	users := &userRepoFake{users: map[int64]*models.User{5: testUser()}}
	return NewWorkspaceService(wsRepo, execs, companies, users, machine, 10000, 10999, slog.New(slog.DiscardHandler))
}

func TestCreateWorkspace(t *testing.T) {
	wsRepo := &wsRepoFake{}
	machine := &machineFake{}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, machine)

	ws, err := svc.Create(context.Background(), testActor(), CreateWorkspaceRequest{Name: "My API"})
	require.NoError(t, err)

	assert.Equal(t, "acme-my-api", ws.Subdomain)
	assert.Equal(t, "acme_my_api", ws.LinuxUsername)
	assert.Equal(t, models.WorkspacePending, ws.Status)
	assert.NotEmpty(t, ws.CodeServerPassword)
	assert.NotEmpty(t, ws.AccessToken)

	// Plan limits flow onto the row.
	limits := models.GetPlanLimits(models.PlanTeam)
	assert.Equal(t, limits.DiskQuotaGB, ws.DiskQuotaGB)
	assert.Equal(t, limits.MemoryLimitMB, ws.MemoryLimitMB)
	assert.Equal(t, limits.DefaultAutoStopHrs, ws.AutoStopHours)

	require.Len(t, machine.dispatched, 1)
	assert.Same(t, ws, machine.dispatched[0])
}

func TestCreateWorkspaceQuotaExceeded(t *testing.T) {
	wsRepo := &wsRepoFake{companyCount: 5}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, &machineFake{})

	_, err := svc.Create(context.Background(), testActor(), CreateWorkspaceRequest{Name: "api"})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "quota_exceeded", apiErr.Code)
}

func TestCreateWorkspaceUserQuota(t *testing.T) {
	wsRepo := &wsRepoFake{companyCount: 1, userCount: 2}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, &machineFake{})

	_, err := svc.Create(context.Background(), testActor(), CreateWorkspaceRequest{Name: "api"})
	require.Error(t, err)
	assert.Equal(t, "quota_exceeded", apierrors.AsAPIError(err).Code)
}

func TestCreateWorkspaceDuplicateName(t *testing.T) {
	wsRepo := &wsRepoFake{nameTaken: true}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, &machineFake{})

	_, err := svc.Create(context.Background(), testActor(), CreateWorkspaceRequest{Name: "api"})
	require.Error(t, err)
	assert.Equal(t, "conflict", apierrors.AsAPIError(err).Code)
}

func TestCreateWorkspacePortExhausted(t *testing.T) {
	wsRepo := &wsRepoFake{createErr: apierrors.ErrPortExhausted}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, &machineFake{})

	_, err := svc.Create(context.Background(), testActor(), CreateWorkspaceRequest{Name: "api"})
	require.Error(t, err)
	assert.Equal(t, "service_unavailable", apierrors.AsAPIError(err).Code)
}

func TestGetScopesTenant(t *testing.T) {
	other := &models.Workspace{ID: 11, CompanyID: 999, UserID: 5}
	own := &models.Workspace{ID: 12, CompanyID: 3, UserID: 5}
	colleague := &models.Workspace{ID: 13, CompanyID: 3, UserID: 6}
	wsRepo := &wsRepoFake{byID: map[int64]*models.Workspace{11: other, 12: own, 13: colleague}}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, &machineFake{})

	// Cross-tenant looks like a missing resource.
	_, err := svc.Get(context.Background(), testActor(), 11)
	assert.Equal(t, "not_found", apierrors.AsAPIError(err).Code)

	got, err := svc.Get(context.Background(), testActor(), 12)
	require.NoError(t, err)
	assert.Same(t, own, got)

	// A member cannot touch a colleague's workspace; an admin can.
	_, err = svc.Get(context.Background(), testActor(), 13)
	assert.Equal(t, "forbidden", apierrors.AsAPIError(err).Code)

	admin := models.Actor{UserID: 1, CompanyID: 3, Role: models.RoleAdmin}
	_, err = svc.Get(context.Background(), admin, 13)
	assert.NoError(t, err)
}

func TestStatusProgress(t *testing.T) {
	ws := &models.Workspace{ID: 12, CompanyID: 3, UserID: 5, Status: models.WorkspaceProvisioning}
	wsRepo := &wsRepoFake{byID: map[int64]*models.Workspace{12: ws}}
	execs := &execRepoFake{records: []*models.WorkspaceActionExecution{
		{Status: models.ExecutionCompleted},
		{Status: models.ExecutionCompleted},
		{Status: models.ExecutionSkipped},
		{Status: models.ExecutionRunning},
	}}
	svc := newWorkspaceService(wsRepo, execs, &machineFake{})

	status, err := svc.Status(context.Background(), testActor(), 12)
	require.NoError(t, err)
	assert.Equal(t, 75, status.ProgressPercent)

	ws.Status = models.WorkspaceActive
	status, err = svc.Status(context.Background(), testActor(), 12)
	require.NoError(t, err)
	assert.Equal(t, 100, status.ProgressPercent)
}

func TestVerifySSHMapsStateError(t *testing.T) {
	ws := &models.Workspace{ID: 12, CompanyID: 3, UserID: 5}
	wsRepo := &wsRepoFake{byID: map[int64]*models.Workspace{12: ws}}
	machine := &machineFake{resumeErr: apierrors.ErrStateTransition}
	svc := newWorkspaceService(wsRepo, &execRepoFake{}, machine)

	err := svc.VerifySSH(context.Background(), testActor(), 12)
	require.Error(t, err)
	assert.Equal(t, "bad_request", apierrors.AsAPIError(err).Code)
}

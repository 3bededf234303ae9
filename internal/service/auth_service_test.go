package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/repository"
)

type subRepoFake struct {
	byCompany map[int64]*models.Subscription
	created   *models.Subscription
	updated   *models.Subscription
}

func (f *subRepoFake) Create(ctx context.Context, sub *models.Subscription) error {
	sub.ID = 1
	f.created = sub
	return nil
}
func (f *subRepoFake) GetByCompany(ctx context.Context, companyID int64) (*models.Subscription, error) {
	return f.byCompany[companyID], nil
}
func (f *subRepoFake) Update(ctx context.Context, sub *models.Subscription) error {
	f.updated = sub
	return nil
}
func (f *subRepoFake) WithTx(tx pgx.Tx) repository.SubscriptionRepository { return f }

type auditRepoFake struct {
	attempts []*models.LoginAttempt
	logs     []*models.AuditLog
	sessions []*models.WorkspaceSession
	touched  bool
	ended    []int64
}

func (f *auditRepoFake) InsertAuditLog(ctx context.Context, log *models.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}
func (f *auditRepoFake) ListByCompany(ctx context.Context, companyID int64, limit int) ([]*models.AuditLog, error) {
	return f.logs, nil
}
func (f *auditRepoFake) InsertLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}
func (f *auditRepoFake) CountRecentFailedLogins(ctx context.Context, email string, since time.Time) (int, error) {
	return 0, nil
}
func (f *auditRepoFake) InsertEmailLog(ctx context.Context, log *models.EmailLog) error { return nil }
func (f *auditRepoFake) OpenSession(ctx context.Context, session *models.WorkspaceSession) error {
	f.sessions = append(f.sessions, session)
	return nil
}
func (f *auditRepoFake) TouchSession(ctx context.Context, workspaceID, userID int64, at time.Time) (bool, error) {
	return f.touched, nil
}
func (f *auditRepoFake) EndSessions(ctx context.Context, workspaceID int64, at time.Time) error {
	f.ended = append(f.ended, workspaceID)
	return nil
}

type authHarness struct {
	svc    AuthService
	users  *userRepoFake
	comps  *companyRepoFake
	subs   *subRepoFake
	wsRepo *wsRepoFake
	audit  *auditRepoFake
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse battery"), bcrypt.MinCost)
	require.NoError(t, err)

	user := testUser()
	user.PasswordHash = string(hash)

	h := &authHarness{
		users:  &userRepoFake{users: map[int64]*models.User{5: user}, byEmail: map[string]*models.User{user.Email: user}},
		comps:  &companyRepoFake{companies: map[int64]*models.Company{3: testCompany()}},
		subs:   &subRepoFake{byCompany: map[int64]*models.Subscription{}},
		wsRepo: &wsRepoFake{},
		audit:  &auditRepoFake{},
	}
	cfg := config.AuthConfig{MaxLoginAttempts: 5, LockoutDuration: 15 * time.Minute}
	h.svc = NewAuthService(h.users, h.comps, h.subs, h.wsRepo, h.audit, cfg, "atolye.dev", slog.New(slog.DiscardHandler))
	return h
}

func TestRegister(t *testing.T) {
	h := newAuthHarness(t)

	company, user, err := h.svc.Register(context.Background(), RegisterRequest{
		CompanyName:     "Globex",
		Subdomain:       "globex",
		Email:           "Admin@Globex.test",
		Password:        "correct horse battery",
		TermsAccepted:   true,
		PrivacyAccepted: true,
		TermsVersion:    "2026-01",
		IP:              "203.0.113.9",
	})
	require.NoError(t, err)

	assert.Equal(t, models.PlanStarter, company.Plan)
	assert.Equal(t, models.GetPlanLimits(models.PlanStarter).MaxWorkspaces, company.MaxWorkspaces)
	assert.Equal(t, models.RoleAdmin, user.Role)
	assert.Equal(t, "admin@globex.test", user.Email)
	assert.True(t, user.TermsAccepted)

	require.NotNil(t, h.subs.created)
	assert.Equal(t, models.SubscriptionTrial, h.subs.created.Status)
	require.NotNil(t, h.subs.created.TrialEndsAt)
	assert.Equal(t, trialDays, int(h.subs.created.TrialEndsAt.Sub(*h.subs.created.TrialStartsAt).Hours()/24))
}

func TestRegisterRejectsTakenSubdomain(t *testing.T) {
	h := newAuthHarness(t)

	_, _, err := h.svc.Register(context.Background(), RegisterRequest{
		CompanyName:     "Evil Acme",
		Subdomain:       "acme",
		Email:           "x@y.test",
		Password:        "correct horse battery",
		TermsAccepted:   true,
		PrivacyAccepted: true,
	})
	require.Error(t, err)
	assert.Equal(t, "conflict", apierrors.AsAPIError(err).Code)
}

func TestLoginSuccess(t *testing.T) {
	h := newAuthHarness(t)

	user, err := h.svc.Login(context.Background(), LoginRequest{
		Email:    "dev@acme.test",
		Password: "correct horse battery",
		IP:       "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), user.ID)

	require.Len(t, h.audit.attempts, 1)
	assert.True(t, h.audit.attempts[0].Success)
}

func TestLoginWrongPassword(t *testing.T) {
	h := newAuthHarness(t)

	_, err := h.svc.Login(context.Background(), LoginRequest{Email: "dev@acme.test", Password: "nope"})
	require.Error(t, err)
	assert.Equal(t, "unauthorized", apierrors.AsAPIError(err).Code)
	assert.Equal(t, 1, h.users.failed[5])
	assert.Nil(t, h.users.lockUntil[5])
}

func TestLoginLocksAfterMaxAttempts(t *testing.T) {
	h := newAuthHarness(t)
	h.users.users[5].FailedLoginAttempts = 4 // next failure is the fifth

	_, err := h.svc.Login(context.Background(), LoginRequest{Email: "dev@acme.test", Password: "nope"})
	require.Error(t, err)
	require.NotNil(t, h.users.lockUntil[5])
}

func TestLoginRejectsLockedAccount(t *testing.T) {
	h := newAuthHarness(t)
	until := time.Now().Add(10 * time.Minute)
	h.users.users[5].AccountLockedUntil = &until

	// Even the correct password is rejected while locked.
	_, err := h.svc.Login(context.Background(), LoginRequest{Email: "dev@acme.test", Password: "correct horse battery"})
	require.Error(t, err)
	assert.Equal(t, "unauthorized", apierrors.AsAPIError(err).Code)
}

func TestLoginUnknownEmail(t *testing.T) {
	h := newAuthHarness(t)

	_, err := h.svc.Login(context.Background(), LoginRequest{Email: "ghost@acme.test", Password: "x"})
	require.Error(t, err)
	assert.Equal(t, "unauthorized", apierrors.AsAPIError(err).Code)
	require.Len(t, h.audit.attempts, 1)
	assert.False(t, h.audit.attempts[0].Success)
}

func TestVerifyWorkspaceAccess(t *testing.T) {
	h := newAuthHarness(t)
	ws := &models.Workspace{ID: 7, CompanyID: 3, UserID: 5, Subdomain: "acme-api"}
	h.wsRepo.byID = map[int64]*models.Workspace{7: ws}
	h.wsRepo.byCompany = map[int64][]*models.Workspace{3: {ws}}

	// GetBySubdomain on the fake resolves through byCompany.
	got, err := h.svc.VerifyWorkspaceAccess(context.Background(), testActor(), "acme-api.atolye.dev:443")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)

	// First pass opens a session.
	require.Len(t, h.audit.sessions, 1)
}

func TestVerifyWorkspaceAccessCrossTenant(t *testing.T) {
	h := newAuthHarness(t)
	ws := &models.Workspace{ID: 7, CompanyID: 999, UserID: 42, Subdomain: "other-api"}
	h.wsRepo.byCompany = map[int64][]*models.Workspace{999: {ws}}

	_, err := h.svc.VerifyWorkspaceAccess(context.Background(), testActor(), "other-api.atolye.dev")
	require.Error(t, err)
	assert.Equal(t, "forbidden", apierrors.AsAPIError(err).Code)
}

func TestVerifyWorkspaceAccessUnknownHost(t *testing.T) {
	h := newAuthHarness(t)

	_, err := h.svc.VerifyWorkspaceAccess(context.Background(), testActor(), "evil.example.com")
	require.Error(t, err)
	assert.Equal(t, "not_found", apierrors.AsAPIError(err).Code)
}

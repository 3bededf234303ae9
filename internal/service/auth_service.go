package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/repository"
)

// trialDays is the length of the free trial a new tenant starts on.
const trialDays = 14

// RegisterRequest creates a tenant with its first admin user.
type RegisterRequest struct {
	CompanyName     string `json:"company_name" validate:"required,min=2,max=100"`
	Subdomain       string `json:"subdomain" validate:"required,min=2,max=30,hostname_rfc1123"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=10,max=72"`
	TermsAccepted   bool   `json:"terms_accepted" validate:"required"`
	PrivacyAccepted bool   `json:"privacy_accepted" validate:"required"`
	TermsVersion    string `json:"terms_version"`
	IP              string `json:"-"`
}

// LoginRequest authenticates a user.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	IP       string `json:"-"`
}

// AuthService handles registration, login with lockout, and the
// per-request workspace access check behind the proxy's forward auth.
type AuthService interface {
	Register(ctx context.Context, req RegisterRequest) (*models.Company, *models.User, error)
	Login(ctx context.Context, req LoginRequest) (*models.User, error)
	// VerifyWorkspaceAccess authorizes one proxied request to a workspace
	// host. It returns the workspace when the actor may access it and
	// stamps last-access bookkeeping.
	VerifyWorkspaceAccess(ctx context.Context, actor models.Actor, host string) (*models.Workspace, error)
}

type authService struct {
	users         repository.UserRepository
	companies     repository.CompanyRepository
	subscriptions repository.SubscriptionRepository
	workspaces    repository.WorkspaceRepository
	audit         repository.AuditRepository
	cfg           config.AuthConfig
	domain        string
	logger        *slog.Logger
	now           func() time.Time
}

// NewAuthService creates an auth service. domain is the apex workspace
// hosts live under.
func NewAuthService(
	users repository.UserRepository,
	companies repository.CompanyRepository,
	subscriptions repository.SubscriptionRepository,
	workspaces repository.WorkspaceRepository,
	audit repository.AuditRepository,
	cfg config.AuthConfig,
	domain string,
	logger *slog.Logger,
) AuthService {
	return &authService{
		users:         users,
		companies:     companies,
		subscriptions: subscriptions,
		workspaces:    workspaces,
		audit:         audit,
		cfg:           cfg,
		domain:        domain,
		logger:        logger.With("component", "auth_service"),
		now:           time.Now,
	}
}

// Register creates the tenant, its admin user, and a trial subscription.
func (s *authService) Register(ctx context.Context, req RegisterRequest) (*models.Company, *models.User, error) {
	if !req.TermsAccepted || !req.PrivacyAccepted {
		return nil, nil, apierrors.NewValidationError("terms_accepted", "terms and privacy policy must be accepted")
	}

	subdomain := strings.ToLower(strings.TrimSpace(req.Subdomain))
	existing, err := s.companies.GetBySubdomain(ctx, subdomain)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, apierrors.NewConflictError("Subdomain is already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	limits := models.GetPlanLimits(models.PlanStarter)
	company := &models.Company{
		Name:              req.CompanyName,
		Subdomain:         subdomain,
		Plan:              models.PlanStarter,
		Status:            models.CompanyActive,
		MaxWorkspaces:     limits.MaxWorkspaces,
		PreferredCurrency: "USD",
	}
	if err := s.companies.Create(ctx, company); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	termsVersion := req.TermsVersion
	user := &models.User{
		CompanyID:         company.ID,
		Email:             strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash:      string(hash),
		Role:              models.RoleAdmin,
		TermsAccepted:     true,
		TermsAcceptedAt:   &now,
		TermsAcceptedIP:   &req.IP,
		TermsVersion:      &termsVersion,
		PrivacyAccepted:   true,
		PrivacyAcceptedAt: &now,
		PrivacyAcceptedIP: &req.IP,
		PrivacyVersion:    &termsVersion,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, nil, err
	}

	trialEnd := now.AddDate(0, 0, trialDays)
	sub := &models.Subscription{
		CompanyID:     company.ID,
		Plan:          models.PlanStarter,
		Status:        models.SubscriptionTrial,
		TrialStartsAt: &now,
		TrialEndsAt:   &trialEnd,
	}
	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return nil, nil, err
	}

	// Delivery is handled out of band; the row records the intent.
	welcome := &models.EmailLog{
		UserID:    &user.ID,
		CompanyID: &company.ID,
		Recipient: user.Email,
		Subject:   "Welcome to Atolye",
		Template:  "welcome",
		Status:    "queued",
	}
	if err := s.audit.InsertEmailLog(ctx, welcome); err != nil {
		s.logger.Warn("failed to record welcome email", "error", err, "user_id", user.ID)
	}

	s.logger.Info("company registered",
		"company_id", company.ID,
		"subdomain", company.Subdomain,
		"admin_user_id", user.ID)
	return company, user, nil
}

// Login authenticates by email and password. Repeated failures lock the
// account; while locked, even the correct password is rejected. The
// error never distinguishes a missing account from a wrong password.
func (s *authService) Login(ctx context.Context, req LoginRequest) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	now := s.now().UTC()

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.recordAttempt(ctx, email, nil, req.IP, false)
		return nil, apierrors.ErrUnauthorized.WithMessage("Invalid email or password")
	}
	if user.IsLocked(now) {
		s.recordAttempt(ctx, email, &user.ID, req.IP, false)
		return nil, apierrors.ErrUnauthorized.WithMessage("Account is temporarily locked, try again later")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		var lockUntil *time.Time
		if user.FailedLoginAttempts+1 >= s.cfg.MaxLoginAttempts {
			until := now.Add(s.cfg.LockoutDuration)
			lockUntil = &until
			s.logger.Warn("account locked after repeated failures", "user_id", user.ID)
		}
		if rerr := s.users.RecordFailedLogin(ctx, user.ID, lockUntil); rerr != nil {
			s.logger.Error("failed-login bookkeeping failed", "user_id", user.ID, "error", rerr)
		}
		s.recordAttempt(ctx, email, &user.ID, req.IP, false)
		return nil, apierrors.ErrUnauthorized.WithMessage("Invalid email or password")
	}

	if user.FailedLoginAttempts > 0 || user.AccountLockedUntil != nil {
		if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
			s.logger.Error("failed-login reset failed", "user_id", user.ID, "error", err)
		}
	}
	s.recordAttempt(ctx, email, &user.ID, req.IP, true)
	return user, nil
}

func (s *authService) recordAttempt(ctx context.Context, email string, userID *int64, ip string, success bool) {
	attempt := &models.LoginAttempt{Email: email, UserID: userID, Success: success}
	if ip != "" {
		attempt.IPAddress = &ip
	}
	if err := s.audit.InsertLoginAttempt(ctx, attempt); err != nil {
		s.logger.Error("login attempt not recorded", "email", email, "error", err)
	}
}

// subdomainFromHost strips the apex domain off a workspace host.
func (s *authService) subdomainFromHost(host string) string {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	suffix := "." + s.domain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

// VerifyWorkspaceAccess resolves the host to a workspace and checks the
// actor against it. Other tenants' workspaces yield forbidden, unknown
// hosts not-found.
func (s *authService) VerifyWorkspaceAccess(ctx context.Context, actor models.Actor, host string) (*models.Workspace, error) {
	subdomain := s.subdomainFromHost(host)
	if subdomain == "" {
		return nil, apierrors.NewNotFoundError("Workspace")
	}
	ws, err := s.workspaces.GetBySubdomain(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, apierrors.NewNotFoundError("Workspace")
	}
	if ws.CompanyID != actor.CompanyID {
		return nil, apierrors.ErrForbidden
	}
	if !actor.IsAdmin() && ws.UserID != actor.UserID {
		return nil, apierrors.ErrForbidden
	}

	now := s.now().UTC()
	if err := s.workspaces.TouchAccessed(ctx, ws.ID, now); err != nil {
		s.logger.Warn("access stamp failed", "workspace_id", ws.ID, "error", err)
	}
	touched, err := s.audit.TouchSession(ctx, ws.ID, actor.UserID, now)
	if err != nil {
		s.logger.Warn("session stamp failed", "workspace_id", ws.ID, "error", err)
	} else if !touched {
		session := &models.WorkspaceSession{WorkspaceID: ws.ID, UserID: actor.UserID, StartedAt: now, LastSeenAt: now}
		if err := s.audit.OpenSession(ctx, session); err != nil {
			s.logger.Warn("session open failed", "workspace_id", ws.ID, "error", err)
		}
	}
	return ws, nil
}

var _ AuthService = (*authService)(nil)

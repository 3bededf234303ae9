package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atolyecloud/atolye/internal/models"
	"github.com/atolyecloud/atolye/internal/paytr"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/token"
	"github.com/atolyecloud/atolye/internal/repository"
)

// iframeBaseURL is where the gateway serves the hosted payment page.
const iframeBaseURL = "https://www.paytr.com/odeme/guvenli/"

// subscriptionPeriodDays is the length of one paid billing period.
const subscriptionPeriodDays = 30

// TxBeginner starts database transactions; *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// QuotaApplier pushes a workspace disk quota onto the host filesystem;
// *system.UserManager satisfies it.
type QuotaApplier interface {
	SetQuota(ctx context.Context, username string, quotaGB int, filesystem string) error
}

// SubscribeResult carries what the frontend needs to open the payment
// iframe.
type SubscribeResult struct {
	PaymentID   int64  `json:"payment_id"`
	MerchantOID string `json:"merchant_oid"`
	IframeToken string `json:"iframe_token"`
	IframeURL   string `json:"iframe_url"`
}

// BillingService handles plan subscriptions through the payment gateway.
type BillingService interface {
	// Subscribe opens a payment attempt for the plan and returns the
	// iframe token. The plan only changes when the gateway confirms the
	// payment via callback.
	Subscribe(ctx context.Context, actor models.Actor, plan models.Plan, userIP string) (*SubscribeResult, error)
	// ProcessCallback applies a gateway callback. All resulting writes
	// (payment state, plan change, workspace quota lifts, subscription
	// period, invoice) commit atomically. Terminal payments return
	// ErrIdempotentReplay with no writes.
	ProcessCallback(ctx context.Context, cb paytr.Callback) error
	CurrentSubscription(ctx context.Context, actor models.Actor) (*models.Subscription, error)
}

type billingService struct {
	pool          TxBeginner
	payments      repository.PaymentRepository
	subscriptions repository.SubscriptionRepository
	invoices      repository.InvoiceRepository
	companies     repository.CompanyRepository
	workspaces    repository.WorkspaceRepository
	users         repository.UserRepository
	rates         repository.ExchangeRateRepository
	gateway       *paytr.Client
	quota         QuotaApplier
	baseDir       string
	logger        *slog.Logger
	now           func() time.Time
}

// NewBillingService creates a billing service. baseDir is the filesystem
// workspace quotas are applied on.
func NewBillingService(
	pool TxBeginner,
	payments repository.PaymentRepository,
	subscriptions repository.SubscriptionRepository,
	invoices repository.InvoiceRepository,
	companies repository.CompanyRepository,
	workspaces repository.WorkspaceRepository,
	users repository.UserRepository,
	rates repository.ExchangeRateRepository,
	gateway *paytr.Client,
	quota QuotaApplier,
	baseDir string,
	logger *slog.Logger,
) BillingService {
	return &billingService{
		pool:          pool,
		payments:      payments,
		subscriptions: subscriptions,
		invoices:      invoices,
		companies:     companies,
		workspaces:    workspaces,
		users:         users,
		rates:         rates,
		gateway:       gateway,
		quota:         quota,
		baseDir:       baseDir,
		logger:        logger.With("component", "billing_service"),
		now:           time.Now,
	}
}

// Subscribe records a pending payment and signs the gateway token.
func (s *billingService) Subscribe(ctx context.Context, actor models.Actor, plan models.Plan, userIP string) (*SubscribeResult, error) {
	if !plan.IsValid() {
		return nil, apierrors.NewValidationError("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	company, err := s.companies.GetByID(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, apierrors.NewNotFoundError("Company")
	}
	user, err := s.users.GetByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apierrors.ErrUnauthorized
	}

	limits := models.GetPlanLimits(plan)
	currency := company.PreferredCurrency
	if currency == "" {
		currency = "USD"
	}
	amount, err := s.convertPrice(ctx, limits.MonthlyPriceMinor, currency)
	if err != nil {
		return nil, err
	}

	payment := &models.Payment{
		CompanyID:   company.ID,
		MerchantOID: token.NewMerchantOID(company.ID, s.now()),
		Amount:      amount,
		Currency:    currency,
		Plan:        plan,
		Status:      models.PaymentPending,
		TestMode:    s.gateway.TestMode(),
	}
	if sub, err := s.subscriptions.GetByCompany(ctx, company.ID); err == nil && sub != nil {
		payment.SubscriptionID = &sub.ID
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}

	iframeToken, err := s.gateway.IframeToken(paytr.TokenRequest{
		MerchantOID: payment.MerchantOID,
		UserIP:      userIP,
		Email:       user.Email,
		AmountMinor: payment.Amount,
		Currency:    currency,
		Basket: []paytr.BasketItem{
			{Name: fmt.Sprintf("%s plan (monthly)", plan), PriceMinor: payment.Amount, Quantity: 1},
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment initiated",
		"company_id", company.ID,
		"merchant_oid", payment.MerchantOID,
		"plan", plan,
		"amount", payment.Amount)
	return &SubscribeResult{
		PaymentID:   payment.ID,
		MerchantOID: payment.MerchantOID,
		IframeToken: iframeToken,
		IframeURL:   iframeBaseURL + iframeToken,
	}, nil
}

// convertPrice converts a USD plan price into the billing currency using
// the newest known exchange rate. Charging cannot proceed without a rate
// for a non-USD currency.
func (s *billingService) convertPrice(ctx context.Context, usdMinor int64, currency string) (int64, error) {
	if currency == "USD" {
		return usdMinor, nil
	}
	rate, err := s.rates.GetRate(ctx, "USD", currency, s.now())
	if err != nil {
		return 0, err
	}
	if rate == nil {
		return 0, apierrors.ErrServiceUnavailable.WithMessage(fmt.Sprintf("No exchange rate for %s", currency))
	}
	return int64(math.Round(float64(usdMinor) * rate.Rate)), nil
}

// ProcessCallback verifies the signature, then applies the callback in
// one transaction.
func (s *billingService) ProcessCallback(ctx context.Context, cb paytr.Callback) error {
	if err := s.gateway.VerifyCallback(cb); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	repos := callbackRepos{
		payments:      s.payments.WithTx(tx),
		subscriptions: s.subscriptions.WithTx(tx),
		invoices:      s.invoices.WithTx(tx),
		companies:     s.companies.WithTx(tx),
		workspaces:    s.workspaces.WithTx(tx),
	}
	upgraded, err := s.applyCallback(ctx, repos, cb)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.applyQuotas(ctx, upgraded)
	return nil
}

// applyQuotas pushes committed quota raises onto the host. Failures do
// not undo the plan change; the next resize retries the quota.
func (s *billingService) applyQuotas(ctx context.Context, upgraded []*models.Workspace) {
	for _, ws := range upgraded {
		if err := s.quota.SetQuota(ctx, ws.LinuxUsername, ws.DiskQuotaGB, s.baseDir); err != nil {
			s.logger.Warn("disk quota not applied",
				"workspace_id", ws.ID,
				"username", ws.LinuxUsername,
				"error", err)
		}
	}
}

// callbackRepos bundles the transaction-bound repositories one callback
// writes through.
type callbackRepos struct {
	payments      repository.PaymentRepository
	subscriptions repository.SubscriptionRepository
	invoices      repository.InvoiceRepository
	companies     repository.CompanyRepository
	workspaces    repository.WorkspaceRepository
}

// applyCallback settles the payment. On success it also returns the
// workspaces whose disk quota was lifted to the new plan's allowance so
// the caller can apply them on the host after commit.
func (s *billingService) applyCallback(ctx context.Context, r callbackRepos, cb paytr.Callback) ([]*models.Workspace, error) {
	payment, err := r.payments.GetByMerchantOIDForUpdate(ctx, cb.MerchantOID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apierrors.NewNotFoundError("Payment")
	}
	if payment.Status.IsTerminal() {
		return nil, fmt.Errorf("merchant_oid %s: %w", cb.MerchantOID, apierrors.ErrIdempotentReplay)
	}

	now := s.now().UTC()
	if cb.Status != "success" {
		if err := r.payments.MarkFailed(ctx, payment.ID, cb.FailedReasonCode, cb.FailedReasonMsg); err != nil {
			return nil, err
		}
		s.logger.Info("payment failed",
			"merchant_oid", payment.MerchantOID,
			"company_id", payment.CompanyID,
			"reason", cb.FailedReasonMsg)
		return nil, nil
	}

	if err := r.payments.MarkSuccess(ctx, payment.ID, now); err != nil {
		return nil, err
	}

	limits := models.GetPlanLimits(payment.Plan)
	if err := r.companies.UpdatePlan(ctx, payment.CompanyID, payment.Plan, limits.MaxWorkspaces); err != nil {
		return nil, err
	}
	upgraded, err := r.workspaces.RaiseDiskQuotaForCompany(ctx, payment.CompanyID, limits.DiskQuotaGB)
	if err != nil {
		return nil, err
	}

	periodStart, periodEnd, err := s.activateSubscription(ctx, r.subscriptions, payment, now)
	if err != nil {
		return nil, err
	}

	number, err := r.invoices.NextNumber(ctx, now.Year())
	if err != nil {
		return nil, err
	}
	// Plan prices are tax inclusive; the invoice carries the gross amount.
	invoice := &models.Invoice{
		CompanyID:     payment.CompanyID,
		PaymentID:     payment.ID,
		InvoiceNumber: number,
		Subtotal:      payment.Amount,
		Tax:           0,
		Total:         payment.Amount,
		Currency:      payment.Currency,
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		Status:        models.InvoicePaid,
	}
	if err := r.invoices.Create(ctx, invoice); err != nil {
		return nil, err
	}

	s.logger.Info("payment completed",
		"merchant_oid", payment.MerchantOID,
		"company_id", payment.CompanyID,
		"plan", payment.Plan,
		"invoice", invoice.InvoiceNumber,
		"quota_upgrades", len(upgraded))
	return upgraded, nil
}

// activateSubscription moves the company's subscription onto the paid
// plan. A period still running is extended, not restarted.
func (s *billingService) activateSubscription(ctx context.Context, subs repository.SubscriptionRepository, payment *models.Payment, now time.Time) (time.Time, time.Time, error) {
	sub, err := subs.GetByCompany(ctx, payment.CompanyID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	periodStart := now
	periodEnd := now.AddDate(0, 0, subscriptionPeriodDays)
	if sub == nil {
		sub = &models.Subscription{
			CompanyID:          payment.CompanyID,
			Plan:               payment.Plan,
			Status:             models.SubscriptionActive,
			CurrentPeriodStart: &periodStart,
			CurrentPeriodEnd:   &periodEnd,
		}
		return periodStart, periodEnd, subs.Create(ctx, sub)
	}

	if sub.Status == models.SubscriptionActive && sub.Plan == payment.Plan &&
		sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
		periodStart = *sub.CurrentPeriodEnd
		periodEnd = periodStart.AddDate(0, 0, subscriptionPeriodDays)
	}
	sub.Plan = payment.Plan
	sub.Status = models.SubscriptionActive
	sub.CurrentPeriodStart = &periodStart
	sub.CurrentPeriodEnd = &periodEnd
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	return periodStart, periodEnd, subs.Update(ctx, sub)
}

func (s *billingService) CurrentSubscription(ctx context.Context, actor models.Actor) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetByCompany(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apierrors.NewNotFoundError("Subscription")
	}
	return sub, nil
}

// IsReplay reports whether a callback error means the payment was
// already settled, which callers acknowledge as success.
func IsReplay(err error) bool {
	return errors.Is(err, apierrors.ErrIdempotentReplay)
}

var _ BillingService = (*billingService)(nil)

package service

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/config"
	"github.com/atolyecloud/atolye/internal/models"
	"github.com/atolyecloud/atolye/internal/paytr"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/repository"
)

type paymentRepoFake struct {
	byOID   map[string]*models.Payment
	created *models.Payment
	success []int64
	failed  []int64
}

func (f *paymentRepoFake) Create(ctx context.Context, payment *models.Payment) error {
	payment.ID = 21
	f.created = payment
	return nil
}
func (f *paymentRepoFake) GetByMerchantOID(ctx context.Context, merchantOID string) (*models.Payment, error) {
	return f.byOID[merchantOID], nil
}
func (f *paymentRepoFake) GetByMerchantOIDForUpdate(ctx context.Context, merchantOID string) (*models.Payment, error) {
	return f.byOID[merchantOID], nil
}
func (f *paymentRepoFake) MarkSuccess(ctx context.Context, id int64, completedAt time.Time) error {
	f.success = append(f.success, id)
	return nil
}
func (f *paymentRepoFake) MarkFailed(ctx context.Context, id int64, reasonCode, reasonMessage string) error {
	f.failed = append(f.failed, id)
	return nil
}
func (f *paymentRepoFake) WithTx(tx pgx.Tx) repository.PaymentRepository { return f }

type invoiceRepoFake struct {
	created *models.Invoice
	counter int
}

func (f *invoiceRepoFake) Create(ctx context.Context, invoice *models.Invoice) error {
	invoice.ID = 31
	f.created = invoice
	return nil
}
func (f *invoiceRepoFake) GetByPaymentID(ctx context.Context, paymentID int64) (*models.Invoice, error) {
	return f.created, nil
}
func (f *invoiceRepoFake) NextNumber(ctx context.Context, year int) (string, error) {
	f.counter++
	return "INV-2026-00001", nil
}
func (f *invoiceRepoFake) WithTx(tx pgx.Tx) repository.InvoiceRepository { return f }

type rateRepoFake struct {
	rates map[string]float64
}

func (f *rateRepoFake) Upsert(ctx context.Context, rate *models.ExchangeRate) error { return nil }
func (f *rateRepoFake) GetRate(ctx context.Context, source, target string, date time.Time) (*models.ExchangeRate, error) {
	r, ok := f.rates[source+"/"+target]
	if !ok {
		return nil, nil
	}
	return &models.ExchangeRate{SourceCurrency: source, TargetCurrency: target, Rate: r}, nil
}

type quotaApplierFake struct {
	applied map[string]int
	err     error
}

func (f *quotaApplierFake) SetQuota(ctx context.Context, username string, quotaGB int, filesystem string) error {
	if f.err != nil {
		return f.err
	}
	if f.applied == nil {
		f.applied = map[string]int{}
	}
	f.applied[username] = quotaGB
	return nil
}

func newBillingHarness() (*billingService, *paymentRepoFake, *subRepoFake, *invoiceRepoFake, *companyRepoFake, *wsRepoFake) {
	payments := &paymentRepoFake{byOID: map[string]*models.Payment{}}
	subs := &subRepoFake{byCompany: map[int64]*models.Subscription{}}
	invoices := &invoiceRepoFake{}
	companies := &companyRepoFake{companies: map[int64]*models.Company{3: testCompany()}}
	workspaces := &wsRepoFake{byCompany: map[int64][]*models.Workspace{}}
	users := &userRepoFake{users: map[int64]*models.User{5: testUser()}}

	gateway := paytr.NewClient(config.PayTRConfig{
		MerchantID:   "123456",
		MerchantKey:  "test-key",
		MerchantSalt: "test-salt",
		TestMode:     true,
	})
	svc := &billingService{
		payments:      payments,
		subscriptions: subs,
		invoices:      invoices,
		companies:     companies,
		workspaces:    workspaces,
		users:         users,
		rates:         &rateRepoFake{rates: map[string]float64{"USD/TRY": 34.5}},
		gateway:       gateway,
		quota:         &quotaApplierFake{},
		baseDir:       "/srv/atolye",
		logger:        slog.New(slog.DiscardHandler),
		now:           func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) },
	}
	return svc, payments, subs, invoices, companies, workspaces
}

func TestSubscribe(t *testing.T) {
	svc, payments, _, _, _, _ := newBillingHarness()

	res, err := svc.Subscribe(context.Background(), testActor(), models.PlanTeam, "203.0.113.7")
	require.NoError(t, err)

	require.NotNil(t, payments.created)
	assert.Equal(t, models.PaymentPending, payments.created.Status)
	assert.Equal(t, models.GetPlanLimits(models.PlanTeam).MonthlyPriceMinor, payments.created.Amount)
	assert.True(t, payments.created.TestMode)
	assert.True(t, strings.HasPrefix(res.MerchantOID, "YAC"))
	assert.NotEmpty(t, res.IframeToken)
	assert.Equal(t, iframeBaseURL+res.IframeToken, res.IframeURL)
}

func TestSubscribeConvertsPreferredCurrency(t *testing.T) {
	svc, payments, _, _, companies, _ := newBillingHarness()
	companies.companies[3].PreferredCurrency = "TRY"

	_, err := svc.Subscribe(context.Background(), testActor(), models.PlanTeam, "203.0.113.7")
	require.NoError(t, err)

	require.NotNil(t, payments.created)
	assert.Equal(t, "TRY", payments.created.Currency)
	// 2900 USD minor at 34.5 TRY per USD.
	assert.Equal(t, int64(100050), payments.created.Amount)
}

func TestSubscribeWithoutRateFailsClosed(t *testing.T) {
	svc, _, _, _, companies, _ := newBillingHarness()
	companies.companies[3].PreferredCurrency = "EUR"

	_, err := svc.Subscribe(context.Background(), testActor(), models.PlanTeam, "203.0.113.7")
	require.Error(t, err)
	assert.Equal(t, "service_unavailable", apierrors.AsAPIError(err).Code)
}

func TestSubscribeRejectsUnknownPlan(t *testing.T) {
	svc, _, _, _, _, _ := newBillingHarness()

	_, err := svc.Subscribe(context.Background(), testActor(), models.Plan("platinum"), "203.0.113.7")
	require.Error(t, err)
	assert.Equal(t, "validation_error", apierrors.AsAPIError(err).Code)
}

func pendingPayment() *models.Payment {
	return &models.Payment{
		ID:          21,
		CompanyID:   3,
		MerchantOID: "YAC17560000003",
		Amount:      2900,
		Currency:    "USD",
		Plan:        models.PlanTeam,
		Status:      models.PaymentPending,
	}
}

func bundle(payments *paymentRepoFake, subs *subRepoFake, invoices *invoiceRepoFake, companies *companyRepoFake, workspaces *wsRepoFake) callbackRepos {
	return callbackRepos{payments: payments, subscriptions: subs, invoices: invoices, companies: companies, workspaces: workspaces}
}

func TestCallbackSuccess(t *testing.T) {
	svc, payments, subs, invoices, companies, workspaces := newBillingHarness()
	payments.byOID["YAC17560000003"] = pendingPayment()

	_, err := svc.applyCallback(context.Background(), bundle(payments, subs, invoices, companies, workspaces), paytr.Callback{
		MerchantOID:      "YAC17560000003",
		Status:           "success",
		TotalAmountMinor: "2900",
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{21}, payments.success)
	assert.Equal(t, models.PlanTeam, companies.plans[3])

	require.NotNil(t, subs.created)
	assert.Equal(t, models.SubscriptionActive, subs.created.Status)
	assert.Equal(t, models.PlanTeam, subs.created.Plan)

	require.NotNil(t, invoices.created)
	assert.Equal(t, "INV-2026-00001", invoices.created.InvoiceNumber)
	assert.Equal(t, int64(2900), invoices.created.Total)
	assert.Equal(t, int64(21), invoices.created.PaymentID)
}

func TestCallbackSuccessLiftsDiskQuotas(t *testing.T) {
	svc, payments, subs, invoices, companies, workspaces := newBillingHarness()
	payments.byOID["YAC17560000003"] = pendingPayment()
	small := &models.Workspace{ID: 7, CompanyID: 3, LinuxUsername: "acme-api", DiskQuotaGB: 10}
	big := &models.Workspace{ID: 8, CompanyID: 3, LinuxUsername: "acme-data", DiskQuotaGB: 50}
	workspaces.byCompany[3] = []*models.Workspace{small, big}

	upgraded, err := svc.applyCallback(context.Background(), bundle(payments, subs, invoices, companies, workspaces), paytr.Callback{
		MerchantOID:      "YAC17560000003",
		Status:           "success",
		TotalAmountMinor: "2900",
	})
	require.NoError(t, err)

	teamQuota := models.GetPlanLimits(models.PlanTeam).DiskQuotaGB
	require.Len(t, upgraded, 1)
	assert.Equal(t, int64(7), upgraded[0].ID)
	assert.Equal(t, teamQuota, small.DiskQuotaGB)
	// A quota above the plan allowance is never lowered.
	assert.Equal(t, 50, big.DiskQuotaGB)

	svc.applyQuotas(context.Background(), upgraded)
	applier := svc.quota.(*quotaApplierFake)
	assert.Equal(t, map[string]int{"acme-api": teamQuota}, applier.applied)
}

func TestCallbackExtendsRunningPeriod(t *testing.T) {
	svc, payments, subs, invoices, companies, workspaces := newBillingHarness()
	payments.byOID["YAC17560000003"] = pendingPayment()

	start := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 9, 0, 0, 0, 0, time.UTC)
	subs.byCompany[3] = &models.Subscription{
		ID: 1, CompanyID: 3, Plan: models.PlanTeam, Status: models.SubscriptionActive,
		CurrentPeriodStart: &start, CurrentPeriodEnd: &end,
	}

	_, err := svc.applyCallback(context.Background(), bundle(payments, subs, invoices, companies, workspaces), paytr.Callback{
		MerchantOID:      "YAC17560000003",
		Status:           "success",
		TotalAmountMinor: "2900",
	})
	require.NoError(t, err)

	require.NotNil(t, subs.updated)
	assert.Equal(t, end, *subs.updated.CurrentPeriodStart)
	assert.Equal(t, end.AddDate(0, 0, 30), *subs.updated.CurrentPeriodEnd)
}

func TestCallbackFailure(t *testing.T) {
	svc, payments, subs, invoices, companies, workspaces := newBillingHarness()
	payments.byOID["YAC17560000003"] = pendingPayment()

	_, err := svc.applyCallback(context.Background(), bundle(payments, subs, invoices, companies, workspaces), paytr.Callback{
		MerchantOID:      "YAC17560000003",
		Status:           "failed",
		FailedReasonCode: "51",
		FailedReasonMsg:  "insufficient funds",
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{21}, payments.failed)
	assert.Empty(t, payments.success)
	assert.Nil(t, invoices.created)
	assert.Empty(t, companies.plans)
}

func TestCallbackReplayIsIdempotent(t *testing.T) {
	svc, payments, subs, invoices, companies, workspaces := newBillingHarness()
	settled := pendingPayment()
	settled.Status = models.PaymentSuccess
	payments.byOID["YAC17560000003"] = settled

	_, err := svc.applyCallback(context.Background(), bundle(payments, subs, invoices, companies, workspaces), paytr.Callback{
		MerchantOID:      "YAC17560000003",
		Status:           "success",
		TotalAmountMinor: "2900",
	})
	assert.True(t, IsReplay(err))
	assert.Empty(t, payments.success)
	assert.Nil(t, invoices.created)
}

func TestCallbackUnknownPayment(t *testing.T) {
	svc, payments, subs, invoices, companies, workspaces := newBillingHarness()

	_, err := svc.applyCallback(context.Background(), bundle(payments, subs, invoices, companies, workspaces), paytr.Callback{
		MerchantOID: "YAC999",
		Status:      "success",
	})
	require.Error(t, err)
	assert.Equal(t, "not_found", apierrors.AsAPIError(err).Code)
}

func TestProcessCallbackRejectsBadHash(t *testing.T) {
	svc, _, _, _, _, _ := newBillingHarness()

	err := svc.ProcessCallback(context.Background(), paytr.Callback{
		MerchantOID:      "YAC17560000003",
		Status:           "success",
		TotalAmountMinor: "2900",
		Hash:             "forged",
	})
	assert.ErrorIs(t, err, apierrors.ErrPayloadAuth)
}

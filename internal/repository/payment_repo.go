package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atolyecloud/atolye/internal/models"
)

// PaymentRepository defines the interface for payment data operations.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByMerchantOID(ctx context.Context, merchantOID string) (*models.Payment, error)
	// GetByMerchantOIDForUpdate takes a row lock so concurrent callbacks
	// for the same merchant_oid serialize. Must run inside a transaction.
	GetByMerchantOIDForUpdate(ctx context.Context, merchantOID string) (*models.Payment, error)
	MarkSuccess(ctx context.Context, id int64, completedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, reasonCode, reasonMessage string) error
	WithTx(tx pgx.Tx) PaymentRepository
}

type paymentRepo struct {
	db DB
}

// NewPaymentRepository creates a new payment repository.
func NewPaymentRepository(db DB) PaymentRepository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) WithTx(tx pgx.Tx) PaymentRepository {
	return &paymentRepo{db: tx}
}

const paymentColumns = `id, company_id, subscription_id, merchant_oid, amount, currency, plan, status,
	payment_type, failure_reason_code, failure_reason_message, test_mode, completed_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID,
		&p.CompanyID,
		&p.SubscriptionID,
		&p.MerchantOID,
		&p.Amount,
		&p.Currency,
		&p.Plan,
		&p.Status,
		&p.PaymentType,
		&p.FailureReasonCode,
		&p.FailureReasonMessage,
		&p.TestMode,
		&p.CompletedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a pending payment.
func (r *paymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (company_id, subscription_id, merchant_oid, amount, currency, plan,
			status, payment_type, test_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	if payment.Status == "" {
		payment.Status = models.PaymentPending
	}
	if payment.PaymentType == "" {
		payment.PaymentType = "card"
	}
	return r.db.QueryRow(ctx, query,
		payment.CompanyID,
		payment.SubscriptionID,
		payment.MerchantOID,
		payment.Amount,
		payment.Currency,
		payment.Plan,
		payment.Status,
		payment.PaymentType,
		payment.TestMode,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
}

// GetByMerchantOID retrieves a payment by the gateway's idempotency key.
func (r *paymentRepo) GetByMerchantOID(ctx context.Context, merchantOID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE merchant_oid = $1`
	return scanPayment(r.db.QueryRow(ctx, query, merchantOID))
}

// GetByMerchantOIDForUpdate retrieves the payment under FOR UPDATE.
func (r *paymentRepo) GetByMerchantOIDForUpdate(ctx context.Context, merchantOID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE merchant_oid = $1 FOR UPDATE`
	return scanPayment(r.db.QueryRow(ctx, query, merchantOID))
}

// MarkSuccess finalizes a successful payment.
func (r *paymentRepo) MarkSuccess(ctx context.Context, id int64, completedAt time.Time) error {
	query := `
		UPDATE payments SET status = $2, completed_at = $3, updated_at = now()
		WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, models.PaymentSuccess, completedAt)
	return err
}

// MarkFailed finalizes a failed payment with the gateway's reason.
func (r *paymentRepo) MarkFailed(ctx context.Context, id int64, reasonCode, reasonMessage string) error {
	query := `
		UPDATE payments
		SET status = $2, failure_reason_code = $3, failure_reason_message = $4, updated_at = now()
		WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, models.PaymentFailed, reasonCode, reasonMessage)
	return err
}

var _ PaymentRepository = (*paymentRepo)(nil)

// SubscriptionRepository defines the interface for subscription data
// operations. Each company has at most one row.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByCompany(ctx context.Context, companyID int64) (*models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
	WithTx(tx pgx.Tx) SubscriptionRepository
}

type subscriptionRepo struct {
	db DB
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(db DB) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

func (r *subscriptionRepo) WithTx(tx pgx.Tx) SubscriptionRepository {
	return &subscriptionRepo{db: tx}
}

// Create inserts a subscription for a company.
func (r *subscriptionRepo) Create(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (company_id, plan, status, trial_starts_at, trial_ends_at,
			current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	if sub.Status == "" {
		sub.Status = models.SubscriptionTrial
	}
	return r.db.QueryRow(ctx, query,
		sub.CompanyID,
		sub.Plan,
		sub.Status,
		sub.TrialStartsAt,
		sub.TrialEndsAt,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
}

// GetByCompany retrieves a company's subscription.
func (r *subscriptionRepo) GetByCompany(ctx context.Context, companyID int64) (*models.Subscription, error) {
	query := `
		SELECT id, company_id, plan, status, trial_starts_at, trial_ends_at,
			current_period_start, current_period_end, cancel_at_period_end, cancelled_at,
			created_at, updated_at
		FROM subscriptions WHERE company_id = $1`

	var s models.Subscription
	err := r.db.QueryRow(ctx, query, companyID).Scan(
		&s.ID,
		&s.CompanyID,
		&s.Plan,
		&s.Status,
		&s.TrialStartsAt,
		&s.TrialEndsAt,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CancelledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Update persists subscription state.
func (r *subscriptionRepo) Update(ctx context.Context, sub *models.Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan = $2, status = $3, trial_starts_at = $4, trial_ends_at = $5,
			current_period_start = $6, current_period_end = $7,
			cancel_at_period_end = $8, cancelled_at = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	return r.db.QueryRow(ctx, query,
		sub.ID,
		sub.Plan,
		sub.Status,
		sub.TrialStartsAt,
		sub.TrialEndsAt,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
	).Scan(&sub.UpdatedAt)
}

var _ SubscriptionRepository = (*subscriptionRepo)(nil)

// InvoiceRepository defines the interface for invoice data operations.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *models.Invoice) error
	GetByPaymentID(ctx context.Context, paymentID int64) (*models.Invoice, error)
	// NextNumber atomically advances the year's counter and returns a
	// formatted INV-YYYY-NNNNN number. Must run inside the callback
	// transaction so a rolled-back payment does not burn a number.
	NextNumber(ctx context.Context, year int) (string, error)
	WithTx(tx pgx.Tx) InvoiceRepository
}

type invoiceRepo struct {
	db DB
}

// NewInvoiceRepository creates a new invoice repository.
func NewInvoiceRepository(db DB) InvoiceRepository {
	return &invoiceRepo{db: db}
}

func (r *invoiceRepo) WithTx(tx pgx.Tx) InvoiceRepository {
	return &invoiceRepo{db: tx}
}

// Create inserts a new invoice.
func (r *invoiceRepo) Create(ctx context.Context, invoice *models.Invoice) error {
	query := `
		INSERT INTO invoices (company_id, payment_id, invoice_number, subtotal, tax, total,
			currency, period_start, period_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	if invoice.Status == "" {
		invoice.Status = models.InvoicePaid
	}
	return r.db.QueryRow(ctx, query,
		invoice.CompanyID,
		invoice.PaymentID,
		invoice.InvoiceNumber,
		invoice.Subtotal,
		invoice.Tax,
		invoice.Total,
		invoice.Currency,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.Status,
	).Scan(&invoice.ID, &invoice.CreatedAt)
}

// GetByPaymentID retrieves the invoice generated for a payment.
func (r *invoiceRepo) GetByPaymentID(ctx context.Context, paymentID int64) (*models.Invoice, error) {
	query := `
		SELECT id, company_id, payment_id, invoice_number, subtotal, tax, total, currency,
			period_start, period_end, status, created_at
		FROM invoices WHERE payment_id = $1`

	var inv models.Invoice
	err := r.db.QueryRow(ctx, query, paymentID).Scan(
		&inv.ID,
		&inv.CompanyID,
		&inv.PaymentID,
		&inv.InvoiceNumber,
		&inv.Subtotal,
		&inv.Tax,
		&inv.Total,
		&inv.Currency,
		&inv.PeriodStart,
		&inv.PeriodEnd,
		&inv.Status,
		&inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// NextNumber advances the year-scoped counter.
func (r *invoiceRepo) NextNumber(ctx context.Context, year int) (string, error) {
	query := `
		INSERT INTO invoice_counters (year, last_number)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_number = invoice_counters.last_number + 1
		RETURNING last_number`

	var n int
	if err := r.db.QueryRow(ctx, query, year).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%d-%05d", year, n), nil
}

var _ InvoiceRepository = (*invoiceRepo)(nil)

package models

import "time"

// PaymentStatus represents the state of one payment attempt.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// IsTerminal reports whether the payment reached a final state. Callbacks
// for terminal payments are idempotent no-ops.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentSuccess, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Payment represents one payment attempt at the gateway. MerchantOID is the
// idempotency key across gateway callbacks.
type Payment struct {
	ID                   int64         `json:"id" db:"id"`
	CompanyID            int64         `json:"company_id" db:"company_id"`
	SubscriptionID       *int64        `json:"subscription_id,omitempty" db:"subscription_id"`
	MerchantOID          string        `json:"merchant_oid" db:"merchant_oid"`
	Amount               int64         `json:"amount" db:"amount"` // minor units
	Currency             string        `json:"currency" db:"currency"`
	Plan                 Plan          `json:"plan" db:"plan"`
	Status               PaymentStatus `json:"status" db:"status"`
	PaymentType          string        `json:"payment_type" db:"payment_type"`
	FailureReasonCode    *string       `json:"failure_reason_code,omitempty" db:"failure_reason_code"`
	FailureReasonMessage *string       `json:"failure_reason_message,omitempty" db:"failure_reason_message"`
	TestMode             bool          `json:"test_mode" db:"test_mode"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
}

// InvoiceStatus represents the state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceSent  InvoiceStatus = "sent"
	InvoicePaid  InvoiceStatus = "paid"
	InvoiceVoid  InvoiceStatus = "void"
)

// Invoice is generated exactly once per successful payment. The number has
// the form INV-YYYY-NNNNN and is monotonic within a year.
type Invoice struct {
	ID            int64         `json:"id" db:"id"`
	CompanyID     int64         `json:"company_id" db:"company_id"`
	PaymentID     int64         `json:"payment_id" db:"payment_id"`
	InvoiceNumber string        `json:"invoice_number" db:"invoice_number"`
	Subtotal      int64         `json:"subtotal" db:"subtotal"`
	Tax           int64         `json:"tax" db:"tax"`
	Total         int64         `json:"total" db:"total"`
	Currency      string        `json:"currency" db:"currency"`
	PeriodStart   time.Time     `json:"period_start" db:"period_start"`
	PeriodEnd     time.Time     `json:"period_end" db:"period_end"`
	Status        InvoiceStatus `json:"status" db:"status"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

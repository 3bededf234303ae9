package models

import "time"

// SubscriptionStatus represents the state of a company's subscription.
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// Subscription represents a company's subscription. One per company.
type Subscription struct {
	ID                 int64              `json:"id" db:"id"`
	CompanyID          int64              `json:"company_id" db:"company_id"`
	Plan               Plan               `json:"plan" db:"plan"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	TrialStartsAt      *time.Time         `json:"trial_starts_at,omitempty" db:"trial_starts_at"`
	TrialEndsAt        *time.Time         `json:"trial_ends_at,omitempty" db:"trial_ends_at"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// IsTrialExpired reports whether a trial subscription's window has passed.
func (s *Subscription) IsTrialExpired(now time.Time) bool {
	return s.Status == SubscriptionTrial && s.TrialEndsAt != nil && s.TrialEndsAt.Before(now)
}

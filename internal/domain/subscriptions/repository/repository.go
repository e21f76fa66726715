// Package repository provides database operations for subscriptions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no subscription has the requested id.
var ErrNotFound = errors.New("subscription not found")

// Status represents the lifecycle state of a subscription
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusTrial || s == StatusActive || s == StatusCancelled
}

// BillingCycle represents how often a subscription is charged
type BillingCycle string

const (
	CycleWeekly  BillingCycle = "weekly"
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
	CycleUnknown BillingCycle = "unknown"
)

// Source records where a subscription came from.
type Source string

const (
	SourceManual     Source = "manual"
	SourceBankImport Source = "bank_import"
	SourceEmailScan  Source = "email_scan"
)

// ReminderSettings is a per-subscription override of the user's
// notification preferences. Nil Timings means "use the defaults".
type ReminderSettings struct {
	Enabled bool     `json:"enabled"`
	Timings []string `json:"timings"`
}

// Subscription is a tracked recurring charge.
type Subscription struct {
	ID               uuid.UUID         `json:"id"`
	UserID           uuid.UUID         `json:"userId"`
	ServiceName      string            `json:"serviceName"`
	Status           Status            `json:"status"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	BillingCycle     BillingCycle      `json:"billingCycle"`
	TrialEndsAt      *time.Time        `json:"trialEndsAt"`
	NextBillingDate  *time.Time        `json:"nextBillingDate"`
	ReminderSettings *ReminderSettings `json:"reminderSettings"`
	Source           Source            `json:"source"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// SubscriptionRepository defines the interface for subscription persistence
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, includeCancelled bool) ([]*Subscription, error)
	// ListSchedulable returns every non-cancelled subscription with a trial
	// end or billing date, for the nightly reminder refresh.
	ListSchedulable(ctx context.Context) ([]*Subscription, error)
	UpdateDates(ctx context.Context, id uuid.UUID, trialEndsAt, nextBillingDate *time.Time) (*Subscription, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

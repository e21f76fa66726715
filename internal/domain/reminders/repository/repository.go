// Package repository provides database operations for reminders and the
// notification settings they depend on.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("reminder not found")
	// ErrStatusConflict is returned when a reminder is no longer in the
	// state a transition expects.
	ErrStatusConflict = errors.New("reminder is not in the expected state")
	// ErrRecipientNotFound is returned when the reminder's user no longer exists.
	ErrRecipientNotFound = errors.New("recipient not found")
)

// Type is the event a reminder warns about
type Type string

const (
	TypeTrialEnding     Type = "trial_ending"
	TypeBillingUpcoming Type = "billing_upcoming"
)

// Status tracks delivery: pending -> processing -> sent | failed
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Reminder is one scheduled notification.
type Reminder struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	UserID         uuid.UUID `json:"userId"`
	Type           Type      `json:"reminderType"`
	ScheduledFor   time.Time `json:"scheduledFor"`
	Status         Status    `json:"status"`
	JobID          *string   `json:"jobId"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ReminderRepository defines the interface for reminder persistence.
//
// FindPending backs the scheduler's check-before-create. There is no unique
// constraint behind it, so two concurrent schedulers can both miss and both
// insert.
type ReminderRepository interface {
	Create(ctx context.Context, r *Reminder) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error)
	FindPending(ctx context.Context, subscriptionID uuid.UUID, typ Type, scheduledFor time.Time) (*Reminder, error)
	ListPending(ctx context.Context, subscriptionID uuid.UUID) ([]*Reminder, error)
	SetJobID(ctx context.Context, id uuid.UUID, jobID string) error
	// UpdateStatus moves a reminder from one status to another and records
	// errMsg when non-empty. It returns ErrStatusConflict if the reminder is
	// not currently in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, errMsg string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Preferences are a user's global reminder defaults. Nil timings mean the
// configured defaults apply.
type Preferences struct {
	Enabled        bool
	TrialTimings   []string
	BillingTimings []string
}

// PreferenceStore reads notification preferences.
type PreferenceStore interface {
	// GetReminderPreferences returns nil, nil when the user has never set
	// preferences.
	GetReminderPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error)
}

// Recipient is where a user's reminders are delivered.
type Recipient struct {
	Email     string
	PushToken *string
}

// RecipientStore looks up delivery addresses
type RecipientStore interface {
	GetRecipient(ctx context.Context, userID uuid.UUID) (*Recipient, error)
}

// Package service provides business logic for subscription management.
//
// Reminder scheduling always happens after the subscription write has
// succeeded. Scheduling failures are logged and returned as warnings; they
// never undo the write.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
)

// ErrInvalidInput is returned for requests that fail validation.
var ErrInvalidInput = errors.New("invalid subscription")

// ReminderScheduler keeps reminder jobs in step with subscription dates.
type ReminderScheduler interface {
	Schedule(ctx context.Context, sub *repository.Subscription) (int, error)
	Cancel(ctx context.Context, subscriptionID uuid.UUID) error
}

// CreateInput holds the fields of a new subscription
type CreateInput struct {
	UserID           uuid.UUID
	ServiceName      string
	Status           repository.Status
	Amount           decimal.Decimal
	Currency         string
	BillingCycle     repository.BillingCycle
	TrialEndsAt      *time.Time
	NextBillingDate  *time.Time
	ReminderSettings *repository.ReminderSettings
	Source           repository.Source
}

// Result is a written subscription plus any soft warnings from the
// reminder side effects.
type Result struct {
	Subscription *repository.Subscription `json:"subscription"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

// MonthlyCost is the normalized monthly spend per currency.
type MonthlyCost struct {
	Totals map[string]decimal.Decimal
	Count  int
}

// Service provides subscription management business logic
type Service struct {
	repo      repository.SubscriptionRepository
	scheduler ReminderScheduler
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new subscriptions service
func NewService(repo repository.SubscriptionRepository, scheduler ReminderScheduler, logger *slog.Logger) *Service {
	return &Service{repo: repo, scheduler: scheduler, logger: logger, now: time.Now}
}

// Create validates and stores a subscription, then schedules its reminders.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Result, error) {
	sub, err := newSubscription(in)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("subscription created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("service", sub.ServiceName),
		slog.String("source", string(sub.Source)))

	return &Result{Subscription: sub, Warnings: s.reschedule(ctx, sub, false)}, nil
}

// Get returns a subscription owned by userID
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*repository.Subscription, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return sub, nil
}

// List returns the user's subscriptions
func (s *Service) List(ctx context.Context, userID uuid.UUID, includeCancelled bool) ([]*repository.Subscription, error) {
	return s.repo.ListByUserID(ctx, userID, includeCancelled)
}

// UpdateDates changes the trial end and billing date and replaces the
// pending reminders that were anchored on the old dates.
func (s *Service) UpdateDates(ctx context.Context, userID, id uuid.UUID, trialEndsAt, nextBillingDate *time.Time) (*Result, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	sub, err := s.repo.UpdateDates(ctx, id, trialEndsAt, nextBillingDate)
	if err != nil {
		return nil, err
	}
	return &Result{Subscription: sub, Warnings: s.reschedule(ctx, sub, true)}, nil
}

// UpdateStatus moves a subscription between trial, active and cancelled.
// Cancelling removes pending reminders.
func (s *Service) UpdateStatus(ctx context.Context, userID, id uuid.UUID, status repository.Status) (*Result, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	sub, err := s.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	return &Result{Subscription: sub, Warnings: s.reschedule(ctx, sub, true)}, nil
}

// Delete cancels pending reminders and removes the subscription.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) ([]string, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}

	var warnings []string
	if err := s.scheduler.Cancel(ctx, id); err != nil {
		s.logger.Warn("failed to cancel reminders before delete",
			slog.String("subscription_id", id.String()),
			slog.Any("error", err))
		warnings = append(warnings, "pending reminders could not be cancelled")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}
	return warnings, nil
}

// RefreshReminders re-runs scheduling for every schedulable subscription so
// reminders follow rolled-forward billing dates. It returns the number of
// reminders created.
func (s *Service) RefreshReminders(ctx context.Context) (int, error) {
	subs, err := s.repo.ListSchedulable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list schedulable subscriptions: %w", err)
	}

	now := s.now()
	created, failed := 0, 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if sub.NextBillingDate != nil && !sub.NextBillingDate.After(now) && sub.BillingCycle != repository.CycleUnknown {
			next := rollForward(*sub.NextBillingDate, sub.BillingCycle, now)
			updated, err := s.repo.UpdateDates(ctx, sub.ID, sub.TrialEndsAt, &next)
			if err != nil {
				failed++
				s.logger.Warn("failed to roll billing date forward",
					slog.String("subscription_id", sub.ID.String()),
					slog.Any("error", err))
				continue
			}
			sub = updated
		}

		n, err := s.scheduler.Schedule(ctx, sub)
		created += n
		if err != nil {
			failed++
			s.logger.Warn("reminder refresh failed",
				slog.String("subscription_id", sub.ID.String()),
				slog.Any("error", err))
		}
	}

	s.logger.Info("reminder refresh finished",
		slog.Int("subscriptions", len(subs)),
		slog.Int("created", created),
		slog.Int("failed", failed))
	return created, nil
}

// MonthlyCost sums trial and active subscriptions normalized to a month.
func (s *Service) MonthlyCost(ctx context.Context, userID uuid.UUID) (*MonthlyCost, error) {
	subs, err := s.repo.ListByUserID(ctx, userID, false)
	if err != nil {
		return nil, err
	}

	cost := &MonthlyCost{Totals: make(map[string]decimal.Decimal)}
	for _, sub := range subs {
		cost.Totals[sub.Currency] = cost.Totals[sub.Currency].Add(normalizeToMonthly(sub.Amount, sub.BillingCycle))
		cost.Count++
	}
	for cur, total := range cost.Totals {
		cost.Totals[cur] = total.Round(2)
	}
	return cost, nil
}

// reschedule runs the reminder side effects for sub and turns failures into
// warnings. When replace is set, existing pending reminders are cancelled
// first because their anchor dates may have changed.
func (s *Service) reschedule(ctx context.Context, sub *repository.Subscription, replace bool) []string {
	var warnings []string
	log := s.logger.With(slog.String("subscription_id", sub.ID.String()))

	if replace || sub.Status == repository.StatusCancelled {
		if err := s.scheduler.Cancel(ctx, sub.ID); err != nil {
			log.Warn("failed to cancel reminders", slog.Any("error", err))
			warnings = append(warnings, "existing reminders could not be cancelled")
		}
	}
	if sub.Status == repository.StatusCancelled {
		return warnings
	}

	if _, err := s.scheduler.Schedule(ctx, sub); err != nil {
		log.Warn("failed to schedule reminders", slog.Any("error", err))
		warnings = append(warnings, "reminders could not be scheduled")
	}
	return warnings
}

func newSubscription(in CreateInput) (*repository.Subscription, error) {
	name := strings.TrimSpace(in.ServiceName)
	if name == "" {
		return nil, fmt.Errorf("%w: service name is required", ErrInvalidInput)
	}
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}

	status := in.Status
	if status == "" {
		status = repository.StatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if status == repository.StatusTrial && in.TrialEndsAt == nil {
		return nil, fmt.Errorf("%w: trial subscriptions need a trial end date", ErrInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "EUR"
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
	}

	cycle := in.BillingCycle
	if cycle == "" {
		cycle = repository.CycleMonthly
	}
	source := in.Source
	if source == "" {
		source = repository.SourceManual
	}

	return &repository.Subscription{
		ID:               uuid.New(),
		UserID:           in.UserID,
		ServiceName:      name,
		Status:           status,
		Amount:           in.Amount.Round(2),
		Currency:         currency,
		BillingCycle:     cycle,
		TrialEndsAt:      in.TrialEndsAt,
		NextBillingDate:  in.NextBillingDate,
		ReminderSettings: in.ReminderSettings,
		Source:           source,
	}, nil
}

// NextBillingAfter advances from a past charge by whole cycles until the
// result is after now.
func NextBillingAfter(last time.Time, cycle repository.BillingCycle, now time.Time) *time.Time {
	if cycle == repository.CycleUnknown || cycle == "" {
		return nil
	}
	next := rollForward(advance(last, cycle), cycle, now)
	return &next
}

func rollForward(t time.Time, cycle repository.BillingCycle, now time.Time) time.Time {
	for !t.After(now) {
		t = advance(t, cycle)
	}
	return t
}

func advance(t time.Time, cycle repository.BillingCycle) time.Time {
	switch cycle {
	case repository.CycleWeekly:
		return t.AddDate(0, 0, 7)
	case repository.CycleYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// normalizeToMonthly converts any billing cycle to its monthly equivalent
func normalizeToMonthly(amount decimal.Decimal, cycle repository.BillingCycle) decimal.Decimal {
	switch cycle {
	case repository.CycleWeekly:
		return amount.Mul(decimal.NewFromInt(52)).Div(decimal.NewFromInt(12))
	case repository.CycleYearly:
		return amount.Div(decimal.NewFromInt(12))
	default:
		return amount
	}
}

// Package service schedules and cancels subscription reminders.
//
// Trial-ending and billing-upcoming reminders share one state machine,
// parameterized by the event timestamp, the reminder type and the default
// offsets. For every offset the scheduler computes scheduledFor, skips
// moments that already passed, skips triples that already have a pending
// reminder, then writes the reminder and enqueues its delivery job. A
// failure between those two writes is compensated so that no reminder is
// left without a job and no job without a reminder.
//
// The pending check is best-effort: concurrent Schedule calls for the same
// subscription can both miss it. Duplicate delivery is still bounded by the
// queue, which ignores a second Enqueue of a live job id.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/repository"
	subsrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
	"github.com/FACorreiaa/subscription-tracker/pkg/queue"
)

var tracer = otel.Tracer("subtrack/reminders")

const (
	outcomeScheduled        = "scheduled"
	outcomeSkippedPast      = "skipped_past"
	outcomeSkippedDuplicate = "skipped_duplicate"
	outcomeDisabled         = "disabled"
	outcomeFailed           = "failed"
)

// Queue is the delayed work queue reminders are delivered through.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, delay time.Duration) (string, error)
	Remove(ctx context.Context, jobID string) error
	Fetch(ctx context.Context, jobID string) (*queue.Job, error)
}

// Defaults are the offsets used when neither the subscription nor the
// user overrides them.
type Defaults struct {
	Trial   []string
	Billing []string
}

// JobPayload is the body of a reminder delivery job.
type JobPayload struct {
	ReminderID uuid.UUID `json:"reminderId"`
}

// event parameterizes the state machine for one reminder family.
type event struct {
	typ        repository.Type
	at         *time.Time
	defaults   []string
	preference func(*repository.Preferences) []string
}

// Scheduler keeps reminder records and queue jobs in step with
// subscription dates.
type Scheduler struct {
	repo     repository.ReminderRepository
	prefs    repository.PreferenceStore
	queue    Queue
	defaults Defaults
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewScheduler creates a Scheduler. m may be nil.
func NewScheduler(
	repo repository.ReminderRepository,
	prefs repository.PreferenceStore,
	q Queue,
	defaults Defaults,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		repo:     repo,
		prefs:    prefs,
		queue:    q,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
		metrics:  m,
	}
}

// JobID is the deterministic queue id of a reminder.
func JobID(subscriptionID uuid.UUID, typ repository.Type, scheduledFor time.Time) string {
	return fmt.Sprintf("reminder:%s:%s:%d", subscriptionID, typ, scheduledFor.Unix())
}

// Schedule creates the missing future reminders for sub and returns how
// many were created. It is safe to call repeatedly.
func (s *Scheduler) Schedule(ctx context.Context, sub *subsrepo.Subscription) (int, error) {
	ctx, span := tracer.Start(ctx, "reminders.Schedule",
		trace.WithAttributes(attribute.String("subscription.id", sub.ID.String())))
	defer span.End()

	created, err := s.schedule(ctx, sub)
	span.SetAttributes(attribute.Int("reminders.created", created))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule failed")
	}
	return created, err
}

func (s *Scheduler) schedule(ctx context.Context, sub *subsrepo.Subscription) (int, error) {
	if sub.Status == subsrepo.StatusCancelled {
		return 0, nil
	}

	events := []event{
		{
			typ:        repository.TypeTrialEnding,
			at:         sub.TrialEndsAt,
			defaults:   s.defaults.Trial,
			preference: func(p *repository.Preferences) []string { return p.TrialTimings },
		},
		{
			typ:        repository.TypeBillingUpcoming,
			at:         sub.NextBillingDate,
			defaults:   s.defaults.Billing,
			preference: func(p *repository.Preferences) []string { return p.BillingTimings },
		},
	}

	disabled := func() (int, error) {
		for _, ev := range events {
			if ev.at != nil {
				s.metrics.ReminderOutcome(string(ev.typ), outcomeDisabled)
			}
		}
		return 0, nil
	}

	override := sub.ReminderSettings
	if override != nil && !override.Enabled {
		return disabled()
	}

	var prefs *repository.Preferences
	if override == nil || override.Timings == nil {
		p, err := s.prefs.GetReminderPreferences(ctx, sub.UserID)
		if err != nil {
			s.logger.Warn("failed to load reminder preferences, using defaults",
				slog.String("user_id", sub.UserID.String()),
				slog.Any("error", err))
		}
		prefs = p
		if override == nil && prefs != nil && !prefs.Enabled {
			return disabled()
		}
	}

	now := s.now()
	created := 0
	var errs []error
	for _, ev := range events {
		if ev.at == nil {
			continue
		}
		n, err := s.scheduleEvent(ctx, sub, ev, s.timings(ev, override, prefs), now)
		created += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return created, errors.Join(errs...)
}

// timings picks the subscription override, then the user preference, then
// the configured defaults.
func (s *Scheduler) timings(ev event, override *subsrepo.ReminderSettings, prefs *repository.Preferences) []string {
	if override != nil && override.Timings != nil {
		return override.Timings
	}
	if prefs != nil {
		if t := ev.preference(prefs); t != nil {
			return t
		}
	}
	return ev.defaults
}

func (s *Scheduler) scheduleEvent(ctx context.Context, sub *subsrepo.Subscription, ev event, timings []string, now time.Time) (int, error) {
	log := s.logger.With(
		slog.String("subscription_id", sub.ID.String()),
		slog.String("reminder_type", string(ev.typ)))

	created := 0
	var errs []error
	for _, timing := range timings {
		offset, err := ParseOffset(timing)
		if err != nil {
			log.Warn("skipping invalid reminder timing", slog.String("timing", timing))
			s.metrics.ReminderOutcome(string(ev.typ), outcomeFailed)
			continue
		}

		scheduledFor := ev.at.Add(-offset).UTC()
		if !scheduledFor.After(now) {
			s.metrics.ReminderOutcome(string(ev.typ), outcomeSkippedPast)
			continue
		}

		existing, err := s.repo.FindPending(ctx, sub.ID, ev.typ, scheduledFor)
		if err == nil {
			if err := s.requeue(ctx, existing, now); err != nil {
				log.Warn("failed to requeue reminder",
					slog.String("reminder_id", existing.ID.String()),
					slog.Any("error", err))
				errs = append(errs, err)
			}
			s.metrics.ReminderOutcome(string(ev.typ), outcomeSkippedDuplicate)
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			s.metrics.ReminderOutcome(string(ev.typ), outcomeFailed)
			errs = append(errs, fmt.Errorf("failed to check existing reminder: %w", err))
			continue
		}

		if err := s.createAndEnqueue(ctx, sub, ev.typ, scheduledFor, now); err != nil {
			log.Warn("failed to schedule reminder",
				slog.Time("scheduled_for", scheduledFor),
				slog.Any("error", err))
			s.metrics.ReminderOutcome(string(ev.typ), outcomeFailed)
			errs = append(errs, err)
			continue
		}
		s.metrics.ReminderOutcome(string(ev.typ), outcomeScheduled)
		created++
	}

	if created > 0 {
		log.Info("reminders scheduled", slog.Int("count", created))
	}
	return created, errors.Join(errs...)
}

func (s *Scheduler) createAndEnqueue(ctx context.Context, sub *subsrepo.Subscription, typ repository.Type, scheduledFor, now time.Time) error {
	rem := &repository.Reminder{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Type:           typ,
		ScheduledFor:   scheduledFor,
		Status:         repository.StatusPending,
	}
	if err := s.repo.Create(ctx, rem); err != nil {
		return err
	}

	payload, err := json.Marshal(JobPayload{ReminderID: rem.ID})
	if err != nil {
		return s.compensate(ctx, rem.ID, "", fmt.Errorf("failed to encode job payload: %w", err))
	}

	jobID, err := s.queue.Enqueue(ctx, JobID(sub.ID, typ, scheduledFor), payload, scheduledFor.Sub(now))
	if err != nil {
		return s.compensate(ctx, rem.ID, "", fmt.Errorf("failed to enqueue reminder job: %w", err))
	}

	if err := s.repo.SetJobID(ctx, rem.ID, jobID); err != nil {
		return s.compensate(ctx, rem.ID, jobID, fmt.Errorf("failed to store reminder job id: %w", err))
	}
	return nil
}

// requeue restores the delivery job of a pending reminder whose job is no
// longer known to the queue, which happens after a restart.
func (s *Scheduler) requeue(ctx context.Context, rem *repository.Reminder, now time.Time) error {
	jobID := JobID(rem.SubscriptionID, rem.Type, rem.ScheduledFor)
	if rem.JobID != nil {
		jobID = *rem.JobID
	}
	_, err := s.queue.Fetch(ctx, jobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, queue.ErrJobNotFound) {
		return fmt.Errorf("failed to look up reminder job: %w", err)
	}

	payload, err := json.Marshal(JobPayload{ReminderID: rem.ID})
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}
	newID, err := s.queue.Enqueue(ctx, jobID, payload, rem.ScheduledFor.Sub(now))
	if err != nil {
		return fmt.Errorf("failed to requeue reminder job: %w", err)
	}
	if rem.JobID == nil || *rem.JobID != newID {
		if err := s.repo.SetJobID(ctx, rem.ID, newID); err != nil {
			return fmt.Errorf("failed to store reminder job id: %w", err)
		}
	}
	return nil
}

// compensate removes what was written before cause and returns cause,
// joined with any cleanup failure.
func (s *Scheduler) compensate(ctx context.Context, reminderID uuid.UUID, jobID string, cause error) error {
	errs := []error{cause}
	if jobID != "" {
		if err := s.queue.Remove(ctx, jobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			errs = append(errs, fmt.Errorf("failed to remove orphaned job %s: %w", jobID, err))
		}
	}
	if err := s.repo.Delete(ctx, reminderID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		errs = append(errs, fmt.Errorf("failed to remove orphaned reminder %s: %w", reminderID, err))
	}
	return errors.Join(errs...)
}

// Cancel removes every pending reminder of a subscription and its queue job.
func (s *Scheduler) Cancel(ctx context.Context, subscriptionID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "reminders.Cancel",
		trace.WithAttributes(attribute.String("subscription.id", subscriptionID.String())))
	defer span.End()

	pending, err := s.repo.ListPending(ctx, subscriptionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return err
	}

	var errs []error
	for _, rem := range pending {
		if rem.JobID != nil {
			if err := s.queue.Remove(ctx, *rem.JobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
				errs = append(errs, fmt.Errorf("failed to remove job %s: %w", *rem.JobID, err))
				continue
			}
		}
		if err := s.repo.Delete(ctx, rem.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete reminder %s: %w", rem.ID, err))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel incomplete")
	}
	s.logger.Info("reminders cancelled",
		slog.String("subscription_id", subscriptionID.String()),
		slog.Int("count", len(pending)-len(errs)))
	return err
}

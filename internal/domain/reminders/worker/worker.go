// Package worker delivers reminders when their queue jobs come due.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/repository"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/service"
	subsrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
	"github.com/FACorreiaa/subscription-tracker/pkg/money"
	"github.com/FACorreiaa/subscription-tracker/pkg/queue"
)

var tracer = otel.Tracer("subtrack/reminders/worker")

// SubscriptionReader loads the subscription a reminder belongs to.
type SubscriptionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*subsrepo.Subscription, error)
}

// Worker handles reminder delivery jobs.
type Worker struct {
	reminders  repository.ReminderRepository
	subs       SubscriptionReader
	recipients repository.RecipientStore
	notifiers  []Notifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a delivery worker. Notifiers are tried in order and all of
// them get a chance; one success marks the reminder sent.
func New(
	reminders repository.ReminderRepository,
	subs SubscriptionReader,
	recipients repository.RecipientStore,
	notifiers []Notifier,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Worker {
	return &Worker{
		reminders:  reminders,
		subs:       subs,
		recipients: recipients,
		notifiers:  notifiers,
		logger:     logger,
		metrics:    m,
	}
}

// Handle is a queue.Handler. Errors are returned only for failures worth
// retrying before the reminder left pending.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := tracer.Start(ctx, "reminders.Deliver",
		trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	var payload service.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("dropping malformed reminder job",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		return nil
	}
	log := w.logger.With(slog.String("reminder_id", payload.ReminderID.String()))

	rem, err := w.reminders.GetByID(ctx, payload.ReminderID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("reminder no longer exists")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if rem.Status != repository.StatusPending {
		log.Debug("reminder already handled", slog.String("status", string(rem.Status)))
		return nil
	}

	err = w.reminders.UpdateStatus(ctx, rem.ID, repository.StatusPending, repository.StatusProcessing, "")
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	status, deliverErr := w.deliver(ctx, rem)
	msg := ""
	if deliverErr != nil {
		msg = deliverErr.Error()
		span.RecordError(deliverErr)
		span.SetStatus(codes.Error, "delivery failed")
		log.Warn("reminder delivery failed", slog.Any("error", deliverErr))
	}

	if err := w.reminders.UpdateStatus(ctx, rem.ID, repository.StatusProcessing, status, msg); err != nil {
		log.Error("failed to record reminder outcome",
			slog.String("status", string(status)),
			slog.Any("error", err))
		return nil
	}
	w.metrics.ReminderDelivered(string(status))
	if status == repository.StatusSent {
		log.Info("reminder sent", slog.String("reminder_type", string(rem.Type)))
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, rem *repository.Reminder) (repository.Status, error) {
	sub, err := w.subs.GetByID(ctx, rem.SubscriptionID)
	if errors.Is(err, subsrepo.ErrNotFound) {
		return repository.StatusFailed, errors.New("subscription no longer exists")
	}
	if err != nil {
		return repository.StatusFailed, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status == subsrepo.StatusCancelled {
		return repository.StatusFailed, errors.New("subscription was cancelled")
	}

	to, err := w.recipients.GetRecipient(ctx, rem.UserID)
	if err != nil {
		return repository.StatusFailed, err
	}

	n := Render(rem, sub)
	var errs []error
	delivered := 0
	for _, notifier := range w.notifiers {
		err := notifier.Notify(ctx, to, n)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNoAddress):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Channel(), err))
		}
	}

	if delivered > 0 {
		for _, err := range errs {
			w.logger.Warn("reminder channel failed",
				slog.String("reminder_id", rem.ID.String()),
				slog.Any("error", err))
		}
		return repository.StatusSent, nil
	}
	if len(errs) == 0 {
		return repository.StatusFailed, errors.New("no delivery channel available")
	}
	return repository.StatusFailed, errors.Join(errs...)
}

// Render builds the user-facing text of a reminder.
func Render(rem *repository.Reminder, sub *subsrepo.Subscription) Notification {
	price := ""
	if sub.Amount.IsPositive() {
		price = money.NewFromDecimal(sub.Amount, sub.Currency).Display()
	}

	n := Notification{
		Data: map[string]any{
			"subscriptionId": sub.ID.String(),
			"reminderType":   string(rem.Type),
		},
	}

	switch rem.Type {
	case repository.TypeTrialEnding:
		n.Title = fmt.Sprintf("Your %s trial is ending", sub.ServiceName)
		var b strings.Builder
		fmt.Fprintf(&b, "Your free trial of %s ends", sub.ServiceName)
		if sub.TrialEndsAt != nil {
			fmt.Fprintf(&b, " on %s", sub.TrialEndsAt.Format("Jan 2"))
		}
		b.WriteString(".")
		if price != "" {
			fmt.Fprintf(&b, " You will be charged %s unless you cancel.", price)
		}
		n.Body = b.String()
	default:
		n.Title = fmt.Sprintf("%s renews soon", sub.ServiceName)
		var b strings.Builder
		b.WriteString(sub.ServiceName)
		if price != "" {
			fmt.Fprintf(&b, " will charge %s", price)
		} else {
			b.WriteString(" renews")
		}
		if sub.NextBillingDate != nil {
			fmt.Fprintf(&b, " on %s", sub.NextBillingDate.Format("Jan 2"))
		}
		b.WriteString(".")
		n.Body = b.String()
	}
	return n
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/subscription-tracker/pkg/db"
)

const subscriptionColumns = `id, user_id, service_name, status, amount, currency, billing_cycle,
	trial_ends_at, next_billing_date, reminder_settings, source, created_at, updated_at`

// PostgresSubscriptionRepository implements SubscriptionRepository using PostgreSQL
type PostgresSubscriptionRepository struct {
	db db.DBTX
}

// NewPostgresSubscriptionRepository creates a new PostgreSQL subscription repository
func NewPostgresSubscriptionRepository(pool db.DBTX) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{db: pool}
}

// Create inserts a new subscription
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (id, user_id, service_name, status, amount, currency, billing_cycle,
			trial_ends_at, next_billing_date, reminder_settings, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	settings, err := encodeSettings(sub.ReminderSettings)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(ctx, query,
		sub.ID,
		sub.UserID,
		sub.ServiceName,
		sub.Status,
		sub.Amount,
		sub.Currency,
		sub.BillingCycle,
		sub.TrialEndsAt,
		sub.NextBillingDate,
		settings,
		sub.Source,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by ID
func (r *PostgresSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListByUserID retrieves all subscriptions for a user
func (r *PostgresSubscriptionRepository) ListByUserID(ctx context.Context, userID uuid.UUID, includeCancelled bool) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	if !includeCancelled {
		query += ` AND status != 'cancelled'`
	}
	query += ` ORDER BY amount DESC, service_name ASC`

	return r.list(ctx, query, userID)
}

// ListSchedulable returns subscriptions that can still produce reminders
func (r *PostgresSubscriptionRepository) ListSchedulable(ctx context.Context) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status != 'cancelled'
			AND (trial_ends_at IS NOT NULL OR next_billing_date IS NOT NULL)
		ORDER BY id`

	return r.list(ctx, query)
}

// UpdateDates replaces the trial end and next billing date
func (r *PostgresSubscriptionRepository) UpdateDates(ctx context.Context, id uuid.UUID, trialEndsAt, nextBillingDate *time.Time) (*Subscription, error) {
	query := `
		UPDATE subscriptions
		SET trial_ends_at = $2, next_billing_date = $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id, trialEndsAt, nextBillingDate))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription dates: %w", err)
	}
	return sub, nil
}

// UpdateStatus updates the status of a subscription
func (r *PostgresSubscriptionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	return sub, nil
}

// Delete removes a subscription
func (r *PostgresSubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var settings []byte
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ServiceName,
		&sub.Status,
		&sub.Amount,
		&sub.Currency,
		&sub.BillingCycle,
		&sub.TrialEndsAt,
		&sub.NextBillingDate,
		&settings,
		&sub.Source,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 && string(settings) != "null" {
		var rs ReminderSettings
		if err := json.Unmarshal(settings, &rs); err != nil {
			return nil, fmt.Errorf("invalid reminder settings: %w", err)
		}
		sub.ReminderSettings = &rs
	}
	return sub, nil
}

func encodeSettings(rs *ReminderSettings) ([]byte, error) {
	if rs == nil {
		return nil, nil
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reminder settings: %w", err)
	}
	return b, nil
}

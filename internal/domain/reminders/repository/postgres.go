package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/subscription-tracker/pkg/db"
)

const reminderColumns = `id, subscription_id, user_id, reminder_type, scheduled_for, status, job_id, error, created_at, updated_at`

// PostgresReminderRepository implements ReminderRepository using PostgreSQL
type PostgresReminderRepository struct {
	db db.DBTX
}

// NewPostgresReminderRepository creates a new PostgreSQL reminder repository
func NewPostgresReminderRepository(pool db.DBTX) *PostgresReminderRepository {
	return &PostgresReminderRepository{db: pool}
}

// Create inserts a reminder
func (r *PostgresReminderRepository) Create(ctx context.Context, rem *Reminder) error {
	query := `
		INSERT INTO reminders (id, subscription_id, user_id, reminder_type, scheduled_for, status, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	if rem.ID == uuid.Nil {
		rem.ID = uuid.New()
	}
	if rem.Status == "" {
		rem.Status = StatusPending
	}

	err := r.db.QueryRow(ctx, query,
		rem.ID,
		rem.SubscriptionID,
		rem.UserID,
		rem.Type,
		rem.ScheduledFor,
		rem.Status,
		rem.JobID,
	).Scan(&rem.CreatedAt, &rem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reminder: %w", err)
	}
	return nil
}

// GetByID retrieves a reminder by ID
func (r *PostgresReminderRepository) GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`

	rem, err := scanReminder(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return rem, nil
}

// FindPending returns the pending reminder for the triple, or ErrNotFound
func (r *PostgresReminderRepository) FindPending(ctx context.Context, subscriptionID uuid.UUID, typ Type, scheduledFor time.Time) (*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders
		WHERE subscription_id = $1 AND reminder_type = $2 AND scheduled_for = $3 AND status = 'pending'
		LIMIT 1`

	rem, err := scanReminder(r.db.QueryRow(ctx, query, subscriptionID, typ, scheduledFor))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending reminder: %w", err)
	}
	return rem, nil
}

// ListPending returns every pending reminder of a subscription
func (r *PostgresReminderRepository) ListPending(ctx context.Context, subscriptionID uuid.UUID) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders
		WHERE subscription_id = $1 AND status = 'pending'
		ORDER BY scheduled_for`

	rows, err := r.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reminders: %w", err)
	}
	return out, nil
}

// SetJobID stores the queue correlation id
func (r *PostgresReminderRepository) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE reminders SET job_id = $2, updated_at = now() WHERE id = $1`, id, jobID)
	if err != nil {
		return fmt.Errorf("failed to set reminder job id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus performs a guarded status transition
func (r *PostgresReminderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, errMsg string) error {
	var errText *string
	if errMsg != "" {
		errText = &errMsg
	}

	result, err := r.db.Exec(ctx, `
		UPDATE reminders
		SET status = $3, error = COALESCE($4, error), updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, to, errText)
	if err != nil {
		return fmt.Errorf("failed to update reminder status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Delete removes a reminder
func (r *PostgresReminderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*Reminder, error) {
	rem := &Reminder{}
	err := row.Scan(
		&rem.ID,
		&rem.SubscriptionID,
		&rem.UserID,
		&rem.Type,
		&rem.ScheduledFor,
		&rem.Status,
		&rem.JobID,
		&rem.Error,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rem, nil
}

// PostgresPreferenceStore reads notification_preferences and users
type PostgresPreferenceStore struct {
	db db.DBTX
}

// NewPostgresPreferenceStore creates a preference and recipient store
func NewPostgresPreferenceStore(pool db.DBTX) *PostgresPreferenceStore {
	return &PostgresPreferenceStore{db: pool}
}

// GetReminderPreferences implements PreferenceStore
func (s *PostgresPreferenceStore) GetReminderPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	query := `
		SELECT reminders_enabled, trial_timings, billing_timings
		FROM notification_preferences
		WHERE user_id = $1`

	var p Preferences
	err := s.db.QueryRow(ctx, query, userID).Scan(&p.Enabled, &p.TrialTimings, &p.BillingTimings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder preferences: %w", err)
	}
	return &p, nil
}

// GetRecipient implements RecipientStore
func (s *PostgresPreferenceStore) GetRecipient(ctx context.Context, userID uuid.UUID) (*Recipient, error) {
	var rc Recipient
	err := s.db.QueryRow(ctx, `SELECT email, push_token FROM users WHERE id = $1`, userID).
		Scan(&rc.Email, &rc.PushToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return &rc, nil
}

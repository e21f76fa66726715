package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reminderCols = []string{
	"id", "subscription_id", "user_id", "reminder_type", "scheduled_for", "status", "job_id", "error", "created_at", "updated_at",
}

func TestPostgresReminderRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	rem := &Reminder{
		SubscriptionID: uuid.New(),
		UserID:         uuid.New(),
		Type:           TypeTrialEnding,
		ScheduledFor:   now.Add(24 * time.Hour),
	}

	mock.ExpectQuery(`INSERT INTO reminders`).
		WithArgs(pgxmock.AnyArg(), rem.SubscriptionID, rem.UserID, TypeTrialEnding, rem.ScheduledFor, StatusPending, (*string)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	require.NoError(t, NewPostgresReminderRepository(mock).Create(context.Background(), rem))
	assert.NotEqual(t, uuid.Nil, rem.ID)
	assert.Equal(t, StatusPending, rem.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReminderRepository_FindPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresReminderRepository(mock)
	subID := uuid.New()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	jobID := "reminder:abc"

	mock.ExpectQuery(`SELECT .+ FROM reminders WHERE subscription_id = \$1 AND reminder_type = \$2 AND scheduled_for = \$3 AND status = 'pending'`).
		WithArgs(subID, TypeBillingUpcoming, at).
		WillReturnRows(pgxmock.NewRows(reminderCols).
			AddRow(uuid.New(), subID, uuid.New(), "billing_upcoming", at, "pending", &jobID, nil, at, at))

	rem, err := repo.FindPending(context.Background(), subID, TypeBillingUpcoming, at)
	require.NoError(t, err)
	assert.Equal(t, TypeBillingUpcoming, rem.Type)
	assert.Equal(t, StatusPending, rem.Status)
	require.NotNil(t, rem.JobID)
	assert.Equal(t, jobID, *rem.JobID)
	assert.Nil(t, rem.Error)

	mock.ExpectQuery(`SELECT .+ FROM reminders`).
		WithArgs(subID, TypeTrialEnding, at).
		WillReturnRows(pgxmock.NewRows(reminderCols))
	_, err = repo.FindPending(context.Background(), subID, TypeTrialEnding, at)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReminderRepository_ListPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	subID := uuid.New()
	at := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM reminders WHERE subscription_id = \$1 AND status = 'pending'`).
		WithArgs(subID).
		WillReturnRows(pgxmock.NewRows(reminderCols).
			AddRow(uuid.New(), subID, uuid.New(), "trial_ending", at, "pending", nil, nil, at, at).
			AddRow(uuid.New(), subID, uuid.New(), "billing_upcoming", at.Add(time.Hour), "pending", nil, nil, at, at))

	rems, err := NewPostgresReminderRepository(mock).ListPending(context.Background(), subID)
	require.NoError(t, err)
	assert.Len(t, rems, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReminderRepository_StatusTransitions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresReminderRepository(mock)
	id := uuid.New()

	mock.ExpectExec(`UPDATE reminders\s+SET status = \$3`).
		WithArgs(id, StatusPending, StatusProcessing, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), id, StatusPending, StatusProcessing, ""))

	msg := "no channel delivered"
	mock.ExpectExec(`UPDATE reminders\s+SET status = \$3`).
		WithArgs(id, StatusProcessing, StatusFailed, &msg).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), id, StatusProcessing, StatusFailed, msg))

	mock.ExpectExec(`UPDATE reminders\s+SET status = \$3`).
		WithArgs(id, StatusPending, StatusProcessing, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, repo.UpdateStatus(context.Background(), id, StatusPending, StatusProcessing, ""), ErrStatusConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReminderRepository_SetJobIDAndDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresReminderRepository(mock)
	id := uuid.New()

	mock.ExpectExec(`UPDATE reminders SET job_id = \$2`).
		WithArgs(id, "reminder:1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.SetJobID(context.Background(), id, "reminder:1"))

	mock.ExpectExec(`DELETE FROM reminders WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), id), ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPreferenceStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresPreferenceStore(mock)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT reminders_enabled, trial_timings, billing_timings\s+FROM notification_preferences`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"reminders_enabled", "trial_timings", "billing_timings"}).
			AddRow(true, []string{"48h"}, nil))

	prefs, err := store.GetReminderPreferences(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.True(t, prefs.Enabled)
	assert.Equal(t, []string{"48h"}, prefs.TrialTimings)
	assert.Nil(t, prefs.BillingTimings)

	mock.ExpectQuery(`FROM notification_preferences`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"reminders_enabled", "trial_timings", "billing_timings"}))
	prefs, err = store.GetReminderPreferences(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, prefs)

	token := "ExponentPushToken[abcdefghijklmnop]"
	mock.ExpectQuery(`SELECT email, push_token FROM users`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"email", "push_token"}).AddRow("ana@example.com", &token))
	rc, err := store.GetRecipient(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", rc.Email)
	assert.Equal(t, token, *rc.PushToken)

	assert.NoError(t, mock.ExpectationsWereMet())
}

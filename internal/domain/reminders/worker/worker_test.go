package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/repository"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/service"
	subsrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	"github.com/FACorreiaa/subscription-tracker/pkg/push"
	"github.com/FACorreiaa/subscription-tracker/pkg/queue"
)

type stubReminders struct {
	repository.ReminderRepository
	rems map[uuid.UUID]*repository.Reminder
}

func (s *stubReminders) GetByID(_ context.Context, id uuid.UUID) (*repository.Reminder, error) {
	rem, ok := s.rems[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rem
	return &cp, nil
}

func (s *stubReminders) UpdateStatus(_ context.Context, id uuid.UUID, from, to repository.Status, errMsg string) error {
	rem, ok := s.rems[id]
	if !ok || rem.Status != from {
		return repository.ErrStatusConflict
	}
	rem.Status = to
	if errMsg != "" {
		rem.Error = &errMsg
	}
	return nil
}

type stubSubs map[uuid.UUID]*subsrepo.Subscription

func (s stubSubs) GetByID(_ context.Context, id uuid.UUID) (*subsrepo.Subscription, error) {
	sub, ok := s[id]
	if !ok {
		return nil, subsrepo.ErrNotFound
	}
	return sub, nil
}

type stubRecipients struct{ rc *repository.Recipient }

func (s stubRecipients) GetRecipient(context.Context, uuid.UUID) (*repository.Recipient, error) {
	if s.rc == nil {
		return nil, repository.ErrRecipientNotFound
	}
	return s.rc, nil
}

type recordingNotifier struct {
	channel string
	err     error
	sent    []Notification
}

func (r *recordingNotifier) Channel() string { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, _ *repository.Recipient, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

type fixture struct {
	reminders *stubReminders
	rem       *repository.Reminder
	job       queue.Job
	subs      stubSubs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	trialEnds := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	sub := &subsrepo.Subscription{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		ServiceName: "Netflix",
		Status:      subsrepo.StatusTrial,
		Amount:      decimal.RequireFromString("15.99"),
		Currency:    "USD",
		TrialEndsAt: &trialEnds,
	}
	rem := &repository.Reminder{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Type:           repository.TypeTrialEnding,
		ScheduledFor:   trialEnds.Add(-24 * time.Hour),
		Status:         repository.StatusPending,
	}
	payload, err := json.Marshal(service.JobPayload{ReminderID: rem.ID})
	require.NoError(t, err)

	return &fixture{
		reminders: &stubReminders{rems: map[uuid.UUID]*repository.Reminder{rem.ID: rem}},
		rem:       rem,
		job:       queue.Job{ID: "reminder:test", Payload: payload},
		subs:      stubSubs{sub.ID: sub},
	}
}

func (f *fixture) worker(rc *repository.Recipient, notifiers ...Notifier) *Worker {
	return New(f.reminders, f.subs, stubRecipients{rc: rc}, notifiers,
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestWorker_Sent(t *testing.T) {
	f := newFixture(t)
	pushN := &recordingNotifier{channel: "push"}
	mail := &recordingNotifier{channel: "email", err: errors.New("smtp down")}

	w := f.worker(&repository.Recipient{Email: "ana@example.com"}, pushN, mail)
	require.NoError(t, w.Handle(context.Background(), f.job))

	assert.Equal(t, repository.StatusSent, f.rem.Status)
	require.Len(t, pushN.sent, 1)
	assert.Equal(t, "Your Netflix trial is ending", pushN.sent[0].Title)
	assert.Contains(t, pushN.sent[0].Body, "$15.99")
	assert.Contains(t, pushN.sent[0].Body, "Apr 10")
}

func TestWorker_Failed(t *testing.T) {
	t.Run("every channel fails", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker(&repository.Recipient{Email: "ana@example.com"},
			&recordingNotifier{channel: "email", err: errors.New("smtp down")})

		require.NoError(t, w.Handle(context.Background(), f.job))
		assert.Equal(t, repository.StatusFailed, f.rem.Status)
		require.NotNil(t, f.rem.Error)
		assert.Contains(t, *f.rem.Error, "email: smtp down")
	})

	t.Run("no channel reaches the user", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker(&repository.Recipient{}, &recordingNotifier{channel: "push", err: ErrNoAddress})

		require.NoError(t, w.Handle(context.Background(), f.job))
		assert.Equal(t, repository.StatusFailed, f.rem.Status)
		assert.Equal(t, "no delivery channel available", *f.rem.Error)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		f := newFixture(t)
		delete(f.subs, f.rem.SubscriptionID)
		w := f.worker(&repository.Recipient{Email: "ana@example.com"}, &recordingNotifier{channel: "email"})

		require.NoError(t, w.Handle(context.Background(), f.job))
		assert.Equal(t, repository.StatusFailed, f.rem.Status)
	})
}

func TestWorker_SkipsHandledReminders(t *testing.T) {
	f := newFixture(t)
	n := &recordingNotifier{channel: "push"}
	w := f.worker(&repository.Recipient{Email: "ana@example.com"}, n)

	f.rem.Status = repository.StatusSent
	require.NoError(t, w.Handle(context.Background(), f.job))
	assert.Empty(t, n.sent)

	delete(f.reminders.rems, f.rem.ID)
	require.NoError(t, w.Handle(context.Background(), f.job))

	require.NoError(t, w.Handle(context.Background(), queue.Job{ID: "bad", Payload: []byte("{")}))
	assert.Empty(t, n.sent)
}

func TestRender_Billing(t *testing.T) {
	next := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sub := &subsrepo.Subscription{
		ServiceName:     "Spotify",
		Amount:          decimal.RequireFromString("9.99"),
		Currency:        "USD",
		NextBillingDate: &next,
	}
	n := Render(&repository.Reminder{Type: repository.TypeBillingUpcoming}, sub)
	assert.Equal(t, "Spotify renews soon", n.Title)
	assert.Equal(t, "Spotify will charge $9.99 on May 1.", n.Body)
}

type fakePush struct{ got *push.Message }

func (f *fakePush) Send(_ context.Context, msg *push.Message) (string, error) {
	f.got = msg
	return "ticket", nil
}

type fakeEmails struct{ got *resend.SendEmailRequest }

func (f *fakeEmails) SendWithContext(_ context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.got = req
	return &resend.SendEmailResponse{Id: "email-1"}, nil
}

func TestNotifiers(t *testing.T) {
	n := Notification{Title: "Netflix <trial>", Body: "ends soon"}

	p := &fakePush{}
	pn := NewPushNotifier(p)
	assert.ErrorIs(t, pn.Notify(context.Background(), &repository.Recipient{}, n), ErrNoAddress)
	token := "ExponentPushToken[abc]"
	require.NoError(t, pn.Notify(context.Background(), &repository.Recipient{PushToken: &token}, n))
	assert.Equal(t, token, p.got.To)

	e := &fakeEmails{}
	en := &EmailNotifier{emails: e, from: "reminders@subtrack.app"}
	assert.ErrorIs(t, en.Notify(context.Background(), &repository.Recipient{}, n), ErrNoAddress)
	require.NoError(t, en.Notify(context.Background(), &repository.Recipient{Email: "ana@example.com"}, n))
	assert.Equal(t, []string{"ana@example.com"}, e.got.To)
	assert.Contains(t, e.got.Html, "Netflix &lt;trial&gt;")
}

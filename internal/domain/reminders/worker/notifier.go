package worker

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/resend/resend-go/v2"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/repository"
	"github.com/FACorreiaa/subscription-tracker/pkg/push"
)

// ErrNoAddress is returned by a Notifier when the recipient cannot be
// reached on its channel. It counts as skipped, not failed.
var ErrNoAddress = errors.New("recipient has no address for this channel")

// Notification is a rendered reminder.
type Notification struct {
	Title string
	Body  string
	Data  map[string]any
}

// Notifier delivers a notification over one channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, to *repository.Recipient, n Notification) error
}

// PushSender is the subset of push.Service the push notifier needs.
type PushSender interface {
	Send(ctx context.Context, msg *push.Message) (string, error)
}

// PushNotifier sends reminders as Expo push notifications.
type PushNotifier struct {
	sender PushSender
}

func NewPushNotifier(sender PushSender) *PushNotifier {
	return &PushNotifier{sender: sender}
}

func (p *PushNotifier) Channel() string { return "push" }

func (p *PushNotifier) Notify(ctx context.Context, to *repository.Recipient, n Notification) error {
	if to.PushToken == nil || *to.PushToken == "" {
		return ErrNoAddress
	}
	_, err := p.sender.Send(ctx, &push.Message{
		To:       *to.PushToken,
		Title:    n.Title,
		Body:     n.Body,
		Data:     n.Data,
		Priority: "high",
	})
	return err
}

// EmailSender is the subset of resend's EmailsSvc used here.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailNotifier sends reminders through Resend.
type EmailNotifier struct {
	emails EmailSender
	from   string
}

// NewEmailNotifier builds a notifier on a Resend client.
func NewEmailNotifier(client *resend.Client, from string) *EmailNotifier {
	return &EmailNotifier{emails: client.Emails, from: from}
}

func (e *EmailNotifier) Channel() string { return "email" }

func (e *EmailNotifier) Notify(ctx context.Context, to *repository.Recipient, n Notification) error {
	if to.Email == "" {
		return ErrNoAddress
	}
	_, err := e.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    e.from,
		To:      []string{to.Email},
		Subject: n.Title,
		Html:    fmt.Sprintf("<h2>%s</h2><p>%s</p>", html.EscapeString(n.Title), html.EscapeString(n.Body)),
		Text:    n.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to send reminder email: %w", err)
	}
	return nil
}

// Package push sends Expo push notifications.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// ExpoPushURL is the Expo Push API endpoint
	ExpoPushURL = "https://exp.host/--/api/v2/push/send"

	// RequestTimeout for push requests
	RequestTimeout = 10 * time.Second
)

var (
	ErrMissingToken = errors.New("push token is required")
	ErrInvalidToken = errors.New("invalid Expo push token")
	// ErrDeviceNotRegistered means the token is stale and should be dropped.
	ErrDeviceNotRegistered = errors.New("device not registered")
)

// Message represents an Expo push notification message
type Message struct {
	To       string         `json:"to"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound,omitempty"`
	Priority string         `json:"priority,omitempty"` // "default", "normal", "high"
}

type response struct {
	Data []ticket `json:"data"`
}

type ticket struct {
	Status  string `json:"status"` // "ok" or "error"
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

// Service handles Expo Push notifications
type Service struct {
	client     *http.Client
	endpoint   string
	maxRetries uint64
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEndpoint points the service at another push API, mainly for tests.
func WithEndpoint(url string) Option {
	return func(s *Service) { s.endpoint = url }
}

// WithMaxRetries sets how often 5xx and transport failures are retried.
func WithMaxRetries(n uint64) Option {
	return func(s *Service) { s.maxRetries = n }
}

// NewService creates a new push notification service
func NewService(logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		client:     &http.Client{Timeout: RequestTimeout},
		endpoint:   ExpoPushURL,
		maxRetries: 2,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers msg and returns the Expo ticket id.
func (s *Service) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.To == "" {
		return "", ErrMissingToken
	}
	if !ValidToken(msg.To) {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, redact(msg.To))
	}
	if msg.Sound == "" {
		msg.Sound = "default"
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal push message: %w", err)
	}

	var resp response
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := s.post(ctx, payload)
		if err != nil {
			return err
		}
		resp = *r
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(resp.Data) == 0 {
		return "", errors.New("push response contained no ticket")
	}
	t := resp.Data[0]
	if t.Status == "error" {
		if t.Details.Error == "DeviceNotRegistered" {
			return "", ErrDeviceNotRegistered
		}
		errMsg := t.Message
		if t.Details.Error != "" {
			errMsg = t.Details.Error
		}
		s.logger.Warn("push notification rejected",
			slog.String("error", errMsg),
			slog.String("token", redact(msg.To)))
		return "", fmt.Errorf("push notification failed: %s", errMsg)
	}

	s.logger.Debug("push notification sent", slog.String("ticket_id", t.ID))
	return t.ID, nil
}

func (s *Service) post(ctx context.Context, payload []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("failed to send push notification: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read push response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, retry.RetryableError(fmt.Errorf("push service returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.Error("push request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return nil, fmt.Errorf("push request failed with status %d", resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse push response: %w", err)
	}
	return &out, nil
}

// ValidToken reports whether token looks like an Expo push token.
func ValidToken(token string) bool {
	if !strings.HasSuffix(token, "]") {
		return false
	}
	return strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")
}

func redact(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}

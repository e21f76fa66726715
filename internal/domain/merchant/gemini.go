package merchant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ContentGenerator is the subset of genai.Models the classifier uses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig tunes the Gemini classifier.
type GeminiConfig struct {
	Model          string
	RatePerSecond  float64
	Burst          int
	MaxRetries     uint64
	RequestTimeout time.Duration
}

// GeminiClassifier asks a Gemini model which subscription service a
// description belongs to.
type GeminiClassifier struct {
	models  ContentGenerator
	cfg     GeminiConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGeminiClient builds a genai client for the Gemini API.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// NewGeminiClassifier creates a classifier backed by models (usually client.Models).
func NewGeminiClassifier(models ContentGenerator, cfg GeminiConfig, logger *slog.Logger) *GeminiClassifier {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &GeminiClassifier{
		models:  models,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
}

const classifyPrompt = "You identify consumer subscription services from bank statement lines.\n\n" +
	"Statement line: %q\n\n" +
	"Rules:\n" +
	"- If the line is a charge from a known subscription service (streaming, software, cloud storage, news, fitness, gaming), " +
	"set \"serviceName\" to the service's common brand name, e.g. \"Netflix\" or \"Adobe\".\n" +
	"- Otherwise set \"serviceName\" to null.\n" +
	"- Set \"confidence\" to a number between 0 and 1.\n\n" +
	"Return ONLY a raw JSON object with keys \"serviceName\" and \"confidence\".\n" +
	"Do NOT wrap the response in code fences.\n"

// Classify implements Classifier. Transient API failures are retried;
// malformed replies are returned as errors for the resolver to degrade.
func (c *GeminiClassifier) Classify(ctx context.Context, description string) (Classification, error) {
	var out Classification

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		contents := []*genai.Content{
			genai.NewContentFromText(fmt.Sprintf(classifyPrompt, description), genai.RoleUser),
		}
		resp, err := c.models.GenerateContent(reqCtx, c.cfg.Model, contents, &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0),
		})
		if err != nil {
			if isTransient(err) {
				c.logger.Debug("gemini classify retrying", slog.Any("error", err))
				return retry.RetryableError(err)
			}
			return fmt.Errorf("generate content: %w", err)
		}

		parsed, err := parseClassification(resp.Text())
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	if err != nil {
		return Classification{}, err
	}
	return out, nil
}

func parseClassification(raw string) (Classification, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return Classification{}, errors.New("empty response from model")
	}

	var c Classification
	if err := json.Unmarshal([]byte(clean), &c); err != nil {
		return Classification{}, fmt.Errorf("unmarshal classification: %w", err)
	}
	c.Confidence = clamp01(c.Confidence)
	if c.ServiceName != nil && strings.TrimSpace(*c.ServiceName) == "" {
		c.ServiceName = nil
	}
	return c, nil
}

// cleanModelJSON strips code fences and surrounding prose, keeping the
// outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code == http.StatusTooManyRequests || apiErrPtr.Code >= http.StatusInternalServerError
	}
	return false
}

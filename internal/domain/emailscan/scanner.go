// Package emailscan finds subscriptions in a user's mailbox.
//
// Each email is classified by keyword rules, its merchant is resolved with
// the same Resolver the bank import uses, and any price is extracted. The
// pieces add up to a confidence that routes the email to automatic
// creation, to a pending review list, or away. Receipts from a batch are
// turned into transactions and fed to the recurrence detector, so grouping
// and scoring are shared with bank imports.
package emailscan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/detector"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/normalizer"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/merchant"
	"github.com/FACorreiaa/subscription-tracker/pkg/config"
	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
)

// Route is where a scanned email goes next.
type Route string

const (
	RouteAutoCreate Route = "auto_create"
	RoutePending    Route = "pending"
	RouteDiscard    Route = "discard"
)

// Confidence contributions. Keyword weight is capped at maxKeywordScore.
const (
	maxKeywordScore = 0.4
	merchantScore   = 0.4
	priceScore      = 0.2
)

// Email is the part of a message the scanner reads.
type Email struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Candidate is a possible subscription found in one email.
type Candidate struct {
	EmailID             string         `json:"emailId"`
	Kind                Kind           `json:"kind"`
	MerchantName        string         `json:"merchantName"`
	ResolvedServiceName *string        `json:"resolvedServiceName"`
	Match               merchant.Match `json:"match"`
	Price               *Price         `json:"price,omitempty"`
	Keywords            []string       `json:"keywords"`
	Confidence          float64        `json:"confidence"`
	Route               Route          `json:"route"`
	ReceivedAt          time.Time      `json:"receivedAt"`
}

// Detector groups transactions into recurring charges.
type Detector interface {
	Detect(txs []normalizer.Transaction) []detector.Group
}

// BatchResult is the outcome of scanning a mailbox page.
type BatchResult struct {
	Candidates      []Candidate      `json:"candidates"`
	RecurringGroups []detector.Group `json:"recurringGroups"`
}

// Scanner scores emails. It is safe for concurrent use.
type Scanner struct {
	rules       *RuleSet
	resolver    normalizer.Resolver
	detector    Detector
	policy      config.EmailScanConfig
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Scanner with DefaultRules.
func New(
	resolver normalizer.Resolver,
	det Detector,
	policy config.EmailScanConfig,
	concurrency int,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Scanner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scanner{
		rules:       NewRuleSet(DefaultRules()),
		resolver:    resolver,
		detector:    det,
		policy:      policy,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// WithRules swaps the keyword rules.
func (s *Scanner) WithRules(rules []Rule) *Scanner {
	s.rules = NewRuleSet(rules)
	return s
}

// Scan scores a single email.
func (s *Scanner) Scan(ctx context.Context, email Email) Candidate {
	c := Candidate{
		EmailID:    email.ID,
		ReceivedAt: email.ReceivedAt,
		Match:      merchant.NoMatch(),
	}

	cls := s.rules.Classify(email.Subject + "\n" + email.Body)
	c.Kind = cls.Kind
	c.Keywords = cls.Keywords

	c.MerchantName = senderHint(email.From)
	c.Match = s.resolver.Resolve(ctx, c.MerchantName)
	if c.Match.Source == merchant.SourceNone && email.Subject != "" {
		if m := s.resolver.Resolve(ctx, email.Subject); m.Source != merchant.SourceNone {
			c.Match = m
		}
	}
	c.ResolvedServiceName = c.Match.ServiceName

	c.Price = extractPrice(email.Subject + "\n" + email.Body)

	c.Confidence = score(cls, c.Match, c.Price)
	c.Route = s.route(c)
	s.metrics.EmailRouted(string(c.Route))
	return c
}

func score(cls Classification, m merchant.Match, p *Price) float64 {
	if cls.Kind == KindUnknown {
		return 0
	}
	conf := min(cls.Weight, maxKeywordScore)
	conf += merchantScore * m.Confidence
	if p != nil {
		conf += priceScore
	}
	conf = max(0, min(1, conf))
	return math.Round(conf*10000) / 10000
}

func (s *Scanner) route(c Candidate) Route {
	switch {
	case c.Kind == KindUnknown:
		return RouteDiscard
	case c.Confidence >= s.policy.AutoCreateThreshold:
		return RouteAutoCreate
	case c.Confidence >= s.policy.PendingThreshold:
		return RoutePending
	default:
		return RouteDiscard
	}
}

// ScanBatch scans emails with bounded parallelism, then runs recurrence
// detection over the priced receipts and billing notices.
func (s *Scanner) ScanBatch(ctx context.Context, emails []Email) (*BatchResult, error) {
	candidates := make([]Candidate, len(emails))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, email := range emails {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			candidates[i] = s.Scan(gctx, email)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to scan emails: %w", err)
	}

	result := &BatchResult{Candidates: candidates}
	if s.detector != nil {
		result.RecurringGroups = s.detector.Detect(toTransactions(candidates))
	}

	s.logger.Info("email batch scanned",
		slog.Int("emails", len(emails)),
		slog.Int("recurring_groups", len(result.RecurringGroups)))
	return result, nil
}

// toTransactions turns charge-bearing candidates into debits.
func toTransactions(candidates []Candidate) []normalizer.Transaction {
	var txs []normalizer.Transaction
	for _, c := range candidates {
		if c.Route == RouteDiscard || c.Price == nil || c.ReceivedAt.IsZero() {
			continue
		}
		if c.Kind != KindReceipt && c.Kind != KindBilling {
			continue
		}
		id := c.EmailID
		if id == "" {
			id = uuid.NewString()
		}
		date := c.ReceivedAt.UTC()
		txs = append(txs, normalizer.Transaction{
			ID:                  id,
			Date:                date.Format("2006-01-02"),
			NormalizedDate:      date,
			Description:         c.MerchantName,
			Amount:              c.Price.Amount.Neg(),
			MerchantName:        c.MerchantName,
			ResolvedServiceName: c.ResolvedServiceName,
			MatchConfidence:     c.Match.Confidence,
			MatchSource:         c.Match.Source,
		})
	}
	return txs
}

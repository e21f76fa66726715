// Package normalizer turns extracted statement rows into transactions with
// parsed dates and resolved merchant identities.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/parser"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/sniffer"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/merchant"
)

var (
	ErrNoTransactions = errors.New("no transactions to normalize")
	ErrInvalidDate    = errors.New("invalid transaction date")
)

// Transaction is a statement row enriched with resolution metadata.
// It is immutable once Normalize returns it.
type Transaction struct {
	ID                  string           `json:"id"`
	Date                string           `json:"date"`
	NormalizedDate      time.Time        `json:"normalizedDate"`
	Description         string           `json:"description"`
	Amount              decimal.Decimal  `json:"amount"`
	Balance             *decimal.Decimal `json:"balance,omitempty"`
	MerchantName        string           `json:"merchantName"`
	ResolvedServiceName *string          `json:"resolvedServiceName"`
	MatchConfidence     float64          `json:"matchConfidence"`
	MatchSource         merchant.Source  `json:"matchSource"`
}

// IsDebit reports whether the transaction is money out.
func (t Transaction) IsDebit() bool {
	return t.Amount.IsNegative()
}

// Resolver identifies the service behind a description.
type Resolver interface {
	Resolve(ctx context.Context, description string) merchant.Match
}

// Normalizer enriches raw transactions. Resolution runs in parallel with
// at most concurrency calls in flight, and each distinct description is
// resolved once per batch.
type Normalizer struct {
	resolver    Resolver
	concurrency int
	newID       func() string
	logger      *slog.Logger
}

// New creates a Normalizer
func New(resolver Resolver, concurrency int, logger *slog.Logger) *Normalizer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Normalizer{
		resolver:    resolver,
		concurrency: concurrency,
		newID:       uuid.NewString,
		logger:      logger,
	}
}

// Normalize returns one Transaction per raw row, in input order.
func (n *Normalizer) Normalize(ctx context.Context, raw []parser.RawTransaction) ([]Transaction, error) {
	if len(raw) == 0 {
		return nil, ErrNoTransactions
	}

	order := batchDateOrder(raw)
	out := make([]Transaction, len(raw))
	for i, r := range raw {
		date, err := ParseDate(r.Date, order)
		if err != nil {
			return nil, fmt.Errorf("%w at row %d: %v", ErrInvalidDate, i+1, err)
		}
		out[i] = Transaction{
			ID:             n.newID(),
			Date:           r.Date,
			NormalizedDate: date,
			Description:    r.Description,
			Amount:         r.Amount,
			Balance:        r.Balance,
			MerchantName:   r.Description,
		}
	}

	matches, err := n.resolveDistinct(ctx, raw)
	if err != nil {
		return nil, err
	}
	for i := range out {
		m := matches[resolveKey(out[i].Description)]
		out[i].ResolvedServiceName = m.ServiceName
		out[i].MatchConfidence = m.Confidence
		out[i].MatchSource = m.Source
	}

	n.logger.Debug("transactions normalized",
		slog.Int("count", len(out)),
		slog.String("date_order", string(order)),
		slog.Int("distinct_merchants", len(matches)))

	return out, nil
}

func (n *Normalizer) resolveDistinct(ctx context.Context, raw []parser.RawTransaction) (map[string]merchant.Match, error) {
	// descriptions holds the first raw description seen for each key
	var descriptions []string
	seen := make(map[string]int)
	for _, r := range raw {
		k := resolveKey(r.Description)
		if _, ok := seen[k]; !ok {
			seen[k] = len(descriptions)
			descriptions = append(descriptions, r.Description)
		}
	}

	results := make([]merchant.Match, len(descriptions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for i, desc := range descriptions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = n.resolver.Resolve(gctx, desc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to resolve merchants: %w", err)
	}

	matches := make(map[string]merchant.Match, len(descriptions))
	for k, i := range seen {
		matches[k] = results[i]
	}
	return matches, nil
}

func resolveKey(description string) string {
	return strings.ToUpper(strings.TrimSpace(description))
}

// isoFormats are year-first or spelled-out layouts that read the same in
// every region.
var isoFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2 Jan 2006",
	"Jan 2, 2006",
}

var dayFirstFormats = []string{
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2/1/2006 15:04",
	"2-1-2006 15:04",
}

var monthFirstFormats = []string{
	"1/2/2006",
	"1-2-2006",
	"1.2.2006",
	"1/2/2006 15:04",
	"1-2-2006 15:04",
}

// batchDateOrder returns the order the extractor detected for the file, or
// probes the batch itself when the rows carry none.
func batchDateOrder(raw []parser.RawTransaction) sniffer.DateOrder {
	dates := make([]string, len(raw))
	for i, r := range raw {
		if r.DateOrder != sniffer.DateOrderUnknown {
			return r.DateOrder
		}
		dates[i] = r.Date
	}
	return sniffer.ProbeDateOrder(dates, sniffer.Dialect{})
}

// ParseDate parses a statement date into a UTC calendar day. Numeric dates
// are read in the given order only; with DateOrderUnknown day-first is tried
// before month-first.
func ParseDate(s string, order sniffer.DateOrder) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	layouts := isoFormats
	switch order {
	case sniffer.DateOrderDayFirst:
		layouts = append(slices.Clip(layouts), dayFirstFormats...)
	case sniffer.DateOrderMonthFirst:
		layouts = append(slices.Clip(layouts), monthFirstFormats...)
	default:
		layouts = slices.Concat(layouts, dayFirstFormats, monthFirstFormats)
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized %s date: %s", orderName(order), s)
}

func orderName(order sniffer.DateOrder) string {
	if order == sniffer.DateOrderUnknown {
		return "format"
	}
	return string(order)
}

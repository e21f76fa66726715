// Package detector finds recurring charges in a batch of normalized
// transactions.
//
// Confidence is an additive heuristic built from the configured policy
// table (baseline plus bonuses for amount consistency, a known cycle and
// volume). It is not a probability and is not normalized further.
package detector

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/normalizer"
	"github.com/FACorreiaa/subscription-tracker/pkg/config"
	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
)

// Cycle is the cadence of a recurring charge.
type Cycle string

const (
	CycleWeekly  Cycle = "weekly"
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
	CycleUnknown Cycle = "unknown"
)

// Days returns the nominal length of one cycle, zero for unknown.
func (c Cycle) Days() int {
	switch c {
	case CycleWeekly:
		return 7
	case CycleMonthly:
		return 30
	case CycleYearly:
		return 365
	}
	return 0
}

// Next returns the date one cycle after t. Monthly and yearly cycles follow
// the calendar rather than a fixed number of days.
func (c Cycle) Next(t time.Time) time.Time {
	switch c {
	case CycleWeekly:
		return t.AddDate(0, 0, 7)
	case CycleMonthly:
		return t.AddDate(0, 1, 0)
	case CycleYearly:
		return t.AddDate(1, 0, 0)
	}
	return t
}

// Group is a cluster of debits believed to be one subscription.
type Group struct {
	MerchantName        string                   `json:"merchantName"`
	ResolvedServiceName *string                  `json:"resolvedServiceName"`
	Transactions        []normalizer.Transaction `json:"transactions"`
	TypicalAmount       decimal.Decimal          `json:"typicalAmount"`
	BillingCycle        Cycle                    `json:"billingCycle"`
	Confidence          float64                  `json:"confidence"`
}

// DisplayName prefers the resolved service name.
func (g Group) DisplayName() string {
	if g.ResolvedServiceName != nil {
		return *g.ResolvedServiceName
	}
	return g.MerchantName
}

// Last returns the most recent charge in the group.
func (g Group) Last() normalizer.Transaction {
	return g.Transactions[len(g.Transactions)-1]
}

// PatternAnalysis is the scoring breakdown for one candidate group.
type PatternAnalysis struct {
	IsRecurring      bool            `json:"isRecurring"`
	Cycle            Cycle           `json:"cycle"`
	TypicalAmount    decimal.Decimal `json:"typicalAmount"`
	AmountConsistent bool            `json:"amountConsistent"`
	AverageGapDays   float64         `json:"averageGapDays"`
	Confidence       float64         `json:"confidence"`
}

// Detector groups and scores transactions.
type Detector struct {
	policy  config.DetectionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Detector. m may be nil.
func New(policy config.DetectionConfig, logger *slog.Logger, m *metrics.Metrics) *Detector {
	return &Detector{policy: policy, logger: logger, metrics: m}
}

// Detect returns the recurring groups in txs, highest confidence first.
// Groups with equal confidence keep the order their first debit appeared in.
func (d *Detector) Detect(txs []normalizer.Transaction) []Group {
	var order []string
	buckets := make(map[string][]normalizer.Transaction)
	for _, tx := range txs {
		if !tx.IsDebit() {
			continue
		}
		key := groupKey(tx)
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], tx)
	}

	groups := make([]Group, 0)
	for _, key := range order {
		members := buckets[key]
		if len(members) < 2 {
			continue
		}

		analysis := d.AnalyzePattern(members)
		if !analysis.IsRecurring {
			continue
		}

		groups = append(groups, Group{
			MerchantName:        members[0].MerchantName,
			ResolvedServiceName: members[0].ResolvedServiceName,
			Transactions:        sortedByDate(members),
			TypicalAmount:       analysis.TypicalAmount,
			BillingCycle:        analysis.Cycle,
			Confidence:          analysis.Confidence,
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Confidence > groups[j].Confidence
	})

	d.metrics.RecurringDetected(len(groups))
	d.logger.Debug("recurrence detection finished",
		slog.Int("transactions", len(txs)),
		slog.Int("candidates", len(order)),
		slog.Int("recurring", len(groups)))

	return groups
}

// AnalyzePattern scores one group of transactions. It does not filter
// credits or check group size; Detect does that before calling it.
func (d *Detector) AnalyzePattern(txs []normalizer.Transaction) PatternAnalysis {
	if len(txs) == 0 {
		return PatternAnalysis{Cycle: CycleUnknown}
	}
	sorted := sortedByDate(txs)

	sum := decimal.Zero
	lo, hi := sorted[0].Amount.Abs(), sorted[0].Amount.Abs()
	for _, tx := range sorted {
		a := tx.Amount.Abs()
		sum = sum.Add(a)
		lo = decimal.Min(lo, a)
		hi = decimal.Max(hi, a)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(sorted))))
	tolerance := mean.Mul(decimal.NewFromFloat(d.policy.AmountTolerance))
	consistent := hi.Sub(lo).LessThan(tolerance)

	avgGap := averageGapDays(sorted)
	cycle := d.classify(avgGap, len(sorted))

	confidence := d.policy.Baseline
	if consistent {
		confidence += d.policy.AmountConsistencyBonus
	}
	if cycle != CycleUnknown {
		confidence += d.policy.CycleKnownBonus
	}
	if len(sorted) >= d.policy.VolumeMinTransactions {
		confidence += d.policy.VolumeBonus
	}
	confidence = math.Round(math.Min(confidence, 1)*1e4) / 1e4

	return PatternAnalysis{
		IsRecurring:      confidence >= d.policy.RecurringThreshold,
		Cycle:            cycle,
		TypicalAmount:    mean.Round(2),
		AmountConsistent: consistent,
		AverageGapDays:   avgGap,
		Confidence:       confidence,
	}
}

func (d *Detector) classify(avgGap float64, n int) Cycle {
	if n < 2 {
		return CycleUnknown
	}
	for _, r := range d.policy.Cycles {
		if avgGap >= float64(r.MinDays) && avgGap <= float64(r.MaxDays) {
			return Cycle(r.Cycle)
		}
	}
	return CycleUnknown
}

// averageGapDays is the mean of the whole-day gaps between consecutive
// charges. Partial days round up.
func averageGapDays(sorted []normalizer.Transaction) float64 {
	if len(sorted) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(sorted); i++ {
		hours := math.Abs(sorted[i].NormalizedDate.Sub(sorted[i-1].NormalizedDate).Hours())
		total += math.Ceil(hours / 24)
	}
	return total / float64(len(sorted)-1)
}

func groupKey(tx normalizer.Transaction) string {
	if tx.ResolvedServiceName != nil {
		return *tx.ResolvedServiceName
	}
	return tx.MerchantName
}

func sortedByDate(txs []normalizer.Transaction) []normalizer.Transaction {
	out := make([]normalizer.Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NormalizedDate.Before(out[j].NormalizedDate)
	})
	return out
}

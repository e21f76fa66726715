package emailscan

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Kind is what a subscription email is about.
type Kind string

const (
	KindTrial   Kind = "trial"
	KindBilling Kind = "billing"
	KindReceipt Kind = "receipt"
	KindUnknown Kind = "unknown"
)

// kindPriority breaks ties between kinds with the same total weight.
var kindPriority = map[Kind]int{
	KindTrial:   3,
	KindBilling: 2,
	KindReceipt: 1,
}

// Rule is one detection keyword. Keywords match case-insensitively anywhere
// in the subject or body.
type Rule struct {
	Keyword string
	Kind    Kind
	Weight  float64
}

// DefaultRules covers English and Portuguese subscription mail.
func DefaultRules() []Rule {
	return []Rule{
		{"free trial", KindTrial, 0.35},
		{"trial ends", KindTrial, 0.4},
		{"trial is ending", KindTrial, 0.4},
		{"trial will end", KindTrial, 0.4},
		{"período experimental", KindTrial, 0.35},
		{"teste gratuito", KindTrial, 0.35},

		{"will renew", KindBilling, 0.35},
		{"upcoming payment", KindBilling, 0.35},
		{"renewal notice", KindBilling, 0.4},
		{"subscription renews", KindBilling, 0.4},
		{"next billing date", KindBilling, 0.35},
		{"será renovada", KindBilling, 0.35},

		{"receipt", KindReceipt, 0.3},
		{"invoice", KindReceipt, 0.25},
		{"payment confirmation", KindReceipt, 0.3},
		{"thanks for your payment", KindReceipt, 0.3},
		{"your subscription", KindReceipt, 0.15},
		{"recibo", KindReceipt, 0.3},
		{"fatura", KindReceipt, 0.25},
	}
}

// Classification is the outcome of running the rule set over an email.
type Classification struct {
	Kind     Kind
	Weight   float64
	Keywords []string
}

// RuleSet matches every keyword in one pass over the text.
type RuleSet struct {
	matcher  *ahocorasick.Matcher
	keywords []string
	rules    [][]Rule // rules per unique keyword, same order as keywords
}

// NewRuleSet builds the matcher. Duplicate keywords are grouped.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	index := make(map[string]int)
	for _, r := range rules {
		k := strings.ToLower(strings.TrimSpace(r.Keyword))
		if k == "" {
			continue
		}
		if i, ok := index[k]; ok {
			rs.rules[i] = append(rs.rules[i], r)
			continue
		}
		index[k] = len(rs.keywords)
		rs.keywords = append(rs.keywords, k)
		rs.rules = append(rs.rules, []Rule{r})
	}
	if len(rs.keywords) > 0 {
		rs.matcher = ahocorasick.NewStringMatcher(rs.keywords)
	}
	return rs
}

// Classify picks the kind with the highest summed weight and reports that
// sum as Weight.
func (rs *RuleSet) Classify(text string) Classification {
	if rs.matcher == nil {
		return Classification{Kind: KindUnknown}
	}

	hits := rs.matcher.MatchThreadSafe([]byte(strings.ToLower(text)))
	if len(hits) == 0 {
		return Classification{Kind: KindUnknown}
	}

	totals := make(map[Kind]float64)
	keywords := make([]string, 0, len(hits))
	for _, i := range hits {
		if i < 0 || i >= len(rs.keywords) {
			continue
		}
		keywords = append(keywords, rs.keywords[i])
		for _, r := range rs.rules[i] {
			totals[r.Kind] += r.Weight
		}
	}

	best := Classification{Kind: KindUnknown}
	for kind, w := range totals {
		if w > best.Weight || (w == best.Weight && kindPriority[kind] > kindPriority[best.Kind]) {
			best.Kind, best.Weight = kind, w
		}
	}
	best.Keywords = keywords
	return best
}

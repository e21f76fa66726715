// Package merchant resolves raw statement descriptions to canonical
// subscription service names.
//
// Resolution is tiered by cost: the alias table is consulted first and the
// probabilistic classifier only runs when no alias pattern matches.
package merchant

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Source identifies which tier produced a match.
type Source string

const (
	SourceAliasDB       Source = "alias_db"
	SourceProbabilistic Source = "probabilistic"
	SourceNone          Source = "none"
)

// AliasConfidence is the fixed confidence of an alias-table hit.
const AliasConfidence = 0.95

// Match is the outcome of resolving one description.
// ServiceName is nil and Confidence is 0 exactly when Source is SourceNone.
type Match struct {
	ServiceName *string `json:"serviceName"`
	Confidence  float64 `json:"confidence"`
	Source      Source  `json:"source"`
}

// NoMatch is the degraded result every failure path returns.
func NoMatch() Match {
	return Match{Source: SourceNone}
}

// Alias maps a wildcard pattern such as "NETFLIX*" to a service name.
type Alias struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	ServiceName string `json:"service_name"`
	Priority    int    `json:"priority"`
}

// AliasStore returns every known alias in match order.
type AliasStore interface {
	ListAliases(ctx context.Context) ([]Alias, error)
}

// Classification is the reply of a probabilistic classifier.
type Classification struct {
	ServiceName *string `json:"serviceName"`
	Confidence  float64 `json:"confidence"`
}

// Classifier identifies the service behind free-text descriptions.
type Classifier interface {
	Classify(ctx context.Context, description string) (Classification, error)
}

// CompilePattern turns an alias pattern into a case-insensitive regexp
// anchored at the start. Every character is literal except '*', which
// matches any run of characters. Whitespace is part of the pattern.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty alias pattern")
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	re, err := regexp.Compile("(?i)^" + expr)
	if err != nil {
		return nil, fmt.Errorf("compile alias pattern %q: %w", pattern, err)
	}
	return re, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

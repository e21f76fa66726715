package merchant

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
)

// Resolver maps descriptions to services. It never returns an error: store
// and classifier failures degrade to NoMatch and are logged.
type Resolver struct {
	aliases    AliasStore
	classifier Classifier
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// compiled memoizes alias regexps by pattern text; nil marks an invalid pattern.
	compiled sync.Map
}

// NewResolver creates a resolver. classifier may be nil, in which case
// unmatched descriptions resolve to NoMatch.
func NewResolver(aliases AliasStore, classifier Classifier, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		aliases:    aliases,
		classifier: classifier,
		logger:     logger,
		metrics:    m,
	}
}

// Resolve runs the alias tier then the probabilistic tier.
func (r *Resolver) Resolve(ctx context.Context, description string) Match {
	m := r.resolve(ctx, description)
	r.metrics.MerchantResolved(string(m.Source))
	return m
}

func (r *Resolver) resolve(ctx context.Context, description string) Match {
	normalized := strings.ToUpper(strings.TrimSpace(description))
	if normalized == "" {
		return NoMatch()
	}

	if name, ok := r.matchAlias(ctx, normalized); ok {
		return Match{ServiceName: &name, Confidence: AliasConfidence, Source: SourceAliasDB}
	}

	if r.classifier == nil {
		return NoMatch()
	}
	return r.classify(ctx, description)
}

func (r *Resolver) matchAlias(ctx context.Context, normalized string) (string, bool) {
	if r.aliases == nil {
		return "", false
	}
	aliases, err := r.aliases.ListAliases(ctx)
	if err != nil {
		r.logger.Warn("alias lookup failed, skipping alias tier", slog.Any("error", err))
		return "", false
	}

	for _, a := range aliases {
		re := r.pattern(a.Pattern)
		if re != nil && re.MatchString(normalized) {
			return a.ServiceName, true
		}
	}
	return "", false
}

func (r *Resolver) pattern(p string) *regexp.Regexp {
	if v, ok := r.compiled.Load(p); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := CompilePattern(p)
	if err != nil {
		r.logger.Warn("ignoring invalid alias pattern", slog.String("pattern", p), slog.Any("error", err))
		re = nil
	}
	r.compiled.Store(p, re)
	return re
}

func (r *Resolver) classify(ctx context.Context, description string) Match {
	c, err := r.classifier.Classify(ctx, description)
	if err != nil {
		r.logger.Warn("merchant classifier failed",
			slog.String("description", description),
			slog.Any("error", err),
		)
		return NoMatch()
	}

	if c.ServiceName == nil {
		return NoMatch()
	}
	name := strings.TrimSpace(*c.ServiceName)
	confidence := clamp01(c.Confidence)
	if name == "" || confidence == 0 {
		return NoMatch()
	}
	return Match{ServiceName: &name, Confidence: confidence, Source: SourceProbabilistic}
}

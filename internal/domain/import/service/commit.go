package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/detector"
	subsrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	subsservice "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/service"
)

// CommitResult lists the subscriptions created from a review session.
type CommitResult struct {
	Created  []*subsrepo.Subscription `json:"created"`
	Warnings []string                 `json:"warnings,omitempty"`
}

// Commit turns the recurring groups the user confirmed into subscriptions.
// A group is confirmed when any of its transaction ids is in
// transactionIDs. Each subscription is created on its own; a failed group
// is reported as a warning and does not undo the others. Reminder
// scheduling happens inside the subscription service after each write.
func (p *Processor) Commit(ctx context.Context, userID, sessionID uuid.UUID, transactionIDs []string, currency string) (*CommitResult, error) {
	sess, ok := p.sessions.Get(sessionID)
	if !ok || sess.userID != userID {
		return nil, ErrSessionNotFound
	}

	confirmed := make(map[string]struct{}, len(transactionIDs))
	for _, id := range transactionIDs {
		confirmed[id] = struct{}{}
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = p.cfg.DefaultCurrency
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := p.clock.Now()
	result := &CommitResult{Created: []*subsrepo.Subscription{}}
	failed := 0
	for i, g := range sess.result.RecurringGroups {
		if _, done := sess.committed[i]; done || !intersects(g, confirmed) {
			continue
		}

		cycle := subsrepo.BillingCycle(g.BillingCycle)
		res, err := p.creator.Create(ctx, subsservice.CreateInput{
			UserID:          userID,
			ServiceName:     g.DisplayName(),
			Status:          subsrepo.StatusActive,
			Amount:          g.TypicalAmount,
			Currency:        currency,
			BillingCycle:    cycle,
			NextBillingDate: subsservice.NextBillingAfter(g.Last().NormalizedDate, cycle, now),
			Source:          subsrepo.SourceBankImport,
		})
		if err != nil {
			failed++
			p.logger.Warn("failed to create subscription from import",
				slog.String("session_id", sessionID.String()),
				slog.String("service", g.DisplayName()),
				slog.Any("error", err))
			result.Warnings = append(result.Warnings, g.DisplayName()+": subscription could not be created")
			continue
		}

		sess.committed[i] = struct{}{}
		result.Created = append(result.Created, res.Subscription)
		for _, w := range res.Warnings {
			result.Warnings = append(result.Warnings, g.DisplayName()+": "+w)
		}
	}

	// Keep the session when something failed so the user can retry the
	// remaining groups.
	if failed == 0 {
		p.sessions.Delete(sessionID)
	}

	p.logger.Info("import committed",
		slog.String("session_id", sessionID.String()),
		slog.Int("created", len(result.Created)),
		slog.Int("failed", failed))
	return result, nil
}

func intersects(g detector.Group, ids map[string]struct{}) bool {
	for _, tx := range g.Transactions {
		if _, ok := ids[tx.ID]; ok {
			return true
		}
	}
	return false
}

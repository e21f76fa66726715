// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ReminderRefresher re-runs reminder scheduling for every live subscription.
type ReminderRefresher interface {
	RefreshReminders(ctx context.Context) (int, error)
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	spec      string
	refresher ReminderRefresher
	timeout   time.Duration
	logger    *slog.Logger

	// one refresh at a time; a manual run and the nightly tick may overlap
	running sync.Mutex
}

// NewScheduler creates a new job scheduler. spec is a standard 5-field
// cron expression.
func NewScheduler(spec string, refresher ReminderRefresher, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:      c,
		spec:      spec,
		refresher: refresher,
		timeout:   30 * time.Minute,
		logger:    logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.refreshReminders); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.String("reminder_refresh", s.spec),
		slog.Int("jobs", len(s.cron.Entries())),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow triggers the reminder refresh outside the schedule.
func (s *Scheduler) RunNow() {
	go s.refreshReminders()
}

func (s *Scheduler) refreshReminders() {
	if !s.running.TryLock() {
		s.logger.Info("reminder refresh already running, skipping")
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	s.logger.Info("starting nightly reminder refresh")

	created, err := s.refresher.RefreshReminders(ctx)
	if err != nil {
		s.logger.Error("reminder refresh finished with errors",
			slog.Int("reminders_created", created),
			slog.Any("error", err),
		)
		return
	}

	s.logger.Info("reminder refresh completed",
		slog.Int("reminders_created", created),
		slog.Duration("took", time.Since(start)),
	)
}

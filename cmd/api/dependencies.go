package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/emailscan"
	emailscanhandler "github.com/FACorreiaa/subscription-tracker/internal/domain/emailscan/handler"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/detector"
	importhandler "github.com/FACorreiaa/subscription-tracker/internal/domain/import/handler"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/normalizer"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/parser"
	importservice "github.com/FACorreiaa/subscription-tracker/internal/domain/import/service"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/merchant"
	remindersrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/repository"
	remindersservice "github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/service"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/reminders/worker"
	subscriptionshandler "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/handler"
	subscriptionsrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	subscriptionsservice "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/service"

	"github.com/FACorreiaa/subscription-tracker/pkg/cache"
	"github.com/FACorreiaa/subscription-tracker/pkg/config"
	"github.com/FACorreiaa/subscription-tracker/pkg/cron"
	"github.com/FACorreiaa/subscription-tracker/pkg/db"
	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
	"github.com/FACorreiaa/subscription-tracker/pkg/push"
	"github.com/FACorreiaa/subscription-tracker/pkg/queue"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config  *config.Config
	DB      *db.DB
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Repositories
	AliasStore        merchant.AliasStore
	SubscriptionsRepo subscriptionsrepo.SubscriptionRepository
	RemindersRepo     remindersrepo.ReminderRepository
	PreferenceStore   *remindersrepo.PostgresPreferenceStore

	// Services
	SearchClassifier     *merchant.SearchClassifier
	Resolver             *merchant.Resolver
	Queue                *queue.Queue
	ReminderScheduler    *remindersservice.Scheduler
	DeliveryWorker       *worker.Worker
	SubscriptionsService *subscriptionsservice.Service
	ImportProcessor      *importservice.Processor
	EmailScanner         *emailscan.Scanner
	Cron                 *cron.Scheduler

	// Handlers
	ImportHandler        *importhandler.ImportHandler
	SubscriptionsHandler *subscriptionshandler.SubscriptionsHandler
	EmailScanHandler     *emailscanhandler.EmailScanHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = metrics.New()
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(ctx); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	d.AliasStore = merchant.NewCachedAliasStore(
		merchant.NewPostgresAliasStore(d.DB.Pool),
		d.Config.Import.AliasCacheTTL,
		cache.SystemClock{},
	)
	d.SubscriptionsRepo = subscriptionsrepo.NewPostgresSubscriptionRepository(d.DB.Pool)
	d.RemindersRepo = remindersrepo.NewPostgresReminderRepository(d.DB.Pool)
	d.PreferenceStore = remindersrepo.NewPostgresPreferenceStore(d.DB.Pool)

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices(ctx context.Context) error {
	classifier, err := d.newClassifier(ctx)
	if err != nil {
		return err
	}
	d.Resolver = merchant.NewResolver(d.AliasStore, classifier, d.Logger, d.Metrics)

	// Reminder delivery
	d.Queue = queue.New(d.Logger)
	d.ReminderScheduler = remindersservice.NewScheduler(
		d.RemindersRepo,
		d.PreferenceStore,
		d.Queue,
		remindersservice.Defaults{
			Trial:   d.Config.Reminders.TrialTimings,
			Billing: d.Config.Reminders.BillingTimings,
		},
		d.Logger,
		d.Metrics,
	)
	d.DeliveryWorker = worker.New(
		d.RemindersRepo,
		d.SubscriptionsRepo,
		d.PreferenceStore,
		d.notifiers(),
		d.Logger,
		d.Metrics,
	)

	d.SubscriptionsService = subscriptionsservice.NewService(d.SubscriptionsRepo, d.ReminderScheduler, d.Logger)

	// Statement import pipeline
	det := detector.New(d.Config.Detection, d.Logger, d.Metrics)
	d.ImportProcessor = importservice.NewProcessor(
		parser.NewCSVExtractor(d.Logger),
		normalizer.New(d.Resolver, d.Config.Import.ResolveConcurrency, d.Logger),
		det,
		d.SubscriptionsService,
		importservice.Config{
			MaxFileBytes:    d.Config.Import.MaxFileBytes,
			SessionTTL:      d.Config.Import.SessionTTL,
			DefaultCurrency: d.Config.Import.DefaultCurrency,
		},
		cache.SystemClock{},
		d.Logger,
		d.Metrics,
	)

	d.EmailScanner = emailscan.New(
		d.Resolver,
		det,
		d.Config.EmailScan,
		d.Config.Import.ResolveConcurrency,
		d.Logger,
		d.Metrics,
	)

	d.Cron = cron.NewScheduler(d.Config.Reminders.RefreshCron, d.SubscriptionsService, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// newClassifier prefers Gemini and falls back to the offline search index.
func (d *Dependencies) newClassifier(ctx context.Context) (merchant.Classifier, error) {
	gc := d.Config.Gemini
	if gc.APIKey != "" {
		client, err := merchant.NewGeminiClient(ctx, gc.APIKey)
		if err != nil {
			return nil, err
		}
		d.Logger.Info("using gemini merchant classifier", slog.String("model", gc.Model))
		return merchant.NewGeminiClassifier(client.Models, merchant.GeminiConfig{
			Model:          gc.Model,
			RatePerSecond:  gc.RatePerSecond,
			Burst:          gc.Burst,
			MaxRetries:     gc.MaxRetries,
			RequestTimeout: gc.RequestTimeout,
		}, d.Logger), nil
	}

	sc, err := merchant.NewSearchClassifier(merchant.DefaultCatalog())
	if err != nil {
		return nil, fmt.Errorf("failed to build search classifier: %w", err)
	}
	d.SearchClassifier = sc
	d.Logger.Info("GEMINI_API_KEY not set, using offline merchant classifier")
	return sc, nil
}

func (d *Dependencies) notifiers() []worker.Notifier {
	nc := d.Config.Notifications
	var out []worker.Notifier
	if nc.PushEnabled {
		out = append(out, worker.NewPushNotifier(push.NewService(d.Logger)))
	}
	if nc.ResendAPIKey != "" {
		out = append(out, worker.NewEmailNotifier(resend.NewClient(nc.ResendAPIKey), nc.FromAddress))
	} else {
		d.Logger.Warn("resend client not configured, reminder emails disabled")
	}
	return out
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.ImportHandler = importhandler.NewImportHandler(d.ImportProcessor, d.Config.Import.MaxFileBytes, d.Logger)
	d.SubscriptionsHandler = subscriptionshandler.NewSubscriptionsHandler(d.SubscriptionsService, d.Logger)
	d.EmailScanHandler = emailscanhandler.NewEmailScanHandler(d.EmailScanner, d.Logger)

	d.Logger.Info("handlers initialized")
	return nil
}

// StartBackground starts the delivery workers and the nightly refresh, and
// runs one refresh immediately.
func (d *Dependencies) StartBackground(ctx context.Context) error {
	if err := d.Queue.Start(ctx, d.Config.Reminders.WorkerCount, d.DeliveryWorker.Handle); err != nil {
		return fmt.Errorf("failed to start reminder queue: %w", err)
	}
	if err := d.Cron.Start(); err != nil {
		return fmt.Errorf("failed to start cron: %w", err)
	}
	// the queue is in memory, so pending reminders need their jobs back
	d.Cron.RunNow()
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup(ctx context.Context) {
	if d.Cron != nil {
		<-d.Cron.Stop().Done()
	}
	if d.Queue != nil {
		if err := d.Queue.Stop(ctx); err != nil {
			d.Logger.Warn("reminder queue did not drain", slog.Any("error", err))
		}
	}
	if d.SearchClassifier != nil {
		if err := d.SearchClassifier.Close(); err != nil {
			d.Logger.Warn("failed to close search index", slog.Any("error", err))
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}

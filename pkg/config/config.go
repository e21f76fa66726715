package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Load environment variables from .env files when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	Gemini        GeminiConfig
	Import        ImportConfig
	Detection     DetectionConfig
	Reminders     ReminderConfig
	Notifications NotificationConfig
	EmailScan     EmailScanConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
}

// GeminiConfig configures the probabilistic merchant classifier.
// An empty APIKey switches the resolver to the offline search classifier.
type GeminiConfig struct {
	APIKey         string
	Model          string
	RatePerSecond  float64
	Burst          int
	MaxRetries     uint64
	RequestTimeout time.Duration
}

type ImportConfig struct {
	MaxFileBytes       int64
	SessionTTL         time.Duration
	AliasCacheTTL      time.Duration
	ResolveConcurrency int
	DefaultCurrency    string
}

// DetectionConfig is the tunable recurrence scoring table.
type DetectionConfig struct {
	Baseline               float64
	AmountConsistencyBonus float64
	CycleKnownBonus        float64
	VolumeBonus            float64
	RecurringThreshold     float64
	AmountTolerance        float64
	VolumeMinTransactions  int
	Cycles                 []CycleRange
}

// CycleRange classifies an average gap of MinDays..MaxDays (inclusive) as Cycle.
type CycleRange struct {
	Cycle   string
	MinDays int
	MaxDays int
}

type ReminderConfig struct {
	TrialTimings   []string
	BillingTimings []string
	WorkerCount    int
	RefreshCron    string
}

type NotificationConfig struct {
	PushEnabled  bool
	ResendAPIKey string
	FromAddress  string
}

type EmailScanConfig struct {
	AutoCreateThreshold float64
	PendingThreshold    float64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "localhost"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnvAsList("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "subtrack-dev"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		Gemini: GeminiConfig{
			APIKey:         getEnv("GEMINI_API_KEY", ""),
			Model:          getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			RatePerSecond:  getEnvAsFloat("GEMINI_RATE_PER_SECOND", 2),
			Burst:          getEnvAsInt("GEMINI_BURST", 4),
			MaxRetries:     uint64(getEnvAsInt("GEMINI_MAX_RETRIES", 2)),
			RequestTimeout: getEnvAsDuration("GEMINI_REQUEST_TIMEOUT", 15*time.Second),
		},
		Import: ImportConfig{
			MaxFileBytes:       int64(getEnvAsInt("IMPORT_MAX_FILE_BYTES", 5*1024*1024)),
			SessionTTL:         getEnvAsDuration("IMPORT_SESSION_TTL", 30*time.Minute),
			AliasCacheTTL:      getEnvAsDuration("IMPORT_ALIAS_CACHE_TTL", 10*time.Minute),
			ResolveConcurrency: getEnvAsInt("IMPORT_RESOLVE_CONCURRENCY", 4),
			DefaultCurrency:    getEnv("IMPORT_DEFAULT_CURRENCY", "EUR"),
		},
		Detection: DefaultDetection(),
		Reminders: ReminderConfig{
			TrialTimings:   getEnvAsList("REMINDER_TRIAL_TIMINGS", []string{"24h", "1h"}),
			BillingTimings: getEnvAsList("REMINDER_BILLING_TIMINGS", []string{"7d", "1d"}),
			WorkerCount:    getEnvAsInt("REMINDER_WORKERS", 4),
			RefreshCron:    getEnv("REMINDER_REFRESH_CRON", "0 3 * * *"),
		},
		Notifications: NotificationConfig{
			PushEnabled:  getEnvAsBool("PUSH_ENABLED", true),
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			FromAddress:  getEnv("REMINDER_FROM_ADDRESS", "reminders@subtrack.app"),
		},
		EmailScan: EmailScanConfig{
			AutoCreateThreshold: getEnvAsFloat("EMAIL_SCAN_AUTO_CREATE", 0.8),
			PendingThreshold:    getEnvAsFloat("EMAIL_SCAN_PENDING", 0.5),
		},
	}

	d := &cfg.Detection
	d.Baseline = getEnvAsFloat("DETECTION_BASELINE", d.Baseline)
	d.AmountConsistencyBonus = getEnvAsFloat("DETECTION_AMOUNT_BONUS", d.AmountConsistencyBonus)
	d.CycleKnownBonus = getEnvAsFloat("DETECTION_CYCLE_BONUS", d.CycleKnownBonus)
	d.VolumeBonus = getEnvAsFloat("DETECTION_VOLUME_BONUS", d.VolumeBonus)
	d.RecurringThreshold = getEnvAsFloat("DETECTION_RECURRING_THRESHOLD", d.RecurringThreshold)
	d.AmountTolerance = getEnvAsFloat("DETECTION_AMOUNT_TOLERANCE", d.AmountTolerance)

	if cfg.Import.MaxFileBytes <= 0 {
		return nil, fmt.Errorf("IMPORT_MAX_FILE_BYTES must be positive")
	}
	if cfg.Import.ResolveConcurrency < 1 {
		cfg.Import.ResolveConcurrency = 1
	}
	if cfg.EmailScan.PendingThreshold > cfg.EmailScan.AutoCreateThreshold {
		return nil, fmt.Errorf("EMAIL_SCAN_PENDING must not exceed EMAIL_SCAN_AUTO_CREATE")
	}

	return cfg, nil
}

// DefaultDetection returns the stock recurrence scoring table.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		Baseline:               0.5,
		AmountConsistencyBonus: 0.2,
		CycleKnownBonus:        0.2,
		VolumeBonus:            0.1,
		RecurringThreshold:     0.6,
		AmountTolerance:        0.10,
		VolumeMinTransactions:  3,
		Cycles: []CycleRange{
			{Cycle: "weekly", MinDays: 5, MaxDays: 9},
			{Cycle: "monthly", MinDays: 26, MaxDays: 35},
			{Cycle: "yearly", MinDays: 350, MaxDays: 380},
		},
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the listen address for the HTTP server
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

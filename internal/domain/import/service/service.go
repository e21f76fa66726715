// Package service provides the bank statement import pipeline: file
// validation, extraction, normalization and recurrence detection, plus the
// review sessions that let a user confirm detected subscriptions.
package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/detector"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/normalizer"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/parser"
	subsservice "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/service"
	"github.com/FACorreiaa/subscription-tracker/pkg/cache"
	"github.com/FACorreiaa/subscription-tracker/pkg/metrics"
)

var tracer = otel.Tracer("subtrack/import")

const resultOK = "OK"

var csvMediaTypes = map[string]bool{
	"text/csv":                      true,
	"application/csv":               true,
	"text/comma-separated-values":   true,
	"application/x-csv":             true,
	"text/x-comma-separated-values": true,
}

// Extractor turns file bytes into ledger rows.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]parser.RawTransaction, error)
}

// Normalizer enriches ledger rows with dates and merchant identities.
type Normalizer interface {
	Normalize(ctx context.Context, raw []parser.RawTransaction) ([]normalizer.Transaction, error)
}

// Detector finds recurring groups.
type Detector interface {
	Detect(txs []normalizer.Transaction) []detector.Group
}

// SubscriptionCreator persists confirmed subscriptions and schedules their
// reminders.
type SubscriptionCreator interface {
	Create(ctx context.Context, in subsservice.CreateInput) (*subsservice.Result, error)
}

// File is an uploaded statement.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// Stats summarizes a processing run
type Stats struct {
	TotalTransactions int `json:"totalTransactions"`
	RecurringDetected int `json:"recurringDetected"`
}

// ProcessingResult is returned to the user for review.
type ProcessingResult struct {
	SessionID       uuid.UUID                `json:"sessionId"`
	Transactions    []normalizer.Transaction `json:"transactions"`
	RecurringGroups []detector.Group         `json:"recurringGroups"`
	Stats           Stats                    `json:"stats"`
}

// Config holds the processor limits
type Config struct {
	MaxFileBytes    int64
	SessionTTL      time.Duration
	DefaultCurrency string
}

type session struct {
	userID uuid.UUID
	result *ProcessingResult

	mu        sync.Mutex
	committed map[int]struct{}
}

// Processor orchestrates statement imports
type Processor struct {
	extractor  Extractor
	normalizer Normalizer
	detector   Detector
	creator    SubscriptionCreator
	sessions   *cache.Cache[uuid.UUID, *session]
	cfg        Config
	clock      cache.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewProcessor creates a Processor. clock may be nil.
func NewProcessor(
	extractor Extractor,
	norm Normalizer,
	det Detector,
	creator SubscriptionCreator,
	cfg Config,
	clock cache.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Processor {
	if clock == nil {
		clock = cache.SystemClock{}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "EUR"
	}
	return &Processor{
		extractor:  extractor,
		normalizer: norm,
		detector:   det,
		creator:    creator,
		sessions:   cache.New[uuid.UUID, *session](cfg.SessionTTL, clock),
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		metrics:    m,
	}
}

// Process validates, extracts, normalizes and scans a statement for
// recurring charges. The result is kept as a review session for Commit.
// Every failure is an *ImportError.
func (p *Processor) Process(ctx context.Context, userID uuid.UUID, file File) (*ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "import.Process",
		trace.WithAttributes(
			attribute.String("file.name", file.Name),
			attribute.Int64("file.size", fileSize(file)),
		),
	)
	defer span.End()

	result, err := p.process(ctx, userID, file)
	if err != nil {
		ie, ok := AsImportError(err)
		if !ok {
			ie = newImportError(CodeInternal, "Something went wrong while processing the statement. Please try again.", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ie.Code))
		p.metrics.ImportProcessed(string(ie.Code))
		return nil, ie
	}

	span.SetAttributes(
		attribute.Int("import.transactions", result.Stats.TotalTransactions),
		attribute.Int("import.recurring", result.Stats.RecurringDetected),
	)
	p.metrics.ImportProcessed(resultOK)
	return result, nil
}

func (p *Processor) process(ctx context.Context, userID uuid.UUID, file File) (*ProcessingResult, error) {
	if err := p.validate(file); err != nil {
		p.logger.Info("statement rejected",
			slog.String("file", file.Name),
			slog.String("code", string(err.Code)))
		return nil, err
	}

	raw, err := p.extractor.Extract(ctx, file.Data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, newImportError(CodeExtractionFailed,
			"We could not read transactions from this file. Try exporting the statement as CSV again.", err)
	}
	if len(raw) == 0 {
		return nil, newImportError(CodeNoTransactions, "No transactions were found in this file.", nil)
	}

	txs, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		switch {
		case errors.Is(err, normalizer.ErrNoTransactions):
			return nil, newImportError(CodeNoTransactions, "No transactions were found in this file.", err)
		case errors.Is(err, normalizer.ErrInvalidDate):
			return nil, newImportError(CodeExtractionFailed, "Some transaction dates could not be understood.", err)
		}
		p.logger.Error("failed to normalize statement", slog.Any("error", err))
		return nil, err
	}

	groups := p.detector.Detect(txs)
	if groups == nil {
		groups = []detector.Group{}
	}

	result := &ProcessingResult{
		SessionID:       uuid.New(),
		Transactions:    txs,
		RecurringGroups: groups,
		Stats: Stats{
			TotalTransactions: len(txs),
			RecurringDetected: len(groups),
		},
	}
	p.sessions.Set(result.SessionID, &session{userID: userID, result: result, committed: make(map[int]struct{})})

	p.logger.Info("statement processed",
		slog.String("session_id", result.SessionID.String()),
		slog.String("file", file.Name),
		slog.Int("transactions", result.Stats.TotalTransactions),
		slog.Int("recurring", result.Stats.RecurringDetected))
	return result, nil
}

// validate checks type, then size, then content. Size is checked before
// any bytes are parsed.
func (p *Processor) validate(file File) *ImportError {
	if !isCSV(file) {
		return newImportError(CodeInvalidFileType, "Only CSV bank statements are supported.", nil)
	}
	if p.cfg.MaxFileBytes > 0 && fileSize(file) > p.cfg.MaxFileBytes {
		return newImportError(CodeFileTooLarge, "The file is too large. The limit is "+formatBytes(p.cfg.MaxFileBytes)+".", nil)
	}
	if len(bytes.TrimSpace(file.Data)) == 0 {
		return newImportError(CodeEmptyFile, "The file is empty.", nil)
	}
	return nil
}

func isCSV(file File) bool {
	if strings.EqualFold(filepath.Ext(file.Name), ".csv") {
		return true
	}
	if file.ContentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(file.ContentType)
	if err != nil {
		return false
	}
	return csvMediaTypes[strings.ToLower(mediaType)]
}

func fileSize(file File) int64 {
	return max(file.Size, int64(len(file.Data)))
}

func formatBytes(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return strconv.FormatInt(n/mib, 10) + " MB"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}

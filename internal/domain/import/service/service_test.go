package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/detector"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/normalizer"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/parser"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/merchant"
	subsrepo "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/repository"
	subsservice "github.com/FACorreiaa/subscription-tracker/internal/domain/subscriptions/service"
	"github.com/FACorreiaa/subscription-tracker/pkg/config"
)

const netflixCSV = `date,description,amount
2026-01-15,NETFLIX.COM,-15.99
2025-12-15,NETFLIX.COM,-15.99
2025-11-15,NETFLIX.COM,-15.99
2026-01-03,GROCERY STORE,-54.20
2026-01-01,SALARY,2500.00
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticAliases []merchant.Alias

func (s staticAliases) ListAliases(context.Context) ([]merchant.Alias, error) {
	return s, nil
}

type spyExtractor struct {
	calls int
	rows  []parser.RawTransaction
	err   error
}

func (s *spyExtractor) Extract(context.Context, []byte) ([]parser.RawTransaction, error) {
	s.calls++
	return s.rows, s.err
}

type failingNormalizer struct{ err error }

func (f failingNormalizer) Normalize(context.Context, []parser.RawTransaction) ([]normalizer.Transaction, error) {
	return nil, f.err
}

type recordingCreator struct {
	inputs []subsservice.CreateInput
	failOn string
}

func (r *recordingCreator) Create(_ context.Context, in subsservice.CreateInput) (*subsservice.Result, error) {
	if in.ServiceName == r.failOn {
		return nil, errors.New("insert failed")
	}
	r.inputs = append(r.inputs, in)
	return &subsservice.Result{Subscription: &subsrepo.Subscription{
		ID:           uuid.New(),
		UserID:       in.UserID,
		ServiceName:  in.ServiceName,
		Amount:       in.Amount,
		Currency:     in.Currency,
		BillingCycle: in.BillingCycle,
		Source:       in.Source,
	}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{MaxFileBytes: 5 * 1024 * 1024, SessionTTL: 30 * time.Minute, DefaultCurrency: "USD"}
}

// newPipeline wires the real extractor, normalizer and detector with a
// NETFLIX* alias.
func newPipeline(creator SubscriptionCreator, clock *fakeClock) *Processor {
	logger := discardLogger()
	resolver := merchant.NewResolver(staticAliases{{ID: 1, Pattern: "NETFLIX*", ServiceName: "Netflix", Priority: 10}}, nil, logger, nil)
	return NewProcessor(
		parser.NewCSVExtractor(logger),
		normalizer.New(resolver, 2, logger),
		detector.New(config.DefaultDetection(), logger, nil),
		creator,
		testConfig(),
		clock,
		logger,
		nil,
	)
}

func csvFile(body string) File {
	return File{Name: "statement.csv", ContentType: "text/csv", Size: int64(len(body)), Data: []byte(body)}
}

func TestProcessor_NetflixRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)}
	p := newPipeline(&recordingCreator{}, clock)

	result, err := p.Process(context.Background(), uuid.New(), csvFile(netflixCSV))
	require.NoError(t, err)

	assert.Equal(t, 5, result.Stats.TotalTransactions)
	assert.Equal(t, 1, result.Stats.RecurringDetected)
	require.Len(t, result.Transactions, 5)
	assert.Equal(t, "NETFLIX.COM", result.Transactions[0].Description, "input order is preserved")
	assert.Equal(t, "SALARY", result.Transactions[4].Description)

	require.Len(t, result.RecurringGroups, 1)
	g := result.RecurringGroups[0]
	require.NotNil(t, g.ResolvedServiceName)
	assert.Equal(t, "Netflix", *g.ResolvedServiceName)
	assert.Equal(t, detector.CycleMonthly, g.BillingCycle)
	assert.True(t, decimal.RequireFromString("15.99").Equal(g.TypicalAmount))
	assert.GreaterOrEqual(t, g.Confidence, 0.6)
	assert.NotEqual(t, uuid.Nil, result.SessionID)
}

func TestProcessor_MonthFirstDates(t *testing.T) {
	const usCSV = `date,description,amount
01/15/2026,NETFLIX.COM,-15.99
02/05/2026,NETFLIX.COM,-15.99
03/05/2026,NETFLIX.COM,-15.99
04/05/2026,NETFLIX.COM,-15.99
`
	clock := &fakeClock{now: time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)}
	p := newPipeline(&recordingCreator{}, clock)

	result, err := p.Process(context.Background(), uuid.New(), csvFile(usCSV))
	require.NoError(t, err)

	require.Len(t, result.Transactions, 4)
	assert.Equal(t, time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC), result.Transactions[1].NormalizedDate)
	assert.Equal(t, time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC), result.Transactions[3].NormalizedDate)

	require.Len(t, result.RecurringGroups, 1)
	g := result.RecurringGroups[0]
	assert.Equal(t, detector.CycleMonthly, g.BillingCycle)
	assert.Equal(t, 1.0, g.Confidence)
}

func TestProcessor_Validation(t *testing.T) {
	tests := []struct {
		name   string
		file   File
		code   Code
		status int
	}{
		{
			name:   "large csv rejected before extraction",
			file:   File{Name: "large.csv", ContentType: "text/csv", Data: bytes.Repeat([]byte("a"), 6*1024*1024)},
			code:   CodeFileTooLarge,
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "declared size over the limit",
			file:   File{Name: "large.csv", Size: 6 * 1024 * 1024, Data: []byte("date,amount\n")},
			code:   CodeFileTooLarge,
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "pdf",
			file:   File{Name: "statement.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
			code:   CodeInvalidFileType,
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "type checked before size",
			file:   File{Name: "huge.xlsx", Data: bytes.Repeat([]byte("a"), 6*1024*1024)},
			code:   CodeInvalidFileType,
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "empty",
			file:   File{Name: "empty.csv", Data: []byte(" \n\t")},
			code:   CodeEmptyFile,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor := &spyExtractor{}
			p := NewProcessor(extractor, failingNormalizer{}, detector.New(config.DefaultDetection(), discardLogger(), nil),
				&recordingCreator{}, testConfig(), nil, discardLogger(), nil)

			_, err := p.Process(context.Background(), uuid.New(), tt.file)
			ie, ok := AsImportError(err)
			require.True(t, ok, "expected ImportError, got %v", err)
			assert.Equal(t, tt.code, ie.Code)
			assert.Equal(t, tt.status, ie.Code.HTTPStatus())
			assert.True(t, ie.Recoverable)
			assert.NotEmpty(t, ie.Message)
			assert.Zero(t, extractor.calls)
		})
	}
}

func TestProcessor_AcceptsCSVByMediaType(t *testing.T) {
	extractor := &spyExtractor{}
	p := NewProcessor(extractor, failingNormalizer{}, nil, nil, testConfig(), nil, discardLogger(), nil)

	_, err := p.Process(context.Background(), uuid.New(),
		File{Name: "export", ContentType: "text/csv; charset=utf-8", Data: []byte("date,amount\n")})
	ie, ok := AsImportError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoTransactions, ie.Code)
	assert.Equal(t, 1, extractor.calls)
}

func TestProcessor_PipelineErrors(t *testing.T) {
	oneRow := []parser.RawTransaction{{Date: "2026-01-01", Description: "X", Amount: decimal.NewFromInt(-1)}}

	tests := []struct {
		name       string
		extractor  *spyExtractor
		normalizer Normalizer
		code       Code
	}{
		{"extractor failure", &spyExtractor{err: parser.ErrUnreadable}, failingNormalizer{}, CodeExtractionFailed},
		{"no rows", &spyExtractor{}, failingNormalizer{}, CodeNoTransactions},
		{"bad date", &spyExtractor{rows: oneRow}, failingNormalizer{err: normalizer.ErrInvalidDate}, CodeExtractionFailed},
		{"unexpected failure", &spyExtractor{rows: oneRow}, failingNormalizer{err: errors.New("boom")}, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor(tt.extractor, tt.normalizer, nil, nil, testConfig(), nil, discardLogger(), nil)

			_, err := p.Process(context.Background(), uuid.New(), csvFile("date,description,amount\n"))
			ie, ok := AsImportError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, ie.Code)
			assert.True(t, ie.Recoverable)
		})
	}

	t.Run("cause is kept", func(t *testing.T) {
		p := NewProcessor(&spyExtractor{err: parser.ErrUnreadable}, nil, nil, nil, testConfig(), nil, discardLogger(), nil)
		_, err := p.Process(context.Background(), uuid.New(), csvFile("x,y\n"))
		assert.ErrorIs(t, err, parser.ErrUnreadable)
	})
}

func TestProcessor_Commit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)}
	creator := &recordingCreator{}
	p := newPipeline(creator, clock)
	userID := uuid.New()

	result, err := p.Process(context.Background(), userID, csvFile(netflixCSV))
	require.NoError(t, err)
	confirmed := []string{result.RecurringGroups[0].Transactions[0].ID}

	t.Run("foreign user cannot commit", func(t *testing.T) {
		_, err := p.Commit(context.Background(), uuid.New(), result.SessionID, confirmed, "")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	commit, err := p.Commit(context.Background(), userID, result.SessionID, confirmed, "")
	require.NoError(t, err)
	require.Len(t, commit.Created, 1)
	require.Len(t, creator.inputs, 1)

	in := creator.inputs[0]
	assert.Equal(t, "Netflix", in.ServiceName)
	assert.Equal(t, subsrepo.StatusActive, in.Status)
	assert.Equal(t, subsrepo.CycleMonthly, in.BillingCycle)
	assert.Equal(t, subsrepo.SourceBankImport, in.Source)
	assert.Equal(t, "USD", in.Currency)
	assert.True(t, decimal.RequireFromString("15.99").Equal(in.Amount))
	require.NotNil(t, in.NextBillingDate)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), *in.NextBillingDate)

	_, err = p.Commit(context.Background(), userID, result.SessionID, confirmed, "")
	assert.ErrorIs(t, err, ErrSessionNotFound, "a committed session is consumed")
}

func TestProcessor_CommitUnconfirmedGroupsAreSkipped(t *testing.T) {
	creator := &recordingCreator{}
	p := newPipeline(creator, &fakeClock{now: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)})
	userID := uuid.New()

	result, err := p.Process(context.Background(), userID, csvFile(netflixCSV))
	require.NoError(t, err)

	grocery := result.Transactions[3].ID
	commit, err := p.Commit(context.Background(), userID, result.SessionID, []string{grocery}, "EUR")
	require.NoError(t, err)
	assert.Empty(t, commit.Created)
	assert.Empty(t, creator.inputs)
}

func TestProcessor_CommitFailureKeepsSession(t *testing.T) {
	creator := &recordingCreator{failOn: "Netflix"}
	p := newPipeline(creator, &fakeClock{now: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)})
	userID := uuid.New()

	result, err := p.Process(context.Background(), userID, csvFile(netflixCSV))
	require.NoError(t, err)
	ids := []string{result.RecurringGroups[0].Transactions[1].ID}

	commit, err := p.Commit(context.Background(), userID, result.SessionID, ids, "")
	require.NoError(t, err)
	assert.Empty(t, commit.Created)
	assert.Equal(t, []string{"Netflix: subscription could not be created"}, commit.Warnings)

	creator.failOn = ""
	commit, err = p.Commit(context.Background(), userID, result.SessionID, ids, "")
	require.NoError(t, err)
	assert.Len(t, commit.Created, 1)
}

func TestProcessor_SessionExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)}
	p := newPipeline(&recordingCreator{}, clock)
	userID := uuid.New()

	result, err := p.Process(context.Background(), userID, csvFile(netflixCSV))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	_, err = p.Commit(context.Background(), userID, result.SessionID, nil, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

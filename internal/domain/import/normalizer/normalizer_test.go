package normalizer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/parser"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/sniffer"
	"github.com/FACorreiaa/subscription-tracker/internal/domain/merchant"
)

type fakeResolver struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeResolver) Resolve(_ context.Context, description string) merchant.Match {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[description]++
	f.mu.Unlock()

	if strings.HasPrefix(description, "NETFLIX") {
		name := "Netflix"
		return merchant.Match{ServiceName: &name, Confidence: merchant.AliasConfidence, Source: merchant.SourceAliasDB}
	}
	return merchant.NoMatch()
}

func raw(date, desc, amount string) parser.RawTransaction {
	return parser.RawTransaction{Date: date, Description: desc, Amount: decimal.RequireFromString(amount)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalize(t *testing.T) {
	resolver := &fakeResolver{}
	n := New(resolver, 4, discardLogger())

	input := []parser.RawTransaction{
		raw("2026-01-15", "NETFLIX.COM", "-15.99"),
		raw("15/12/2025", "CORNER SHOP", "-4.20"),
		raw("2025-11-15", "netflix.com", "-15.99"),
		raw("2025-11-01", "SALARY", "3000"),
	}

	out, err := n.Normalize(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, out, 4)

	t.Run("order preserved", func(t *testing.T) {
		for i, tx := range out {
			assert.Equal(t, input[i].Description, tx.Description)
			assert.Equal(t, input[i].Description, tx.MerchantName)
			assert.True(t, input[i].Amount.Equal(tx.Amount))
		}
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := map[string]bool{}
		for _, tx := range out {
			assert.NotEmpty(t, tx.ID)
			assert.False(t, seen[tx.ID])
			seen[tx.ID] = true
		}
	})

	t.Run("dates parsed", func(t *testing.T) {
		assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), out[0].NormalizedDate)
		assert.Equal(t, time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC), out[1].NormalizedDate)
	})

	t.Run("match metadata", func(t *testing.T) {
		require.NotNil(t, out[0].ResolvedServiceName)
		assert.Equal(t, "Netflix", *out[0].ResolvedServiceName)
		assert.Equal(t, merchant.SourceAliasDB, out[0].MatchSource)
		assert.Equal(t, merchant.AliasConfidence, out[0].MatchConfidence)

		assert.Nil(t, out[1].ResolvedServiceName)
		assert.Zero(t, out[1].MatchConfidence)
		assert.Equal(t, merchant.SourceNone, out[1].MatchSource)
	})

	t.Run("distinct descriptions resolved once", func(t *testing.T) {
		assert.Equal(t, 1, resolver.calls["NETFLIX.COM"])
		assert.Len(t, resolver.calls, 3)
	})

	assert.True(t, out[0].IsDebit())
	assert.False(t, out[3].IsDebit())
}

func TestNormalize_BoundedConcurrency(t *testing.T) {
	resolver := &fakeResolver{delay: 5 * time.Millisecond}
	n := New(resolver, 2, discardLogger())

	var input []parser.RawTransaction
	for _, d := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		input = append(input, raw("2026-01-01", "SHOP "+d, "-1"))
	}

	_, err := n.Normalize(context.Background(), input)
	require.NoError(t, err)
	assert.LessOrEqual(t, resolver.maxSeen.Load(), int32(2))
}

func TestNormalize_Errors(t *testing.T) {
	n := New(&fakeResolver{}, 1, discardLogger())

	_, err := n.Normalize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoTransactions)

	_, err = n.Normalize(context.Background(), []parser.RawTransaction{raw("yesterday", "X", "-1")})
	assert.ErrorIs(t, err, ErrInvalidDate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Normalize(ctx, []parser.RawTransaction{raw("2026-01-01", "X", "-1")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize_MonthFirstFile(t *testing.T) {
	n := New(&fakeResolver{}, 2, discardLogger())

	dates := []string{"01/15/2026", "02/05/2026", "03/05/2026", "04/05/2026"}
	want := []time.Time{
		time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC),
	}

	t.Run("order detected by the extractor", func(t *testing.T) {
		var input []parser.RawTransaction
		for _, d := range dates[1:] {
			r := raw(d, "NETFLIX.COM", "-15.99")
			r.DateOrder = sniffer.DateOrderMonthFirst
			input = append(input, r)
		}

		out, err := n.Normalize(context.Background(), input)
		require.NoError(t, err)
		for i, tx := range out {
			assert.Equal(t, want[i+1], tx.NormalizedDate, tx.Date)
		}
	})

	t.Run("order probed from the batch", func(t *testing.T) {
		var input []parser.RawTransaction
		for _, d := range dates {
			input = append(input, raw(d, "NETFLIX.COM", "-15.99"))
		}

		out, err := n.Normalize(context.Background(), input)
		require.NoError(t, err)
		for i, tx := range out {
			assert.Equal(t, want[i], tx.NormalizedDate, tx.Date)
		}
	})

	t.Run("rows that contradict the file order fail", func(t *testing.T) {
		r := raw("15/01/2026", "NETFLIX.COM", "-15.99")
		r.DateOrder = sniffer.DateOrderMonthFirst

		_, err := n.Normalize(context.Background(), []parser.RawTransaction{r})
		assert.ErrorIs(t, err, ErrInvalidDate)
	})
}

func TestNormalize_ResolvesFirstRawDescription(t *testing.T) {
	resolver := &fakeResolver{}
	n := New(resolver, 1, discardLogger())

	input := []parser.RawTransaction{
		raw("2026-01-15", "  Spotify  P0123 ", "-9.99"),
		raw("2026-02-15", "SPOTIFY  P0123", "-9.99"),
	}

	out, err := n.Normalize(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, map[string]int{"  Spotify  P0123 ": 1}, resolver.calls)
	assert.Equal(t, out[0].MatchSource, out[1].MatchSource)
}

func TestParseDate(t *testing.T) {
	jan15 := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	feb5 := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	may2 := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		in    string
		order sniffer.DateOrder
		want  time.Time
	}{
		{"2026-01-15", sniffer.DateOrderUnknown, jan15},
		{"2026/01/15", sniffer.DateOrderMonthFirst, jan15},
		{"15 Jan 2026", sniffer.DateOrderMonthFirst, jan15},
		{"2026-01-15T10:30:00Z", sniffer.DateOrderDayFirst, jan15},
		{"15/01/2026", sniffer.DateOrderDayFirst, jan15},
		{"15.01.2026", sniffer.DateOrderDayFirst, jan15},
		{"01/15/2026", sniffer.DateOrderMonthFirst, jan15},
		{"1/15/2026", sniffer.DateOrderMonthFirst, jan15},
		{"02/05/2026", sniffer.DateOrderMonthFirst, feb5},
		{"2/5/2026 14:00", sniffer.DateOrderMonthFirst, feb5},
		{"02/05/2026", sniffer.DateOrderDayFirst, may2},
		{"02-05-2026", sniffer.DateOrderDayFirst, may2},
		{"02/05/2026", sniffer.DateOrderUnknown, may2},
		{"01/15/2026", sniffer.DateOrderUnknown, jan15},
	}
	for _, tt := range tests {
		t.Run(string(tt.order)+" "+tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in, tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDate("", sniffer.DateOrderUnknown)
	assert.Error(t, err)

	_, err = ParseDate("01/15/2026", sniffer.DateOrderDayFirst)
	assert.Error(t, err)
}

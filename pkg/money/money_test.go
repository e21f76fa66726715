package money

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromDecimal(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     string
		wantCode string
	}{
		{"precise decimal", "15.99", EUR, "15.99", EUR},
		{"many decimals", "99.999", USD, "100", USD},
		{"negative", "-25.50", GBP, "-25.5", GBP},
		{"lowercase code", "1", "eur", "1", EUR},
		{"unknown code falls back", "1", "???", "1", EUR},
		{"zero decimal currency", "1500.4", JPY, "1500", JPY},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewFromDecimal(decimal.RequireFromString(tt.amount), tt.currency)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(m.ToDecimal()), m.ToDecimal().String())
			assert.Equal(t, tt.wantCode, m.Currency())
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		european bool
		want     string
		wantErr  bool
	}{
		{"simple debit", "-15.99", false, "-15.99", false},
		{"thousands", "1,234.56", false, "1234.56", false},
		{"european", "-1.234,56", true, "-1234.56", false},
		{"euro sign", "€ 15,99", true, "15.99", false},
		{"dollar sign", "$9.99", false, "9.99", false},
		{"parenthesised debit", "(15.99)", false, "-15.99", false},
		{"trailing minus", "15.99-", false, "-15.99", false},
		{"spaces", "  100.00  ", false, "100", false},
		{"empty", "", false, "", true},
		{"garbage", "abc", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.raw, tt.european)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestMoney_Formatting(t *testing.T) {
	m := New(1599, EUR)
	assert.Equal(t, "15.99", m.String())
	assert.Contains(t, m.Display(), "€")
	assert.True(t, m.ToDecimal().Equal(decimal.RequireFromString("15.99")))
}

func TestMoney_JSON(t *testing.T) {
	data, err := json.Marshal(New(12345, USD))
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "123.45", result["amount"])
	assert.Equal(t, "USD", result["currency"])
	assert.Contains(t, result["display"], "$")
}

func TestNilSafety(t *testing.T) {
	var m *Money
	assert.Equal(t, "", m.Currency())
	assert.Equal(t, "0.00", m.String())
	assert.True(t, m.ToDecimal().IsZero())
	assert.Equal(t, "0.00", m.Display())
}

func TestStatementGenerator(t *testing.T) {
	gen := NewStatementGeneratorWithSeed(42)
	last := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	charge := gen.Subscription(4, 30*24*time.Hour)
	rows := gen.Statement(last, []RecurringCharge{charge}, 10)

	require.Len(t, rows, 4+10+1)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Date.After(rows[i-1].Date), "rows must be newest first")
	}

	planted := 0
	for _, r := range rows {
		if r.Description == charge.Description {
			planted++
			assert.True(t, r.Amount.Equal(charge.Amount.Neg()))
		}
	}
	assert.Equal(t, 4, planted)

	csv := CSV(rows)
	assert.True(t, strings.HasPrefix(csv, "Date,Description,Amount\n"))
	assert.Equal(t, len(rows)+1, strings.Count(csv, "\n"))
}

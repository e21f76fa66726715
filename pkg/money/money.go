// Package money handles subscription prices: parsing statement amounts,
// converting between decimal and minor units, and display formatting.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Common currency codes (ISO-4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	BRL = "BRL"
	JPY = "JPY"
)

// ErrInvalidAmount is returned when a statement amount cannot be parsed.
var ErrInvalidAmount = errors.New("invalid amount")

// Money is a currency-tagged amount stored in minor units.
type Money struct {
	m *money.Money
}

// New creates Money from minor units.
func New(amountCents int64, currencyCode string) *Money {
	return &Money{m: money.New(amountCents, currencyCode)}
}

// NewFromDecimal rounds a decimal value to the currency's minor unit.
// Unknown currency codes fall back to EUR.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	currency := money.GetCurrency(strings.ToUpper(currencyCode))
	if currency == nil {
		currency = money.GetCurrency(EUR)
	}
	multiplier := decimal.New(1, int32(currency.Fraction))
	cents := amount.Mul(multiplier).Round(0).IntPart()
	return New(cents, currency.Code)
}

// ParseAmount parses a bank statement amount.
// Accepts "15.99", "-1,234.56", "(15.99)", "€ 15,99" and European "1.234,56"
// when european is true.
func ParseAmount(raw string, european bool) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")

	for _, sym := range []string{"R$", "$", "€", "£", "¥"} {
		s = strings.ReplaceAll(s, sym, "")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.Trim(s, "()")
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	if european {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w %q: %v", ErrInvalidAmount, raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Currency returns the ISO-4217 code
func (m *Money) Currency() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Currency().Code
}

// Display formats for humans, e.g. "€15.99"
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return "0.00"
	}
	return m.m.Display()
}

// String returns the plain decimal form, e.g. "15.99"
func (m *Money) String() string {
	return m.ToDecimal().StringFixed(int32(m.fraction()))
}

// ToDecimal converts back to a decimal in major units
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	return decimal.New(m.m.Amount(), -int32(m.fraction()))
}

func (m *Money) fraction() int {
	if m == nil || m.m == nil {
		return 2
	}
	return m.m.Currency().Fraction
}

// MarshalJSON encodes amount, currency and display text
func (m *Money) MarshalJSON() ([]byte, error) {
	if m == nil || m.m == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(map[string]any{
		"amount":   m.String(),
		"currency": m.Currency(),
		"display":  m.Display(),
	})
}

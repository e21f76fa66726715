package money

import (
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
)

// StatementGenerator builds synthetic bank statements with a known set of
// recurring charges buried among one-off purchases.
type StatementGenerator struct {
	faker *gofakeit.Faker
}

// NewStatementGenerator creates a generator with a random seed.
func NewStatementGenerator() *StatementGenerator {
	return &StatementGenerator{faker: gofakeit.New(0)}
}

// NewStatementGeneratorWithSeed creates a generator for reproducible output.
func NewStatementGeneratorWithSeed(seed int64) *StatementGenerator {
	return &StatementGenerator{faker: gofakeit.New(seed)}
}

// StatementRow is one generated ledger line.
type StatementRow struct {
	Date        time.Time
	Description string
	Amount      decimal.Decimal
}

// RecurringCharge describes a subscription to plant in a statement.
type RecurringCharge struct {
	Description string
	Amount      decimal.Decimal
	Every       time.Duration
	Count       int
}

var subscriptionDescriptors = []RecurringCharge{
	{Description: "NETFLIX.COM", Amount: decimal.RequireFromString("15.99")},
	{Description: "SPOTIFY P0A1B2C3", Amount: decimal.RequireFromString("10.99")},
	{Description: "APPLE.COM/BILL", Amount: decimal.RequireFromString("2.99")},
	{Description: "DISNEY PLUS", Amount: decimal.RequireFromString("8.99")},
	{Description: "DROPBOX*PLUS", Amount: decimal.RequireFromString("11.99")},
}

var purchasePrefixes = []string{"POS ", "CARD ", "SEPA DD ", ""}

// Subscription picks a random well-known subscription charge.
func (g *StatementGenerator) Subscription(count int, every time.Duration) RecurringCharge {
	c := subscriptionDescriptors[g.faker.Number(0, len(subscriptionDescriptors)-1)]
	c.Count = count
	c.Every = every
	return c
}

// Series expands a recurring charge into rows ending at last.
func (g *StatementGenerator) Series(c RecurringCharge, last time.Time) []StatementRow {
	rows := make([]StatementRow, 0, c.Count)
	for i := c.Count - 1; i >= 0; i-- {
		rows = append(rows, StatementRow{
			Date:        last.Add(-time.Duration(i) * c.Every),
			Description: c.Description,
			Amount:      c.Amount.Neg(),
		})
	}
	return rows
}

// Purchase returns a one-off debit with a unique merchant name.
func (g *StatementGenerator) Purchase(from, to time.Time) StatementRow {
	prefix := purchasePrefixes[g.faker.Number(0, len(purchasePrefixes)-1)]
	amount := decimal.NewFromFloat(g.faker.Float64Range(1, 250)).Round(2)
	return StatementRow{
		Date:        g.faker.DateRange(from, to),
		Description: strings.ToUpper(fmt.Sprintf("%s%s %d", prefix, g.faker.Company(), g.faker.Number(1000, 9999))),
		Amount:      amount.Neg(),
	}
}

// Salary returns a credit row.
func (g *StatementGenerator) Salary(on time.Time) StatementRow {
	return StatementRow{
		Date:        on,
		Description: "SALARY " + strings.ToUpper(g.faker.Company()),
		Amount:      decimal.NewFromFloat(g.faker.Float64Range(2000, 6000)).Round(2),
	}
}

// Statement mixes the given recurring charges with noise purchases and
// returns rows sorted newest first, as most banks export them.
func (g *StatementGenerator) Statement(last time.Time, charges []RecurringCharge, noise int) []StatementRow {
	var rows []StatementRow
	from := last.AddDate(0, -6, 0)
	for _, c := range charges {
		rows = append(rows, g.Series(c, last)...)
	}
	for i := 0; i < noise; i++ {
		rows = append(rows, g.Purchase(from, last))
	}
	rows = append(rows, g.Salary(last.AddDate(0, 0, -3)))

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.After(rows[j].Date) })
	return rows
}

// CSV renders rows with a Date,Description,Amount header.
func CSV(rows []StatementRow) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write([]string{"Date", "Description", "Amount"})
	for _, r := range rows {
		_ = w.Write([]string{r.Date.Format("2006-01-02"), r.Description, r.Amount.StringFixed(2)})
	}
	w.Flush()
	return b.String()
}

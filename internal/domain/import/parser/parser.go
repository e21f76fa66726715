// Package parser turns bank statement CSV exports into raw transactions.
// It uses gocsv for struct-based unmarshaling with flexible header names.
package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/subscription-tracker/internal/domain/import/sniffer"
	"github.com/FACorreiaa/subscription-tracker/pkg/money"
)

// ErrUnreadable is returned when the file has no recognisable statement layout.
var ErrUnreadable = errors.New("unreadable statement")

// RawTransaction is one ledger line as extracted from the statement.
// Amount is negative for debits and positive for credits. DateOrder is the
// order detected for the whole file, so every row of a file carries the same
// value.
type RawTransaction struct {
	Date        string            `json:"date"`
	Description string            `json:"description"`
	Amount      decimal.Decimal   `json:"amount"`
	Balance     *decimal.Decimal  `json:"balance,omitempty"`
	DateOrder   sniffer.DateOrder `json:"-"`
}

// TransactionRow represents a raw CSV row. Header names are lowercased
// before matching so "Date", "DATE" and "date" all land in Date.
type TransactionRow struct {
	Date      string `csv:"date"`
	PostDate  string `csv:"posting date"`
	DataMov   string `csv:"data mov."`
	Data      string `csv:"data"`
	Fecha     string `csv:"fecha"`
	Datum     string `csv:"datum"`
	TransDate string `csv:"transaction date"`

	Description string `csv:"description"`
	Descricao   string `csv:"descrição"`
	Descricao2  string `csv:"descricao"`
	Descripcion string `csv:"descripción"`
	Merchant    string `csv:"merchant"`
	Payee       string `csv:"payee"`
	Details     string `csv:"details"`
	Memo        string `csv:"memo"`
	Text        string `csv:"buchungstext"`

	Amount  string `csv:"amount"`
	Valor   string `csv:"valor"`
	Importe string `csv:"importe"`
	Value   string `csv:"value"`
	Betrag  string `csv:"betrag"`
	Montant string `csv:"montant"`

	Debit   string `csv:"debit"`
	Debito  string `csv:"débito"`
	Debito2 string `csv:"debito"`
	Cargo   string `csv:"cargo"`

	Credit   string `csv:"credit"`
	Credito  string `csv:"crédito"`
	Credito2 string `csv:"credito"`
	Abono    string `csv:"abono"`

	Balance string `csv:"balance"`
	Saldo   string `csv:"saldo"`
}

// CSVExtractor extracts transactions from delimited statement exports.
type CSVExtractor struct {
	logger *slog.Logger
}

// NewCSVExtractor creates an extractor
func NewCSVExtractor(logger *slog.Logger) *CSVExtractor {
	return &CSVExtractor{logger: logger}
}

// Extract sniffs the layout of data and returns one RawTransaction per usable
// row, in file order. Rows without a date are skipped; rows with a date but
// no readable amount are skipped and counted.
func (e *CSVExtractor) Extract(ctx context.Context, data []byte) ([]RawTransaction, error) {
	layout, err := sniffer.Detect(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	cols := sniffer.SuggestColumns(layout.Headers)
	dialect := sniffer.ProbeDialect(layout.SampleRows, cols.Date, cols.Amount, cols.Debit, cols.Credit, cols.Balance)

	body := skipLines(data, layout.SkipLines)
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = layout.Delimiter
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var rows []TransactionRow
	if err := gocsv.UnmarshalCSV(headerNormalizer{r}, &rows); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}

	out := make([]RawTransaction, 0, len(rows))
	skipped := 0
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tx, err := processRow(row, dialect.European)
		if err != nil {
			skipped++
			e.logger.Debug("skipping statement row",
				slog.Int("row", i+layout.SkipLines+2),
				slog.Any("error", err))
			continue
		}
		if tx != nil {
			out = append(out, *tx)
		}
	}

	// the sample only covers the first rows; vote again over the whole file
	dates := make([]string, len(out))
	for i := range out {
		dates[i] = out[i].Date
	}
	order := sniffer.ProbeDateOrder(dates, dialect)
	for i := range out {
		out[i].DateOrder = order
	}

	e.logger.Info("statement extracted",
		slog.Int("rows", len(rows)),
		slog.Int("transactions", len(out)),
		slog.Int("skipped", skipped),
		slog.Bool("european", dialect.European),
		slog.String("date_order", string(order)))

	return out, nil
}

func processRow(row TransactionRow, european bool) (*RawTransaction, error) {
	date := coalesce(row.Date, row.TransDate, row.PostDate, row.DataMov, row.Data, row.Fecha, row.Datum)
	if date == "" {
		return nil, nil
	}

	desc := cleanDescription(coalesce(row.Description, row.Descricao, row.Descricao2, row.Descripcion,
		row.Merchant, row.Payee, row.Details, row.Memo, row.Text))
	if desc == "" {
		return nil, fmt.Errorf("missing description")
	}

	var amount decimal.Decimal
	if raw := coalesce(row.Amount, row.Valor, row.Importe, row.Value, row.Betrag, row.Montant); raw != "" {
		a, err := money.ParseAmount(raw, european)
		if err != nil {
			return nil, err
		}
		amount = a
	} else {
		a, err := parseDebitCredit(
			coalesce(row.Debit, row.Debito, row.Debito2, row.Cargo),
			coalesce(row.Credit, row.Credito, row.Credito2, row.Abono),
			european)
		if err != nil {
			return nil, err
		}
		amount = a
	}

	tx := &RawTransaction{Date: date, Description: desc, Amount: amount}
	if raw := coalesce(row.Balance, row.Saldo); raw != "" {
		if b, err := money.ParseAmount(raw, european); err == nil {
			tx.Balance = &b
		}
	}
	return tx, nil
}

// parseDebitCredit handles double-entry columns: debits become negative,
// credits positive, regardless of the sign the bank printed.
func parseDebitCredit(debit, credit string, european bool) (decimal.Decimal, error) {
	if debit != "" {
		if d, err := money.ParseAmount(debit, european); err == nil && !d.IsZero() {
			return d.Abs().Neg(), nil
		}
	}
	if credit != "" {
		if c, err := money.ParseAmount(credit, european); err == nil && !c.IsZero() {
			return c.Abs(), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no amount found")
}

// headerNormalizer lowercases and trims the header row so it matches the
// csv tags on TransactionRow.
type headerNormalizer struct {
	*csv.Reader
}

func (h headerNormalizer) ReadAll() ([][]string, error) {
	rows, err := h.Reader.ReadAll()
	if err != nil || len(rows) == 0 {
		return rows, err
	}
	for i, col := range rows[0] {
		rows[0][i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\uFEFF")))
	}
	return rows, nil
}

func skipLines(data []byte, n int) []byte {
	for ; n > 0; n-- {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return nil
		}
		data = data[i+1:]
	}
	return data
}

// coalesce returns the first non-empty string
func coalesce(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func cleanDescription(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

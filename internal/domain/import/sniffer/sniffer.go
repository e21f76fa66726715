// Package sniffer detects the layout of a bank statement export: delimiter,
// header row, column roles and the regional number dialect.
package sniffer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
)

// headerKeywords are words that show up in statement header rows across
// the banks we have seen (English, Portuguese, Spanish, German).
var headerKeywords = []string{
	"date", "description", "amount", "debit", "credit", "balance", "merchant", "payee",
	"data", "descrição", "descricao", "débito", "debito", "crédito", "credito", "saldo", "valor",
	"fecha", "descripción", "importe", "cargo", "abono",
	"datum", "betrag", "buchungstext",
}

var (
	ErrEmptyFile        = errors.New("file is empty")
	ErrNoHeadersFound   = errors.New("could not find data headers")
	ErrInvalidDelimiter = errors.New("could not detect valid delimiter")
)

// Layout is the detected shape of a statement file.
type Layout struct {
	Delimiter  rune
	SkipLines  int
	Headers    []string
	SampleRows [][]string
}

// Columns holds the index of each role in the header row, -1 when absent.
type Columns struct {
	Date    int
	Desc    int
	Amount  int
	Debit   int
	Credit  int
	Balance int
}

// DateOrder is the field order of numeric dates such as 05/02/2026.
type DateOrder string

const (
	DateOrderUnknown    DateOrder = ""
	DateOrderDayFirst   DateOrder = "DD/MM/YYYY"
	DateOrderMonthFirst DateOrder = "MM/DD/YYYY"
)

// Dialect is the inferred regional format of a statement file.
type Dialect struct {
	European     bool // 1.234,56 instead of 1,234.56
	DateOrder    DateOrder
	CurrencyHint string
	Confidence   float64
}

// Detect finds the header row and delimiter of data.
func Detect(data []byte) (*Layout, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(string(data), "\n")
	delimiter, skip, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(cleanLine(lines[skip], skip == 0)))
	r.Comma = delimiter
	r.LazyQuotes = true
	headers, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	return &Layout{
		Delimiter:  delimiter,
		SkipLines:  skip,
		Headers:    headers,
		SampleRows: sampleRows(data, delimiter, skip+1, 10),
	}, nil
}

// SuggestColumns maps header names to column roles.
func SuggestColumns(headers []string) Columns {
	c := Columns{Date: -1, Desc: -1, Amount: -1, Debit: -1, Credit: -1, Balance: -1}
	set := func(idx *int, i int) {
		if *idx == -1 {
			*idx = i
		}
	}

	for i, header := range headers {
		h := strings.ToLower(strings.TrimSpace(header))
		switch {
		case strings.Contains(h, "date") || strings.Contains(h, "data mov") || h == "data" ||
			strings.Contains(h, "fecha") || h == "datum":
			set(&c.Date, i)
		case strings.Contains(h, "descri") || strings.Contains(h, "merchant") || h == "payee" ||
			h == "details" || h == "memo" || h == "buchungstext":
			set(&c.Desc, i)
		case strings.Contains(h, "debit") || strings.Contains(h, "débito") || h == "cargo":
			set(&c.Debit, i)
		case strings.Contains(h, "credit") || strings.Contains(h, "crédito") || h == "abono":
			set(&c.Credit, i)
		case h == "amount" || h == "valor" || h == "importe" || h == "value" || h == "betrag" || h == "montant":
			set(&c.Amount, i)
		case h == "balance" || h == "saldo":
			set(&c.Balance, i)
		}
	}
	return c
}

// ProbeDialect votes on the decimal separator using the given amount columns
// and on the date order using dateCol (-1 when absent).
func ProbeDialect(rows [][]string, dateCol int, amountCols ...int) Dialect {
	d := Dialect{Confidence: 0.5}
	european, us := 0, 0

	for _, row := range rows {
		for _, idx := range amountCols {
			if idx < 0 || idx >= len(row) {
				continue
			}
			switch amountHint(row[idx]) {
			case 1:
				european++
			case -1:
				us++
			}
		}
		for _, cell := range row {
			switch {
			case strings.Contains(cell, "€") || strings.Contains(cell, "EUR"):
				d.CurrencyHint = "EUR"
			case strings.Contains(cell, "R$") || strings.Contains(cell, "BRL"):
				d.CurrencyHint = "BRL"
				european++
			case strings.Contains(cell, "£"):
				d.CurrencyHint = "GBP"
			case strings.Contains(cell, "$") && d.CurrencyHint == "":
				d.CurrencyHint = "USD"
			}
		}
	}

	d.European = european > us
	if total := european + us; total > 0 {
		d.Confidence = float64(max(european, us)) / float64(total)
	}

	var dates []string
	if dateCol >= 0 {
		for _, row := range rows {
			if dateCol < len(row) {
				dates = append(dates, row[dateCol])
			}
		}
	}
	d.DateOrder = ProbeDateOrder(dates, d)
	return d
}

// ProbeDateOrder decides one date order for a whole file. A date whose first
// field is above 12 votes day-first, one whose second field is above 12 votes
// month-first. Without votes the dialect decides: European numbers or a
// EUR/GBP/BRL hint mean day-first, anything else month-first. Files with no
// numeric dates get DateOrderUnknown.
func ProbeDateOrder(dates []string, d Dialect) DateOrder {
	dayFirst, monthFirst, numeric := 0, 0, 0
	for _, date := range dates {
		a, b, ok := dateFields(date)
		if !ok {
			continue
		}
		numeric++
		switch {
		case a > 12 && b <= 12:
			dayFirst++
		case b > 12 && a <= 12:
			monthFirst++
		}
	}

	switch {
	case dayFirst > monthFirst:
		return DateOrderDayFirst
	case monthFirst > dayFirst:
		return DateOrderMonthFirst
	case numeric == 0:
		return DateOrderUnknown
	case d.European, d.CurrencyHint == "EUR", d.CurrencyHint == "GBP", d.CurrencyHint == "BRL":
		return DateOrderDayFirst
	default:
		return DateOrderMonthFirst
	}
}

// dateFields returns the first two fields of a numeric date with a trailing
// year, such as 05/02/2026 or 5-2-2026 10:30. Year-first dates are not
// ambiguous and report false.
func dateFields(s string) (int, int, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) != 3 || len(parts[0]) > 2 || len(parts[1]) > 2 || len(parts[2]) < 2 {
		return 0, 0, false
	}
	a, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return 0, 0, false
	}
	return a, b, true
}

// amountHint returns 1 for European, -1 for US and 0 when ambiguous.
func amountHint(val string) int {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == ',' || r == '.' {
			return r
		}
		return -1
	}, val)
	if cleaned == "" {
		return 0
	}

	comma, dot := strings.LastIndex(cleaned, ","), strings.LastIndex(cleaned, ".")
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			return 1
		}
		return -1
	case comma >= 0:
		if len(cleaned)-comma-1 <= 2 {
			return 1
		}
	case dot >= 0:
		if len(cleaned)-dot-1 <= 2 {
			return -1
		}
	}
	return 0
}

// findHeaderRow picks the early line matching the most header keywords,
// falling back to the widest line when none match.
func findHeaderRow(lines []string) (rune, int, error) {
	kwIdx, kwDelim, kwHits := -1, rune(0), 0
	fbIdx, fbDelim, fbCount := -1, rune(0), 0

	for i, line := range lines {
		if i > 20 {
			break
		}
		line = cleanLine(line, i == 0)
		if line == "" {
			continue
		}

		delimiter, count := detectDelimiter(line)
		if count < 1 {
			continue
		}

		lower := strings.ToLower(line)
		hits := 0
		for _, kw := range headerKeywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}

		switch {
		case hits > kwHits && count >= 2:
			kwIdx, kwDelim, kwHits = i, delimiter, hits
		case hits == 0 && count > fbCount:
			fbIdx, fbDelim, fbCount = i, delimiter, count
		}
	}

	if kwIdx >= 0 {
		return kwDelim, kwIdx, nil
	}
	if fbIdx >= 0 && fbCount >= 2 {
		return fbDelim, fbIdx, nil
	}
	if fbIdx >= 0 {
		return 0, 0, ErrInvalidDelimiter
	}
	return 0, 0, ErrNoHeadersFound
}

func cleanLine(line string, first bool) string {
	line = strings.TrimRight(line, "\r")
	if first {
		line = strings.TrimPrefix(line, "\uFEFF")
	}
	return strings.TrimSpace(line)
}

func detectDelimiter(line string) (rune, int) {
	best, bestCount := rune(0), 0
	for _, d := range []rune{';', '\t', ',', '|'} {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best, bestCount
}

func sampleRows(data []byte, delimiter rune, start, limit int) [][]string {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var rows [][]string
	for line := 0; len(rows) < limit; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if line >= start {
			rows = append(rows, record)
		}
	}
	return rows
}

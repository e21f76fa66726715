package emailscan

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/subscription-tracker/pkg/money"
)

// senderNoise are display-name words that say nothing about the merchant.
var senderNoise = map[string]bool{
	"no-reply": true, "noreply": true, "do-not-reply": true,
	"billing": true, "receipts": true, "payments": true,
	"team": true, "support": true, "info": true, "accounts": true,
	"notifications": true, "via": true,
}

// mailSubdomains are hostname labels used by bulk mail senders.
var mailSubdomains = map[string]bool{
	"mail": true, "email": true, "mailer": true, "em": true, "e": true,
	"info": true, "news": true, "notifications": true, "accounts": true,
}

// senderHint derives a merchant description from a From header such as
// "Netflix <info@mailer.netflix.com>". The display name wins; the
// registrable domain label is the fallback.
func senderHint(from string) string {
	name, address := "", strings.TrimSpace(from)
	if addr, err := mail.ParseAddress(from); err == nil {
		name, address = addr.Name, addr.Address
	}

	if cleaned := cleanSenderName(name); cleaned != "" {
		return cleaned
	}
	return domainLabel(address)
}

func cleanSenderName(name string) string {
	var kept []string
	for _, w := range strings.Fields(name) {
		if senderNoise[strings.ToLower(strings.Trim(w, "-_.,"))] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func domainLabel(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	labels := strings.Split(strings.ToLower(address[at+1:]), ".")
	for len(labels) > 2 && mailSubdomains[labels[0]] {
		labels = labels[1:]
	}
	if len(labels) < 2 {
		return titleCase(strings.Join(labels, ""))
	}
	label := labels[len(labels)-2]
	// "spotify.co.uk"
	if (label == "co" || label == "com") && len(labels) >= 3 {
		label = labels[len(labels)-3]
	}
	return titleCase(label)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
	}
	return strings.Join(words, " ")
}

var (
	symbolAmount = regexp.MustCompile(`([€$£])\s?(\d{1,3}(?:[.,\s]\d{3})*(?:[.,]\d{2})?)`)
	codeAmount   = regexp.MustCompile(`(\d{1,3}(?:[.,\s]\d{3})*(?:[.,]\d{2})?)\s?(EUR|USD|GBP|BRL)\b`)
)

var symbolCurrency = map[string]string{"€": "EUR", "$": "USD", "£": "GBP"}

// Price is an amount found in an email.
type Price struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// extractPrice returns the first positive price in text.
func extractPrice(text string) *Price {
	type found struct {
		at       int
		raw      string
		currency string
	}
	var candidates []found
	if m := symbolAmount.FindStringSubmatchIndex(text); m != nil {
		candidates = append(candidates, found{m[0], text[m[4]:m[5]], symbolCurrency[text[m[2]:m[3]]]})
	}
	if m := codeAmount.FindStringSubmatchIndex(text); m != nil {
		candidates = append(candidates, found{m[0], text[m[2]:m[3]], text[m[4]:m[5]]})
	}
	if len(candidates) == 0 {
		return nil
	}

	first := candidates[0]
	for _, c := range candidates[1:] {
		if c.at < first.at {
			first = c
		}
	}

	amount, err := money.ParseAmount(first.raw, isEuropean(first.raw))
	if err != nil || !amount.IsPositive() {
		return nil
	}
	return &Price{Amount: amount, Currency: first.currency}
}

// isEuropean reports whether the decimal separator is a comma, as in
// "1.234,56" or "15,99".
func isEuropean(raw string) bool {
	i := strings.LastIndexAny(raw, ".,")
	return i >= 0 && raw[i] == ',' && len(raw)-i-1 == 2
}

// Package extract normalizes raw value/currency text surfaced by the
// extraction LLM into the integer-base-unit conventions the pipeline
// persists: Indian lakh/crore multipliers, range low-ends, and multi-year
// totals reduced to their year-one figure.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberRe = regexp.MustCompile(`[\d,]+(?:\.\d+)?`)
	rangeRe  = regexp.MustCompile(`(?i)(\d[\d,.]*)\s*(?:-|to)\s*\d`)
	yearsRe  = regexp.MustCompile(`(?i)(\d+)\s*-?\s*year`)
)

// lakh = 100,000; crore = 10,000,000.
const (
	lakh  = 100_000
	crore = 10_000_000
)

// CurrencySymbols maps the symbols and codes the extractor may see to an
// ISO 4217 code recognized by the data model.
var CurrencySymbols = map[string]string{
	"$": "USD", "us$": "USD", "usd": "USD",
	"€": "EUR", "eur": "EUR",
	"£": "GBP", "gbp": "GBP",
	"c$": "CAD", "cad": "CAD",
	"a$": "AUD", "aud": "AUD",
	"₹": "INR", "rs": "INR", "rs.": "INR", "inr": "INR",
}

// NormalizeValue parses a raw monetary phrase like "₹1.5 Cr" or
// "$10k-$15k over 3 years" into an integer base-unit value and an ISO 4217
// currency code. Ranges use the low end; multi-year totals use the
// year-one figure, per the extraction prompt's pinned conventions.
func NormalizeValue(raw string) (value float64, currency string, ok bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0, "", false
	}
	lower := strings.ToLower(text)

	currency = detectCurrency(lower)
	if currency == "" {
		return 0, "", false
	}

	numText := text
	if m := rangeRe.FindStringSubmatch(text); m != nil {
		numText = m[1]
	}

	match := numberRe.FindString(numText)
	if match == "" {
		return 0, "", false
	}
	cleaned := strings.ReplaceAll(match, ",", "")
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, "", false
	}

	switch {
	case strings.Contains(lower, "cr") && (strings.Contains(lower, "crore") || strings.Contains(lower, "cr.") || strings.HasSuffix(strings.TrimSpace(lower), "cr")):
		n *= crore
	case strings.Contains(lower, "lakh") || strings.Contains(lower, "lac"):
		n *= lakh
	case strings.Contains(lower, "k"):
		n *= 1_000
	case strings.Contains(lower, "m") && !strings.Contains(lower, "min"):
		n *= 1_000_000
	}

	if m := yearsRe.FindStringSubmatch(lower); m != nil {
		if years, err := strconv.Atoi(m[1]); err == nil && years > 1 {
			n /= float64(years)
		}
	}

	return n, currency, true
}

// currencyRe finds the leftmost currency marker. "us$", "c$" and "a$" are
// tried before the bare "$", and letter codes match only as whole words, so
// "years" is not read as "rs".
var currencyRe = regexp.MustCompile(`us\$|c\$|a\$|\$|€|£|₹|\b(?:usd|eur|gbp|cad|aud|inr|rs)\b`)

func detectCurrency(lower string) string {
	return CurrencySymbols[currencyRe.FindString(lower)]
}

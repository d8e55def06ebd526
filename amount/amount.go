// Package amount parses monetary amounts written in either decimal
// convention ("1,234.56" or "1.234,56").
//
// The rule is "last separator wins": after currency symbols, words and
// whitespace are removed, the rightmost comma or period is the decimal
// point and every other separator is a grouping mark. Edge cases:
//
//	"1234"      no separators, integer       -> 1234
//	"0,50"      one separator                -> 0.50
//	"1,234"     one separator, treated as decimal point -> 1.234
//	"1.234,56"  two differing separators     -> 1234.56
//	"1,234,567" repeated separator, last one is decimal -> 1234.567
//	"$", ""     nothing numeric              -> no amount
package amount

import (
	"strings"
	"unicode"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

// Parse normalizes raw into a non-negative decimal. It returns None when raw
// carries no digits at all.
func Parse(raw string) fn.Option[decimal.Decimal] {
	token := numericRun(raw)
	if token == "" {
		return fn.None[decimal.Decimal]()
	}

	decimalAt := strings.LastIndexAny(token, ".,")

	var b strings.Builder
	for i, r := range token {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case i == decimalAt:
			b.WriteByte('.')
		}
	}

	normalized := b.String()
	if strings.HasPrefix(normalized, ".") {
		normalized = "0" + normalized
	}
	normalized = strings.TrimSuffix(normalized, ".")

	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return fn.None[decimal.Decimal]()
	}
	return fn.Some(value)
}

// numericRun returns the first run of digits, separators and spaces in s,
// without the spaces and with leading or trailing separators dropped.
func numericRun(s string) string {
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return ""
	}
	// Keep a separator directly in front of the first digit (".50").
	if start > 0 && isSeparator(rune(s[start-1])) {
		start--
	}

	var b strings.Builder
	for _, r := range s[start:] {
		switch {
		case isDigit(r), isSeparator(r):
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '\'':
		default:
			return trimSeparators(b.String())
		}
	}
	return trimSeparators(b.String())
}

func trimSeparators(s string) string {
	s = strings.TrimRight(s, ".,")
	if strings.HasPrefix(s, ",") {
		s = "." + s[1:]
	}
	return s
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isSeparator(r rune) bool {
	return r == '.' || r == ','
}

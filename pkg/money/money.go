// Package money implements fixed-point monetary values in integer minor
// units (cents). All core arithmetic and comparisons are integer math;
// decimals appear only at the parsing and wire edges.
package money

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in a specific currency, held as integer cents.
type Money struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"` // ISO 4217 code
}

// New creates a Money value from integer cents.
func New(cents int64, currency string) Money {
	return Money{Cents: cents, Currency: currency}
}

// Add adds two Money amounts. Returns an error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Cents: m.Cents + other.Cents, Currency: m.Currency}, nil
}

// Sub subtracts other from m. Returns an error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Cents: m.Cents - other.Cents, Currency: m.Currency}, nil
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Cents == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Cents < 0 }

// String renders the amount with exactly two fractional digits, e.g. "1234.50".
func (m Money) String() string {
	return FormatCents(m.Cents)
}

// FormatCents renders integer cents as a scale-2 decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// AbsCents returns |cents|.
func AbsCents(c int64) int64 {
	if c < 0 {
		return -c
	}
	return c
}

// WithinCents reports whether a and b differ by at most tol cents.
func WithinCents(a, b, tol int64) bool {
	return AbsCents(a-b) <= tol
}

// currencySymbols matches leading/trailing currency adornments on raw
// amount strings ("$1,234.50", "1.234,50 €" is out of scope: separators
// are normalized as US-style thousands commas).
var currencySymbols = regexp.MustCompile(`^[^\d\-+(]*|[^\d)]*$`)

// ParseCents parses a human-formatted amount ("$1,234.50", "1234.5",
// "1,000") into integer cents. The value is normalized to exactly two
// fractional digits; more than two fractional digits is an error, never a
// silent rounding.
func ParseCents(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = currencySymbols.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("amount %q has no digits", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a number", raw)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("amount %q has more than two fractional digits", raw)
	}
	cents := d.Round(2).Shift(2).IntPart()
	if neg {
		cents = -cents
	}
	return cents, nil
}

// Ratio returns |a-b| / max(|a|,|b|) as a float64, or 0 when both are zero.
// Used for wide-band candidate filtering and amount scoring.
func Ratio(a, b int64) float64 {
	da, db := AbsCents(a), AbsCents(b)
	max := da
	if db > max {
		max = db
	}
	if max == 0 {
		return 0
	}
	return float64(AbsCents(a-b)) / float64(max)
}

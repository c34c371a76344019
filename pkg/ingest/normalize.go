package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var isoLayouts = []string{"2006-01-02", "2006.01.02", "2006/01/02"}

// parseDate accepts ISO dates plus slash-separated locale-dependent
// forms. When both components could be a month, the locale decides;
// a component above 12 forces the other reading.
func parseDate(raw, locale string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	y, errY := strconv.Atoi(parts[2])
	if errA != nil || errB != nil || errY != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
	}
	if y < 100 {
		y += 2000
	}
	dayFirst := locale == "eu"
	switch {
	case a > 12 && b <= 12:
		dayFirst = true
	case b > 12 && a <= 12:
		dayFirst = false
	case a > 12 && b > 12:
		return time.Time{}, fmt.Errorf("date %q has no valid month", raw)
	}
	month, day := a, b
	if dayFirst {
		month, day = b, a
	}
	t := time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("date %q does not exist", raw)
	}
	return t, nil
}

// normalizeCurrency validates an ISO 4217 alpha code, falling back to
// the mapping default when the cell is blank.
func normalizeCurrency(raw, dflt string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		s = dflt
	}
	if s == "" {
		s = "USD"
	}
	if len(s) != 3 {
		return "", fmt.Errorf("currency %q is not a 3-letter code", raw)
	}
	for _, ch := range s {
		if ch < 'A' || ch > 'Z' {
			return "", fmt.Errorf("currency %q is not a 3-letter code", raw)
		}
	}
	return s, nil
}

// cleanText trims, collapses internal whitespace, and strips control
// characters from a free-text cell.
func cleanText(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	lastSpace := true
	for _, ch := range raw {
		switch {
		case unicode.IsControl(ch):
			continue
		case unicode.IsSpace(ch):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(ch)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// cleanIdentifier normalizes a document number. Control characters are
// an error rather than silently dropped so that OCR garbage surfaces in
// the error report.
func cleanIdentifier(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for _, ch := range s {
		if unicode.IsControl(ch) {
			return "", fmt.Errorf("identifier contains control characters")
		}
	}
	return s, nil
}

// parseQty parses a whole-unit quantity.
func parseQty(raw string) (int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	q, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity %q is not a whole number", raw)
	}
	return q, nil
}

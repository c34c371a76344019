package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Percent is a percentage with scale 4, stored in 1/10000ths of a percent.
// 5% == Percent(50000). This keeps tolerance configuration exact; it is
// converted to float64 only inside score computation.
type Percent int64

// PercentFromFloat builds a Percent from a plain percentage value (5.0 → 5%).
func PercentFromFloat(pct float64) Percent {
	return Percent(decimal.NewFromFloat(pct).Shift(4).Round(0).IntPart())
}

// ParsePercent parses "5", "5.25" or "5.25%" into a scale-4 Percent.
func ParsePercent(raw string) (Percent, error) {
	s := strings.TrimSuffix(strings.TrimSpace(raw), "%")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("percentage %q is not a number", raw)
	}
	return Percent(d.Shift(4).Round(0).IntPart()), nil
}

// Fraction returns the percentage as a fraction in [0,1] space (5% → 0.05).
func (p Percent) Fraction() float64 {
	return float64(p) / 1e6
}

// Float returns the plain percentage value (Percent(50000) → 5.0).
func (p Percent) Float() float64 {
	return float64(p) / 1e4
}

// String renders the percentage with scale 4, e.g. "5.0000".
func (p Percent) String() string {
	return decimal.New(int64(p), -4).StringFixed(4)
}

// Package rules resolves the effective matching rule set for an invoice
// from the tenant's layered tolerance configuration. Precedence, highest
// first: vendor, vendor category, amount band, global, built-in default.
// Unset fields fall through to the next layer.
package rules

import (
	"math"

	"github.com/ledgerline/reconcile/pkg/canonicalize"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/money"
)

// Weights are the composite score weights. They must sum to 1.
type Weights struct {
	Reference float64 `json:"ref"`
	Amount    float64 `json:"amt"`
	Vendor    float64 `json:"ven"`
	Date      float64 `json:"date"`
	Line      float64 `json:"line"`
}

// RuleSet is a fully resolved set of tolerances and thresholds.
type RuleSet struct {
	PriceTolPct     money.Percent `json:"price_tol_pct"`
	PriceTolCents   int64         `json:"price_tol_cents"`
	QtyTolPct       money.Percent `json:"qty_tol_pct"`
	QtyTolAbs       int64         `json:"qty_tol_abs"`
	DateTolDays     int           `json:"date_tol_days"`
	OverDeliveryPct money.Percent `json:"over_delivery_pct"`
	AutoApprove     float64       `json:"auto_approve"`
	ManualReview    float64       `json:"manual_review"`
	Weights         Weights       `json:"weights"`
}

// Default is the built-in base layer every resolution starts from.
func Default() RuleSet {
	return RuleSet{
		PriceTolPct:     money.PercentFromFloat(5),
		PriceTolCents:   0,
		QtyTolPct:       0,
		QtyTolAbs:       0,
		DateTolDays:     7,
		OverDeliveryPct: money.PercentFromFloat(2),
		AutoApprove:     0.85,
		ManualReview:    0.70,
		Weights: Weights{
			Reference: 0.35,
			Amount:    0.25,
			Vendor:    0.20,
			Date:      0.15,
			Line:      0.05,
		},
	}
}

// Hash is the canonical digest recorded in audit events so a decision can
// be traced to the exact rule set that produced it.
func (rs RuleSet) Hash() (string, error) {
	return canonicalize.Hash(rs)
}

// Validate enforces the consistency invariants. A violation means the
// tenant's configuration is broken, not the request.
func (rs RuleSet) Validate() error {
	if rs.ManualReview < 0 || rs.AutoApprove > 1 || rs.ManualReview > rs.AutoApprove {
		return contracts.NewErrorf(contracts.KindToleranceUnresolvable,
			"thresholds must satisfy 0 <= manual_review (%.2f) <= auto_approve (%.2f) <= 1",
			rs.ManualReview, rs.AutoApprove)
	}
	if rs.PriceTolPct < 0 || rs.PriceTolCents < 0 || rs.QtyTolPct < 0 ||
		rs.QtyTolAbs < 0 || rs.DateTolDays < 0 || rs.OverDeliveryPct < 0 {
		return contracts.NewError(contracts.KindToleranceUnresolvable,
			"tolerances must be non-negative")
	}
	sum := rs.Weights.Reference + rs.Weights.Amount + rs.Weights.Vendor +
		rs.Weights.Date + rs.Weights.Line
	if math.Abs(sum-1) > 1e-9 {
		return contracts.NewErrorf(contracts.KindToleranceUnresolvable,
			"score weights sum to %.4f, want 1.0", sum)
	}
	if rs.Weights.Reference < 0 || rs.Weights.Amount < 0 || rs.Weights.Vendor < 0 ||
		rs.Weights.Date < 0 || rs.Weights.Line < 0 {
		return contracts.NewError(contracts.KindToleranceUnresolvable,
			"score weights must be non-negative")
	}
	return nil
}

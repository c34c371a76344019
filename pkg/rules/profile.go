package rules

import (
	"context"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/money"
	"github.com/ledgerline/reconcile/pkg/store"
)

// profileConstraint gates which profile schema versions this build reads.
var profileConstraint = semver.MustParse("2.0.0")

// Profile is the YAML document operators use to configure a tenant's
// tolerance layers in bulk.
type Profile struct {
	Version string         `yaml:"version"`
	Layers  []ProfileLayer `yaml:"layers"`
}

// ProfileLayer is one tolerance layer. Omitted fields fall through to
// lower precedence layers at resolution time.
type ProfileLayer struct {
	Scope           string             `yaml:"scope"`
	Key             string             `yaml:"key,omitempty"`
	PriceTolPct     *string            `yaml:"price_tolerance_pct,omitempty"`
	PriceTolAmount  *string            `yaml:"price_tolerance_amount,omitempty"`
	QtyTolPct       *string            `yaml:"quantity_tolerance_pct,omitempty"`
	QtyTolAbs       *int64             `yaml:"quantity_tolerance_abs,omitempty"`
	DateTolDays     *int               `yaml:"date_tolerance_days,omitempty"`
	OverDeliveryPct *string            `yaml:"over_delivery_pct,omitempty"`
	AutoApprove     *float64           `yaml:"auto_approve_threshold,omitempty"`
	ManualReview    *float64           `yaml:"manual_review_threshold,omitempty"`
	Weights         map[string]float64 `yaml:"weights,omitempty"`
	When            string             `yaml:"when,omitempty"`
}

// ParseProfile decodes and validates a profile document.
func ParseProfile(r io.Reader) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, contracts.WrapError(contracts.KindValidationFailed,
			"malformed tolerance profile", err)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidationFailed,
			fmt.Sprintf("profile version %q is not semver", p.Version), err)
	}
	if v.Major() >= profileConstraint.Major() {
		return nil, contracts.NewErrorf(contracts.KindValidationFailed,
			"profile version %s is newer than this build supports (< %s)",
			p.Version, profileConstraint)
	}
	globals := 0
	for i, l := range p.Layers {
		switch store.ToleranceScope(l.Scope) {
		case store.ScopeGlobal:
			globals++
			if l.Key != "" {
				return nil, contracts.NewErrorf(contracts.KindValidationFailed,
					"layer %d: global scope takes no key", i)
			}
		case store.ScopeVendor, store.ScopeVendorCategory, store.ScopeAmountBand:
			if l.Key == "" {
				return nil, contracts.NewErrorf(contracts.KindValidationFailed,
					"layer %d: scope %s requires a key", i, l.Scope)
			}
		default:
			return nil, contracts.NewErrorf(contracts.KindValidationFailed,
				"layer %d: unknown scope %q", i, l.Scope)
		}
	}
	if globals > 1 {
		return nil, contracts.NewError(contracts.KindValidationFailed,
			"at most one global layer per profile")
	}
	return &p, nil
}

// Apply upserts every layer of the profile into the tenant's
// configuration inside the caller's session.
func Apply(ctx context.Context, sess *store.Session, p *Profile) error {
	for i, l := range p.Layers {
		row, err := l.toRow()
		if err != nil {
			return contracts.WrapError(contracts.KindValidationFailed,
				fmt.Sprintf("layer %d", i), err)
		}
		if err := sess.UpsertTolerance(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (l ProfileLayer) toRow() (*store.ToleranceRow, error) {
	row := &store.ToleranceRow{
		Scope:         store.ToleranceScope(l.Scope),
		ScopeKey:      l.Key,
		QtyTolAbs:     l.QtyTolAbs,
		DateTolDays:   l.DateTolDays,
		AutoApprove:   l.AutoApprove,
		ManualReview:  l.ManualReview,
		Weights:       l.Weights,
		Applicability: l.When,
	}
	var err error
	if row.PriceTolPct, err = pctField(l.PriceTolPct, "price_tolerance_pct"); err != nil {
		return nil, err
	}
	if row.QtyTolPct, err = pctField(l.QtyTolPct, "quantity_tolerance_pct"); err != nil {
		return nil, err
	}
	if row.OverDeliveryPct, err = pctField(l.OverDeliveryPct, "over_delivery_pct"); err != nil {
		return nil, err
	}
	if l.PriceTolAmount != nil {
		cents, err := money.ParseCents(*l.PriceTolAmount)
		if err != nil {
			return nil, fmt.Errorf("price_tolerance_amount: %w", err)
		}
		row.PriceTolCents = &cents
	}
	return row, nil
}

func pctField(raw *string, name string) (*money.Percent, error) {
	if raw == nil {
		return nil, nil
	}
	p, err := money.ParsePercent(*raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &p, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/money"
)

// ToleranceScope is one layer of the rule configuration.
type ToleranceScope string

const (
	ScopeGlobal         ToleranceScope = "global"
	ScopeAmountBand     ToleranceScope = "amount_band"
	ScopeVendorCategory ToleranceScope = "vendor_category"
	ScopeVendor         ToleranceScope = "vendor"
)

// ToleranceRow is one stored layer. Nil fields fall through to lower
// precedence layers during resolution.
type ToleranceRow struct {
	ID              string
	TenantID        string
	Scope           ToleranceScope
	ScopeKey        string // vendor id, category name, or "lo-hi" cents band
	PriceTolPct     *money.Percent
	PriceTolCents   *int64
	QtyTolPct       *money.Percent
	QtyTolAbs       *int64
	DateTolDays     *int
	OverDeliveryPct *money.Percent
	AutoApprove     *float64
	ManualReview    *float64
	Weights         map[string]float64 // empty = inherit
	Applicability   string             // optional CEL predicate
	Version         int64
}

// UpsertTolerance writes one layer; at most one row per (scope, key).
func (sess *Session) UpsertTolerance(ctx context.Context, row *ToleranceRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	row.TenantID = sess.tenant
	if row.Version == 0 {
		row.Version = 1
	}
	var weights any
	if len(row.Weights) > 0 {
		b, err := json.Marshal(row.Weights)
		if err != nil {
			return fmt.Errorf("store: marshal weights: %w", err)
		}
		weights = string(b)
	}
	_, err := sess.exec(ctx, `INSERT INTO matching_tolerances
		(tenant_id, id, scope, scope_key, price_tol_pct, price_tol_cents,
		 qty_tol_pct, qty_tol_abs, date_tol_days, over_delivery_pct,
		 auto_approve, manual_review, weights, applicability, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, scope, scope_key) DO UPDATE SET
			price_tol_pct = excluded.price_tol_pct,
			price_tol_cents = excluded.price_tol_cents,
			qty_tol_pct = excluded.qty_tol_pct,
			qty_tol_abs = excluded.qty_tol_abs,
			date_tol_days = excluded.date_tol_days,
			over_delivery_pct = excluded.over_delivery_pct,
			auto_approve = excluded.auto_approve,
			manual_review = excluded.manual_review,
			weights = excluded.weights,
			applicability = excluded.applicability,
			version = matching_tolerances.version + 1,
			updated_at = excluded.updated_at`,
		sess.tenant, row.ID, string(row.Scope), row.ScopeKey,
		pctPtr(row.PriceTolPct), row.PriceTolCents, pctPtr(row.QtyTolPct),
		row.QtyTolAbs, row.DateTolDays, pctPtr(row.OverDeliveryPct),
		row.AutoApprove, row.ManualReview, weights, row.Applicability,
		row.Version, fmtTime(now()))
	return err
}

func pctPtr(p *money.Percent) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// Tolerances loads every layer for the tenant; the resolver orders them.
func (sess *Session) Tolerances(ctx context.Context) ([]*ToleranceRow, error) {
	rows, err := sess.query(ctx, `SELECT tenant_id, id, scope, scope_key,
		price_tol_pct, price_tol_cents, qty_tol_pct, qty_tol_abs,
		date_tol_days, over_delivery_pct, auto_approve, manual_review,
		weights, applicability, version
		FROM matching_tolerances WHERE tenant_id = ?`, sess.tenant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ToleranceRow
	for rows.Next() {
		var (
			r                ToleranceRow
			scope            string
			pPct, qPct, oPct sql.NullInt64
			pCents, qAbs     sql.NullInt64
			dateDays         sql.NullInt64
			auto, manual     sql.NullFloat64
			weights          sql.NullString
		)
		if err := rows.Scan(&r.TenantID, &r.ID, &scope, &r.ScopeKey,
			&pPct, &pCents, &qPct, &qAbs, &dateDays, &oPct,
			&auto, &manual, &weights, &r.Applicability, &r.Version); err != nil {
			return nil, sess.store.classify(err)
		}
		if err := sess.guardTenant(r.TenantID); err != nil {
			return nil, err
		}
		r.Scope = ToleranceScope(scope)
		if pPct.Valid {
			p := money.Percent(pPct.Int64)
			r.PriceTolPct = &p
		}
		if qPct.Valid {
			p := money.Percent(qPct.Int64)
			r.QtyTolPct = &p
		}
		if oPct.Valid {
			p := money.Percent(oPct.Int64)
			r.OverDeliveryPct = &p
		}
		if pCents.Valid {
			r.PriceTolCents = &pCents.Int64
		}
		if qAbs.Valid {
			r.QtyTolAbs = &qAbs.Int64
		}
		if dateDays.Valid {
			d := int(dateDays.Int64)
			r.DateTolDays = &d
		}
		if auto.Valid {
			r.AutoApprove = &auto.Float64
		}
		if manual.Valid {
			r.ManualReview = &manual.Float64
		}
		if weights.Valid && weights.String != "" {
			if err := json.Unmarshal([]byte(weights.String), &r.Weights); err != nil {
				return nil, fmt.Errorf("store: corrupt weights: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ToleranceVersionSum is a cheap change detector: the resolver cache keys
// on it so any edit invalidates resolved rule sets.
func (sess *Session) ToleranceVersionSum(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	if err := sess.queryRow(ctx, `SELECT SUM(version) FROM matching_tolerances
		WHERE tenant_id = ?`, sess.tenant).Scan(&sum); err != nil {
		return 0, sess.store.classify(err)
	}
	return sum.Int64, nil
}

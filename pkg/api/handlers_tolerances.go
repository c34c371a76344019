package api

import (
	"net/http"
	"strconv"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/money"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

func (s *Server) handleListTolerances(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	rows, err := sess.Tolerances(r.Context())
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

type toleranceRequest struct {
	Scope           string             `json:"scope"`
	ScopeKey        string             `json:"scope_key,omitempty"`
	PriceTolPct     *string            `json:"price_tol_pct,omitempty"`
	PriceTolCents   *int64             `json:"price_tol_cents,omitempty"`
	QtyTolPct       *string            `json:"qty_tol_pct,omitempty"`
	QtyTolAbs       *int64             `json:"qty_tol_abs,omitempty"`
	DateTolDays     *int               `json:"date_tol_days,omitempty"`
	OverDeliveryPct *string            `json:"over_delivery_pct,omitempty"`
	AutoApprove     *float64           `json:"auto_approve,omitempty"`
	ManualReview    *float64           `json:"manual_review,omitempty"`
	Weights         map[string]float64 `json:"weights,omitempty"`
	Applicability   string             `json:"applicability,omitempty"`
}

// handleUpsertTolerance writes one tolerance layer and invalidates the
// resolver cache cluster-wide.
func (s *Server) handleUpsertTolerance(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req toleranceRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	row, err := req.toRow()
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	if err := sess.UpsertTolerance(r.Context(), row); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	s.commitJSON(w, r, sess, http.StatusOK, row)
	s.resolver.Invalidate(r.Context(), rc.TenantID)
}

func (req *toleranceRequest) toRow() (*store.ToleranceRow, error) {
	scope := store.ToleranceScope(req.Scope)
	switch scope {
	case store.ScopeGlobal:
		if req.ScopeKey != "" {
			return nil, contracts.NewError(contracts.KindValidationFailed,
				"global scope takes no scope_key")
		}
	case store.ScopeVendor, store.ScopeVendorCategory, store.ScopeAmountBand:
		if req.ScopeKey == "" {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed,
				"scope %s requires scope_key", scope)
		}
	default:
		return nil, contracts.NewErrorf(contracts.KindValidationFailed,
			"unknown scope %q", req.Scope)
	}
	row := &store.ToleranceRow{
		Scope:         scope,
		ScopeKey:      req.ScopeKey,
		PriceTolCents: req.PriceTolCents,
		QtyTolAbs:     req.QtyTolAbs,
		DateTolDays:   req.DateTolDays,
		AutoApprove:   req.AutoApprove,
		ManualReview:  req.ManualReview,
		Weights:       req.Weights,
		Applicability: req.Applicability,
	}
	var err error
	if row.PriceTolPct, err = pctParam(req.PriceTolPct, "price_tol_pct"); err != nil {
		return nil, err
	}
	if row.QtyTolPct, err = pctParam(req.QtyTolPct, "qty_tol_pct"); err != nil {
		return nil, err
	}
	if row.OverDeliveryPct, err = pctParam(req.OverDeliveryPct, "over_delivery_pct"); err != nil {
		return nil, err
	}
	return row, nil
}

func pctParam(raw *string, name string) (*money.Percent, error) {
	if raw == nil {
		return nil, nil
	}
	p, err := money.ParsePercent(*raw)
	if err != nil {
		return nil, contracts.NewErrorf(contracts.KindValidationFailed,
			"%s %q is not a percentage", name, *raw)
	}
	return &p, nil
}

// handleApplyProfile ingests a YAML tolerance profile.
func (s *Server) handleApplyProfile(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	profile, err := rules.ParseProfile(r.Body)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	if err := rules.Apply(r.Context(), sess, profile); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	s.commitJSON(w, r, sess, http.StatusOK, map[string]any{
		"version": profile.Version,
		"layers":  len(profile.Layers),
	})
	s.resolver.Invalidate(r.Context(), rc.TenantID)
}

// handleEffectiveRules previews the merged rule set for a hypothetical
// invoice, exposing exactly what the matcher would use.
func (s *Server) handleEffectiveRules(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	q := r.URL.Query()
	amount, _ := strconv.ParseInt(q.Get("amount_cents"), 10, 64)
	query := rules.Query{
		VendorID:       q.Get("vendor_id"),
		VendorCategory: q.Get("category"),
		AmountCents:    amount,
		Currency:       q.Get("currency"),
	}
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	rs, err := s.resolver.Resolve(r.Context(), sess, query)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

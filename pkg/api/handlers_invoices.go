package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/reconcile/pkg/auditlog"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/match"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

// pageFrom reads ?page= and ?limit= with the store's defaults.
func pageFrom(r *http.Request) store.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.Page{Page: page, Limit: limit}.Normalize()
}

type invoiceLineRequest struct {
	SKU            string `json:"sku,omitempty"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createInvoiceRequest struct {
	InvoiceNumber string               `json:"invoice_number"`
	VendorID      string               `json:"vendor_id"`
	PONumber      string               `json:"po_number,omitempty"`
	SubtotalCents int64                `json:"subtotal_cents"`
	TaxCents      int64                `json:"tax_cents"`
	TotalCents    int64                `json:"total_cents"`
	Currency      string               `json:"currency"`
	InvoiceDate   string               `json:"invoice_date"`
	DueDate       string               `json:"due_date,omitempty"`
	Lines         []invoiceLineRequest `json:"lines,omitempty"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req createInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	inv, err := req.toInvoice()
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
	if _, err := sess.GetVendor(r.Context(), inv.VendorID); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if err := sess.InsertInvoice(r.Context(), inv); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	s.commitJSON(w, r, sess, http.StatusCreated, inv)
}

func (req *createInvoiceRequest) toInvoice() (*contracts.Invoice, error) {
	if req.InvoiceNumber == "" {
		return nil, contracts.NewError(contracts.KindValidationFailed, "invoice_number is required")
	}
	if req.VendorID == "" {
		return nil, contracts.NewError(contracts.KindValidationFailed, "vendor_id is required")
	}
	if req.TotalCents <= 0 {
		return nil, contracts.NewError(contracts.KindValidationFailed, "total_cents must be positive")
	}
	if len(req.Currency) != 3 {
		return nil, contracts.NewError(contracts.KindValidationFailed, "currency must be a 3-letter code")
	}
	invDate, err := time.Parse("2006-01-02", req.InvoiceDate)
	if err != nil {
		return nil, contracts.NewErrorf(contracts.KindValidationFailed, "invoice_date %q is not YYYY-MM-DD", req.InvoiceDate)
	}
	inv := &contracts.Invoice{
		InvoiceNumber: req.InvoiceNumber,
		VendorID:      req.VendorID,
		PONumber:      req.PONumber,
		SubtotalCents: req.SubtotalCents,
		TaxCents:      req.TaxCents,
		TotalCents:    req.TotalCents,
		Currency:      req.Currency,
		InvoiceDate:   invDate,
		ImportSource:  "api",
	}
	if req.SubtotalCents == 0 && req.TaxCents == 0 {
		inv.SubtotalCents = req.TotalCents
	}
	if !inv.TotalsConsistent() {
		return nil, contracts.NewError(contracts.KindValidationFailed,
			"total_cents must equal subtotal_cents + tax_cents")
	}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed, "due_date %q is not YYYY-MM-DD", req.DueDate)
		}
		if due.Before(invDate) {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed,
				"due_date %s precedes invoice_date %s", req.DueDate, req.InvoiceDate)
		}
		inv.DueDate = &due
	}
	for i, l := range req.Lines {
		if l.Quantity <= 0 || l.UnitPriceCents < 0 {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed, "line %d has invalid quantity or price", i+1)
		}
		inv.Lines = append(inv.Lines, contracts.InvoiceLine{
			LineNumber:     i + 1,
			SKU:            l.SKU,
			Description:    l.Description,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
			LineTotalCents: l.Quantity * l.UnitPriceCents,
		})
	}
	return inv, nil
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	q := r.URL.Query()
	f := store.InvoiceFilter{
		VendorID:       q.Get("vendor_id"),
		Status:         contracts.InvoiceStatus(q.Get("status")),
		MatchingStatus: contracts.MatchingStatus(q.Get("matching_status")),
	}
	var sorts []store.Sort
	if field := q.Get("sort"); field != "" {
		sorts = append(sorts, store.Sort{Field: field, Desc: q.Get("order") == "desc"})
	}
	page := pageFrom(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	invs, total, err := sess.ListInvoices(r.Context(), f, page, sorts)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writePage(w, invs, total, page)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	inv, err := sess.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// handleCancelInvoice soft-deletes: the invoice stays for audit but
// leaves every matching population.
func (s *Server) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	id := chi.URLParam(r, "id")
	inv, err := sess.GetInvoice(r.Context(), id)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if inv.Status == contracts.InvoiceStatusCancelled {
		writeJSON(w, http.StatusOK, inv)
		return
	}
	if err := sess.SetInvoiceStatus(r.Context(), id, contracts.InvoiceStatusCancelled); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	inv.Status = contracts.InvoiceStatusCancelled
	s.commitJSON(w, r, sess, http.StatusOK, inv)
}

type matchRequest struct {
	// Optional one-off override of the resolved rule set.
	Rules *matchRuleOverride `json:"rules,omitempty"`
}

type matchRuleOverride struct {
	AutoApproveThreshold  *float64 `json:"auto_approve_threshold,omitempty"`
	ManualReviewThreshold *float64 `json:"manual_review_threshold,omitempty"`
}

func (s *Server) handleMatchInvoice(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req matchRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
	}
	opts := match.Options{Actor: rc.UserID}
	if req.Rules != nil {
		rs := rules.Default()
		if req.Rules.AutoApproveThreshold != nil {
			rs.AutoApprove = *req.Rules.AutoApproveThreshold
		}
		if req.Rules.ManualReviewThreshold != nil {
			rs.ManualReview = *req.Rules.ManualReviewThreshold
		}
		opts.Override = &rs
	}
	out, err := s.engine.MatchInvoice(r.Context(), rc.TenantID, chi.URLParam(r, "id"), opts)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInvoiceMatches(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	results, err := sess.MatchesForInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// invoiceAuditResponse pairs the chain with its verification verdict.
type invoiceAuditResponse struct {
	Events []*contracts.MatchAuditEvent `json:"events"`
	Intact bool                         `json:"intact"`
	Break  *auditlog.BreakReport        `json:"break,omitempty"`
}

func (s *Server) handleInvoiceAudit(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	id := chi.URLParam(r, "id")
	events, err := sess.AuditEventsForInvoice(r.Context(), id)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	brk, err := auditlog.VerifyInvoice(r.Context(), sess, id)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceAuditResponse{Events: events, Intact: brk == nil, Break: brk})
}

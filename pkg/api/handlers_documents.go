package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/match/similarity"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

type poLineRequest struct {
	SKU            string `json:"sku,omitempty"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createPORequest struct {
	PONumber     string          `json:"po_number"`
	VendorID     string          `json:"vendor_id"`
	TotalCents   int64           `json:"total_cents"`
	Currency     string          `json:"currency"`
	PODate       string          `json:"po_date"`
	ExpectedDate string          `json:"expected_date,omitempty"`
	Lines        []poLineRequest `json:"lines,omitempty"`
}

func (s *Server) handleCreatePO(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req createPORequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.PONumber == "" || req.VendorID == "" {
		WriteError(w, r, s.logger, contracts.NewError(contracts.KindValidationFailed,
			"po_number and vendor_id are required"))
		return
	}
	if req.TotalCents <= 0 || len(req.Currency) != 3 {
		WriteError(w, r, s.logger, contracts.NewError(contracts.KindValidationFailed,
			"total_cents must be positive and currency a 3-letter code"))
		return
	}
	poDate, err := time.Parse("2006-01-02", req.PODate)
	if err != nil {
		WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindValidationFailed,
			"po_date %q is not YYYY-MM-DD", req.PODate))
		return
	}
	po := &contracts.PurchaseOrder{
		PONumber:   req.PONumber,
		VendorID:   req.VendorID,
		TotalCents: req.TotalCents,
		Currency:   strings.ToUpper(req.Currency),
		PODate:     poDate,
		Status:     contracts.POStatusOpen,
	}
	if req.ExpectedDate != "" {
		exp, err := time.Parse("2006-01-02", req.ExpectedDate)
		if err != nil {
			WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindValidationFailed,
				"expected_date %q is not YYYY-MM-DD", req.ExpectedDate))
			return
		}
		po.ExpectedDate = &exp
	}
	for i, l := range req.Lines {
		po.Lines = append(po.Lines, contracts.POLine{
			LineNumber:     i + 1,
			SKU:            l.SKU,
			Description:    l.Description,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
			LineTotalCents: l.Quantity * l.UnitPriceCents,
		})
	}
	if !po.LinesConsistent() {
		WriteError(w, r, s.logger, contracts.NewError(contracts.KindValidationFailed,
			"line totals do not sum to total_cents"))
		return
	}
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	if _, err := sess.GetVendor(r.Context(), po.VendorID); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if err := sess.InsertPurchaseOrder(r.Context(), po); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	s.commitJSON(w, r, sess, http.StatusCreated, po)
}

func (s *Server) handleListPOs(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	q := r.URL.Query()
	f := store.POFilter{
		VendorID: q.Get("vendor_id"),
		Status:   contracts.POStatus(q.Get("status")),
	}
	page := pageFrom(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	pos, total, err := sess.ListPurchaseOrders(r.Context(), f, page, nil)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writePage(w, pos, total, page)
}

func (s *Server) handleGetPO(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	po, err := sess.GetPurchaseOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, po)
}

type receiptLineRequest struct {
	SKU         string `json:"sku"`
	ReceivedQty int64  `json:"received_qty"`
}

type createReceiptRequest struct {
	PONumber      string               `json:"po_number"`
	ReceiptNumber string               `json:"receipt_number,omitempty"`
	ReceivedDate  string               `json:"received_date"`
	Lines         []receiptLineRequest `json:"lines"`
}

// handleCreateReceipt records goods received against a PO. Lines are
// matched to PO lines by SKU.
func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req createReceiptRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.PONumber == "" || len(req.Lines) == 0 {
		WriteError(w, r, s.logger, contracts.NewError(contracts.KindValidationFailed,
			"po_number and at least one line are required"))
		return
	}
	recvDate, err := time.Parse("2006-01-02", req.ReceivedDate)
	if err != nil {
		WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindValidationFailed,
			"received_date %q is not YYYY-MM-DD", req.ReceivedDate))
		return
	}
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	po, err := sess.GetPOByNumber(r.Context(), req.PONumber)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if !po.Status.Matchable() {
		WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindConflict,
			"purchase order %s is %s and cannot receive goods", po.PONumber, po.Status))
		return
	}
	receipt := &contracts.GoodsReceipt{
		ReceiptNumber: req.ReceiptNumber,
		POID:          po.ID,
		ReceivedDate:  recvDate,
	}
	for _, l := range req.Lines {
		var poLine *contracts.POLine
		for i := range po.Lines {
			if strings.EqualFold(po.Lines[i].SKU, l.SKU) {
				poLine = &po.Lines[i]
				break
			}
		}
		if poLine == nil {
			WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindValidationFailed,
				"sku %q is not on purchase order %s", l.SKU, po.PONumber))
			return
		}
		if l.ReceivedQty <= 0 {
			WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindValidationFailed,
				"received_qty for sku %q must be positive", l.SKU))
			return
		}
		receipt.TotalCents += l.ReceivedQty * poLine.UnitPriceCents
		receipt.Lines = append(receipt.Lines, contracts.ReceiptLine{
			POLineID:    poLine.ID,
			SKU:         poLine.SKU,
			Description: poLine.Description,
			ReceivedQty: l.ReceivedQty,
		})
	}
	rs, err := s.resolver.Resolve(r.Context(), sess, rules.Query{
		VendorID:    po.VendorID,
		AmountCents: po.TotalCents,
		Currency:    po.Currency,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if err := sess.RecordReceipt(r.Context(), po, receipt, rs.OverDeliveryPct.Fraction()); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	s.commitJSON(w, r, sess, http.StatusCreated, receipt)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	receipt, err := sess.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type createVendorRequest struct {
	LegalName    string   `json:"legal_name"`
	DisplayName  string   `json:"display_name,omitempty"`
	TaxID        string   `json:"tax_id,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
	PaymentTerms int      `json:"payment_terms_days,omitempty"`
}

func (s *Server) handleCreateVendor(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req createVendorRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if strings.TrimSpace(req.LegalName) == "" {
		WriteError(w, r, s.logger, contracts.NewError(contracts.KindValidationFailed,
			"legal_name is required"))
		return
	}
	v := &contracts.Vendor{
		LegalName:      req.LegalName,
		DisplayName:    req.DisplayName,
		NormalizedName: similarity.Normalize(req.LegalName),
		TaxID:          req.TaxID,
		Aliases:        req.Aliases,
		PaymentTerms:   req.PaymentTerms,
	}
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	if err := sess.InsertVendor(r.Context(), v); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	s.commitJSON(w, r, sess, http.StatusCreated, v)
}

func (s *Server) handleListVendors(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	page := pageFrom(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	vendors, total, err := sess.ListVendors(r.Context(), page)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writePage(w, vendors, total, page)
}

func (s *Server) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	v, err := sess.GetVendor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

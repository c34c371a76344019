package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/reconcile/pkg/auditlog"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/exceptions"
	"github.com/ledgerline/reconcile/pkg/match"
	"github.com/ledgerline/reconcile/pkg/store"
)

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	q := r.URL.Query()
	f := store.MatchFilter{
		InvoiceID: q.Get("invoice_id"),
		Status:    contracts.MatchStatus(q.Get("status")),
	}
	page := pageFrom(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	results, total, err := sess.ListMatches(r.Context(), f, page)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writePage(w, results, total, page)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	m, err := sess.GetMatchResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	q := r.URL.Query()
	f := store.ExceptionFilter{
		Status:     contracts.ExceptionStatus(q.Get("status")),
		Priority:   contracts.ExceptionPriority(q.Get("priority")),
		Reason:     contracts.ExceptionReason(q.Get("reason")),
		AssignedTo: q.Get("assigned_to"),
	}
	page := pageFrom(r)
	entries, total, err := s.exceptions.List(r.Context(), rc.TenantID, f, page)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writePage(w, entries, total, page)
}

func (s *Server) handleGetException(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	entry, err := s.exceptions.Get(r.Context(), rc.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type claimRequest struct {
	Version int64 `json:"version"`
}

func (s *Server) handleClaimException(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	entry, err := s.exceptions.Claim(r.Context(), rc.TenantID, chi.URLParam(r, "id"), rc.UserID, req.Version)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type decideRequest struct {
	Decision   string `json:"decision"` // approve | reject_all | defer
	MatchID    string `json:"match_id,omitempty"`
	DeferUntil string `json:"defer_until,omitempty"` // RFC 3339
	Notes      string `json:"notes,omitempty"`
	Version    int64  `json:"version"`
}

func (s *Server) handleDecideException(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req decideRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	d := exceptions.Decision{
		Kind:    exceptions.DecisionKind(req.Decision),
		MatchID: req.MatchID,
		Notes:   req.Notes,
	}
	if req.DeferUntil != "" {
		until, err := time.Parse(time.RFC3339, req.DeferUntil)
		if err != nil {
			WriteError(w, r, s.logger, contracts.NewErrorf(contracts.KindValidationFailed,
				"defer_until %q is not RFC 3339", req.DeferUntil))
			return
		}
		d.DeferUntil = &until
	}
	id := chi.URLParam(r, "id")
	if err := s.exceptions.Decide(r.Context(), rc.TenantID, id, rc.UserID, req.Version, d); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	entry, err := s.exceptions.Get(r.Context(), rc.TenantID, id)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type runBatchRequest struct {
	InvoiceIDs  []string `json:"invoice_ids,omitempty"` // empty = all eligible
	Parallelism int      `json:"parallelism,omitempty"`
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	var req runBatchRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, s.logger, err)
			return
		}
	}
	report, err := s.engine.MatchBatch(r.Context(), rc.TenantID, match.BatchRequest{
		InvoiceIDs:  req.InvoiceIDs,
		Parallelism: req.Parallelism,
		Actor:       rc.UserID,
	}, nil)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// verifyAuditResponse reports chain verification across the tenant.
type verifyAuditResponse struct {
	CheckedInvoices int                    `json:"checked_invoices"`
	Intact          bool                   `json:"intact"`
	Breaks          []auditlog.BreakReport `json:"breaks,omitempty"`
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	breaks, checked, err := auditlog.VerifyAll(r.Context(), sess)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyAuditResponse{
		CheckedInvoices: checked,
		Intact:          len(breaks) == 0,
		Breaks:          breaks,
	})
}

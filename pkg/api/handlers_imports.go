package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/ingest"
	"github.com/ledgerline/reconcile/pkg/store"
)

// handleImport accepts a multipart upload: a "mapping" part holding the
// column-mapping JSON followed by a "file" part, which is streamed into
// the ingestion pipeline without buffering the whole upload.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	mr, err := r.MultipartReader()
	if err != nil {
		WriteError(w, r, s.logger, contracts.WrapError(
			contracts.KindValidationFailed, "expected multipart/form-data", err))
		return
	}

	var mapping *ingest.Mapping
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			WriteError(w, r, s.logger, contracts.WrapError(
				contracts.KindValidationFailed, "malformed multipart body", err))
			return
		}
		switch part.FormName() {
		case "mapping":
			raw, err := io.ReadAll(io.LimitReader(part, maxBodyBytes))
			if err != nil {
				WriteError(w, r, s.logger, contracts.WrapError(
					contracts.KindValidationFailed, "unreadable mapping part", err))
				return
			}
			if mapping, err = ingest.ParseMapping(raw); err != nil {
				WriteError(w, r, s.logger, err)
				return
			}
		case "file":
			if mapping == nil {
				WriteError(w, r, s.logger, contracts.NewError(
					contracts.KindValidationFailed, "mapping part must precede file part"))
				return
			}
			batch, rowErrs, err := s.importer.Run(r.Context(), rc.TenantID, mapping, part, ingest.Options{})
			if err != nil {
				pd := Problem(r, err)
				pd.Errors = rowErrs
				writeProblem(w, pd)
				return
			}
			status := http.StatusCreated
			if batch.Status == store.ImportFailed {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(w, status, importResponse{Batch: batch, Errors: rowErrs})
			return
		}
	}
	WriteError(w, r, s.logger, contracts.NewError(
		contracts.KindValidationFailed, "multipart body is missing the file part"))
}

type importResponse struct {
	Batch  *store.ImportBatch `json:"batch"`
	Errors []store.RowError   `json:"errors,omitempty"`
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	batch, err := sess.GetImportBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleImportErrors(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	sess, err := s.store.Begin(r.Context(), rc.TenantID)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	defer sess.Rollback()
	id := chi.URLParam(r, "id")
	if _, err := sess.GetImportBatch(r.Context(), id); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	rowErrs, err := sess.RowErrors(r.Context(), id)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "errors": rowErrs})
}

// handleExportInvoices streams the tenant's invoices as CSV.
func (s *Server) handleExportInvoices(w http.ResponseWriter, r *http.Request) {
	rc := tenant(r)
	q := r.URL.Query()
	f := store.InvoiceFilter{
		VendorID:       q.Get("vendor_id"),
		Status:         contracts.InvoiceStatus(q.Get("status")),
		MatchingStatus: contracts.MatchingStatus(q.Get("matching_status")),
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="invoices.csv"`)
	if _, err := s.importer.ExportInvoices(r.Context(), rc.TenantID, f, w); err != nil {
		// headers are already sent; log rather than emit a broken problem doc
		s.logger.Error("invoice export failed", "tenant_id", rc.TenantID, "error", err)
	}
}

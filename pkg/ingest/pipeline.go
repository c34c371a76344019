// Package ingest implements bulk CSV ingestion: encoding and delimiter
// detection, column mapping, per-field normalization, windowed
// transactional persistence, duplicate detection, and the error-rate
// abort policy. Raw uploads and error reports are retained in a blob
// store keyed by content hash.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ledgerline/reconcile/pkg/archive"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/events"
	"github.com/ledgerline/reconcile/pkg/match/similarity"
	"github.com/ledgerline/reconcile/pkg/money"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

const (
	// DefaultWindowSize rows are parsed and persisted per transaction so
	// memory stays proportional to the window, not the file.
	DefaultWindowSize = 500

	// DefaultAbortRate is the rejected/processed fraction above which
	// (strictly) the import aborts and rolls back.
	DefaultAbortRate = 0.10

	// MaxUploadBytes caps a single upload.
	MaxUploadBytes = 50 << 20
)

// Row error codes surfaced in the import report.
const (
	CodeFieldCount     = "field_count"
	CodeMissingValue   = "missing_value"
	CodeBadDate        = "bad_date"
	CodeBadAmount      = "bad_amount"
	CodeBadCurrency    = "bad_currency"
	CodeBadQuantity    = "bad_quantity"
	CodeTotalsMismatch = "totals_mismatch"
	CodeDupInBatch     = "duplicate_in_batch"
	CodeDupExisting    = "duplicate_existing"
	CodePONotFound     = "po_not_found"
	CodeSKUNotOnPO     = "sku_not_on_po"
	CodeOverDelivery   = "over_delivery"
)

// Progress is reported after every window commit.
type Progress struct {
	Processed  int
	Accepted   int
	Rejected   int
	Duplicates int
}

// Options tune a single import run.
type Options struct {
	WindowSize     int
	AbortErrorRate float64 // fraction; zero means DefaultAbortRate
	Progress       func(Progress)
}

func (o Options) normalize() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.AbortErrorRate <= 0 {
		o.AbortErrorRate = DefaultAbortRate
	}
	return o
}

// Importer drives CSV imports against the store. The resolver supplies
// the over-delivery allowance when receipts are ingested.
type Importer struct {
	store    *store.Store
	blobs    archive.BlobStore
	resolver *rules.Resolver
	logger   *slog.Logger
}

func NewImporter(st *store.Store, blobs archive.BlobStore, resolver *rules.Resolver, logger *slog.Logger) *Importer {
	return &Importer{store: st, blobs: blobs, resolver: resolver, logger: logger}
}

// parsedRow is the normalized form of one accepted CSV row, tagged with
// its source row number for error reporting during persistence.
type parsedRow struct {
	num        int
	raw        string
	vendorName string
	invoice    *contracts.Invoice
	po         *contracts.PurchaseOrder
	receipt    *receiptRow
}

// receiptRow defers PO-line resolution to persistence time.
type receiptRow struct {
	PONumber      string
	ReceiptNumber string
	ReceivedDate  time.Time
	SKU           string
	Quantity      int64
	Notes         string
}

type importRun struct {
	im      *Importer
	tenant  string
	mapping *Mapping
	opts    Options
	batch   *store.ImportBatch
	errs    []store.RowError // not yet persisted
	allErrs []store.RowError // full report, in persistence order
	window  []parsedRow
	// business keys seen in this file, for in-batch duplicate detection
	seen map[string]bool
	// vendor normalized name -> id, warmed across windows
	vendors map[string]string
}

// Run ingests one CSV upload. The returned batch carries final counters
// and status; row-level problems come back as the error report, not as
// the error return. The error return is reserved for structural
// failures (encoding, delimiter, malformed CSV, unusable mapping) and
// infrastructure faults.
func (im *Importer) Run(ctx context.Context, tenantID string, m *Mapping, r io.Reader, opts Options) (*store.ImportBatch, []store.RowError, error) {
	opts = opts.normalize()

	sp, err := newSpool()
	if err != nil {
		return nil, nil, contracts.WrapError(contracts.KindInternal, "spool upload", err)
	}
	defer func() { _ = sp.Close() }()
	limited := io.LimitReader(r, MaxUploadBytes+1)
	br := bufio.NewReaderSize(io.TeeReader(limited, sp), sniffLen)

	run := &importRun{
		im:      im,
		tenant:  tenantID,
		mapping: m,
		opts:    opts,
		batch:   &store.ImportBatch{DocType: m.DocType},
		seen:    make(map[string]bool),
		vendors: make(map[string]string),
	}
	if err := run.createBatch(ctx); err != nil {
		return nil, nil, err
	}

	decoded, err := decodeReader(br)
	if err != nil {
		return run.fail(ctx, sp, err)
	}
	dbr := bufio.NewReaderSize(decoded, sniffLen)
	header, err := headerLine(dbr)
	if err != nil {
		return run.fail(ctx, sp, err)
	}
	delim, err := detectDelimiter(header)
	if err != nil {
		return run.fail(ctx, sp, err)
	}

	cr := csv.NewReader(dbr)
	cr.Comma = delim
	cr.FieldsPerRecord = 0
	headerRec, err := cr.Read()
	if err != nil {
		return run.fail(ctx, sp, structural(cr, err))
	}
	cols, err := m.resolve(headerRec)
	if err != nil {
		return run.fail(ctx, sp, err)
	}

	rowNum := 1
	for {
		if sp.size > MaxUploadBytes {
			return run.fail(ctx, sp, contracts.NewErrorf(contracts.KindIngestionFatal,
				"upload exceeds %d bytes", MaxUploadBytes))
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrFieldCount) {
				run.batch.TotalRows++
				run.reject(store.RowError{Row: pe.Line, Code: CodeFieldCount,
					RawValue: strings.Join(rec, string(delim))})
				continue
			}
			return run.fail(ctx, sp, structural(cr, err))
		}
		run.batch.TotalRows++
		run.addRow(rowNum, rec, cols, delim)

		if len(run.window) >= opts.WindowSize {
			if err := run.flush(ctx); err != nil {
				return nil, nil, err
			}
			if run.overErrorRate() {
				return run.abort(ctx, sp)
			}
		}
	}
	if sp.size > MaxUploadBytes {
		return run.fail(ctx, sp, contracts.NewErrorf(contracts.KindIngestionFatal,
			"upload exceeds %d bytes", MaxUploadBytes))
	}
	if err := run.flush(ctx); err != nil {
		return nil, nil, err
	}
	if run.overErrorRate() {
		return run.abort(ctx, sp)
	}
	return run.complete(ctx, sp)
}

// structural attaches row/column/byte-offset locators to a CSV parse
// failure.
func structural(cr *csv.Reader, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return contracts.WrapError(contracts.KindIngestionFatal,
			fmt.Sprintf("malformed CSV at row %d column %d (byte %d)",
				pe.Line, pe.Column, cr.InputOffset()), err)
	}
	return contracts.WrapError(contracts.KindIngestionFatal, "malformed CSV", err)
}

func (run *importRun) createBatch(ctx context.Context) error {
	sess, err := run.im.store.Begin(ctx, run.tenant)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.CreateImportBatch(ctx, run.batch); err != nil {
		return err
	}
	return sess.Commit()
}

func (run *importRun) reject(e store.RowError) {
	run.batch.Rejected++
	run.errs = append(run.errs, e)
}

// overErrorRate applies the abort policy: strictly above the threshold
// aborts, exactly at it continues.
func (run *importRun) overErrorRate() bool {
	processed := run.batch.TotalRows
	if processed == 0 {
		return false
	}
	return float64(run.batch.Rejected)/float64(processed) > run.opts.AbortErrorRate
}

// addRow parses and validates one record, queueing it for the next
// window flush or recording its rejection.
func (run *importRun) addRow(rowNum int, rec []string, cols map[string]int, delim rune) {
	cell := func(field string) string {
		idx, ok := cols[field]
		if !ok || idx >= len(rec) {
			return ""
		}
		return rec[idx]
	}
	raw := strings.Join(rec, string(delim))

	var (
		row     *parsedRow
		rowErrs []store.RowError
	)
	switch run.mapping.DocType {
	case DocInvoice:
		row, rowErrs = run.buildInvoice(rowNum, raw, cell)
	case DocPO:
		row, rowErrs = run.buildPO(rowNum, raw, cell)
	case DocReceipt:
		row, rowErrs = run.buildReceipt(rowNum, raw, cell)
	}
	if len(rowErrs) > 0 {
		// in-batch duplicates were already counted under Duplicates;
		// counting them as rejections too would skew the abort rate
		if rowErrs[0].Code != CodeDupInBatch {
			run.batch.Rejected++
		}
		run.errs = append(run.errs, rowErrs...)
		return
	}
	run.window = append(run.window, *row)
}

func (run *importRun) buildInvoice(rowNum int, raw string, cell func(string) string) (*parsedRow, []store.RowError) {
	var errs []store.RowError
	fail := func(column, code, value string) {
		errs = append(errs, store.RowError{Row: rowNum, Column: column, Code: code, RawValue: value})
	}

	number, err := cleanIdentifier(cell("invoice_number"))
	if err != nil {
		fail("invoice_number", CodeMissingValue, cell("invoice_number"))
	}
	vendor := cleanText(cell("vendor"))
	if vendor == "" {
		fail("vendor", CodeMissingValue, cell("vendor"))
	}
	invDate, err := parseDate(cell("invoice_date"), run.mapping.DateLocale)
	if err != nil {
		fail("invoice_date", CodeBadDate, cell("invoice_date"))
	}
	total, err := money.ParseCents(cell("total"))
	if err != nil || total < 0 {
		fail("total", CodeBadAmount, cell("total"))
	}
	currency, err := normalizeCurrency(cell("currency"), run.mapping.Currency)
	if err != nil {
		fail("currency", CodeBadCurrency, cell("currency"))
	}

	inv := &contracts.Invoice{
		InvoiceNumber: number,
		PONumber:      strings.TrimSpace(cell("po_number")),
		TotalCents:    total,
		Currency:      currency,
		InvoiceDate:   invDate,
	}
	if v := cell("due_date"); strings.TrimSpace(v) != "" {
		due, err := parseDate(v, run.mapping.DateLocale)
		switch {
		case err != nil:
			fail("due_date", CodeBadDate, v)
		case due.Before(invDate):
			fail("due_date", CodeBadDate, v)
			errs[len(errs)-1].Suggestion = "due_date precedes invoice_date"
		default:
			inv.DueDate = &due
		}
	}
	if v := cell("subtotal"); strings.TrimSpace(v) != "" {
		sub, err := money.ParseCents(v)
		if err != nil {
			fail("subtotal", CodeBadAmount, v)
		} else {
			inv.SubtotalCents = sub
		}
	}
	if v := cell("tax"); strings.TrimSpace(v) != "" {
		tax, err := money.ParseCents(v)
		if err != nil {
			fail("tax", CodeBadAmount, v)
		} else {
			inv.TaxCents = tax
		}
	}
	if inv.SubtotalCents == 0 && inv.TaxCents == 0 {
		inv.SubtotalCents = inv.TotalCents
	}
	if line, lineErrs := run.buildLine(rowNum, cell); len(lineErrs) > 0 {
		errs = append(errs, lineErrs...)
	} else if line != nil {
		inv.Lines = []contracts.InvoiceLine{{
			LineNumber:     1,
			SKU:            line.SKU,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: line.Quantity * line.UnitPriceCents,
		}}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	if !inv.TotalsConsistent() {
		fail("total", CodeTotalsMismatch, cell("total"))
		errs[len(errs)-1].Suggestion = fmt.Sprintf("subtotal %s + tax %s != total %s",
			money.FormatCents(inv.SubtotalCents), money.FormatCents(inv.TaxCents),
			money.FormatCents(inv.TotalCents))
		return nil, errs
	}

	key := strings.ToLower(number) + "|" + similarity.Normalize(vendor)
	if run.seen[key] {
		run.batch.Duplicates++
		return nil, []store.RowError{{Row: rowNum, Column: "invoice_number",
			Code: CodeDupInBatch, RawValue: number}}
	}
	run.seen[key] = true
	return &parsedRow{num: rowNum, raw: raw, vendorName: vendor, invoice: inv}, nil
}

type lineCells struct {
	SKU            string
	Description    string
	Quantity       int64
	UnitPriceCents int64
}

// buildLine parses the optional embedded line-item columns.
func (run *importRun) buildLine(rowNum int, cell func(string) string) (*lineCells, []store.RowError) {
	qtyRaw, priceRaw := cell("quantity"), cell("unit_price")
	if strings.TrimSpace(qtyRaw) == "" && strings.TrimSpace(priceRaw) == "" {
		return nil, nil
	}
	var errs []store.RowError
	qty, err := parseQty(qtyRaw)
	if err != nil {
		errs = append(errs, store.RowError{Row: rowNum, Column: "quantity",
			Code: CodeBadQuantity, RawValue: qtyRaw})
	}
	price, err := money.ParseCents(priceRaw)
	if err != nil {
		errs = append(errs, store.RowError{Row: rowNum, Column: "unit_price",
			Code: CodeBadAmount, RawValue: priceRaw})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &lineCells{
		SKU:            strings.TrimSpace(cell("sku")),
		Description:    cleanText(cell("description")),
		Quantity:       qty,
		UnitPriceCents: price,
	}, nil
}

func (run *importRun) buildPO(rowNum int, raw string, cell func(string) string) (*parsedRow, []store.RowError) {
	var errs []store.RowError
	fail := func(column, code, value string) {
		errs = append(errs, store.RowError{Row: rowNum, Column: column, Code: code, RawValue: value})
	}
	number, err := cleanIdentifier(cell("po_number"))
	if err != nil {
		fail("po_number", CodeMissingValue, cell("po_number"))
	}
	vendor := cleanText(cell("vendor"))
	if vendor == "" {
		fail("vendor", CodeMissingValue, cell("vendor"))
	}
	poDate, err := parseDate(cell("po_date"), run.mapping.DateLocale)
	if err != nil {
		fail("po_date", CodeBadDate, cell("po_date"))
	}
	total, err := money.ParseCents(cell("total"))
	if err != nil || total < 0 {
		fail("total", CodeBadAmount, cell("total"))
	}
	currency, err := normalizeCurrency(cell("currency"), run.mapping.Currency)
	if err != nil {
		fail("currency", CodeBadCurrency, cell("currency"))
	}
	po := &contracts.PurchaseOrder{
		PONumber:   number,
		TotalCents: total,
		Currency:   currency,
		PODate:     poDate,
		Status:     contracts.POStatusOpen,
	}
	if line, lineErrs := run.buildLine(rowNum, cell); len(lineErrs) > 0 {
		errs = append(errs, lineErrs...)
	} else if line != nil {
		po.Lines = []contracts.POLine{{
			LineNumber:     1,
			SKU:            line.SKU,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: line.Quantity * line.UnitPriceCents,
		}}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	key := "po|" + strings.ToLower(number)
	if run.seen[key] {
		run.batch.Duplicates++
		return nil, []store.RowError{{Row: rowNum, Column: "po_number",
			Code: CodeDupInBatch, RawValue: number}}
	}
	run.seen[key] = true
	return &parsedRow{num: rowNum, raw: raw, vendorName: vendor, po: po}, nil
}

func (run *importRun) buildReceipt(rowNum int, raw string, cell func(string) string) (*parsedRow, []store.RowError) {
	var errs []store.RowError
	fail := func(column, code, value string) {
		errs = append(errs, store.RowError{Row: rowNum, Column: column, Code: code, RawValue: value})
	}
	number, err := cleanIdentifier(cell("po_number"))
	if err != nil {
		fail("po_number", CodeMissingValue, cell("po_number"))
	}
	recvDate, err := parseDate(cell("received_date"), run.mapping.DateLocale)
	if err != nil {
		fail("received_date", CodeBadDate, cell("received_date"))
	}
	sku := strings.TrimSpace(cell("sku"))
	if sku == "" {
		fail("sku", CodeMissingValue, cell("sku"))
	}
	qty, err := parseQty(cell("quantity"))
	if err != nil {
		fail("quantity", CodeBadQuantity, cell("quantity"))
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &parsedRow{num: rowNum, raw: raw, receipt: &receiptRow{
		PONumber:      number,
		ReceiptNumber: strings.TrimSpace(cell("receipt_number")),
		ReceivedDate:  recvDate,
		SKU:           sku,
		Quantity:      qty,
		Notes:         cleanText(cell("notes")),
	}}, nil
}

// flush persists the buffered window in one transaction, along with
// any row errors accumulated since the last flush, then reports
// progress.
func (run *importRun) flush(ctx context.Context) error {
	sess, err := run.im.store.Begin(ctx, run.tenant)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	for i := range run.window {
		row := &run.window[i]
		switch {
		case row.invoice != nil:
			err = run.persistInvoice(ctx, sess, row)
		case row.po != nil:
			err = run.persistPO(ctx, sess, row)
		case row.receipt != nil:
			err = run.persistReceipt(ctx, sess, row)
		}
		if err != nil {
			return err
		}
	}
	if len(run.errs) > 0 {
		if err := sess.InsertRowErrors(ctx, run.batch.ID, run.errs); err != nil {
			return err
		}
		run.errsPersisted(len(run.errs))
	}
	if err := sess.UpdateImportBatch(ctx, run.batch); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	run.window = run.window[:0]
	if run.opts.Progress != nil {
		run.opts.Progress(Progress{
			Processed:  run.batch.TotalRows,
			Accepted:   run.batch.Accepted,
			Rejected:   run.batch.Rejected,
			Duplicates: run.batch.Duplicates,
		})
	}
	return nil
}

// allErrs accumulates across flushes for the function return; errs
// holds only the not-yet-persisted tail.
func (run *importRun) errsPersisted(n int) {
	run.allErrs = append(run.allErrs, run.errs[:n]...)
	run.errs = run.errs[n:]
}

func (run *importRun) persistInvoice(ctx context.Context, sess *store.Session, row *parsedRow) error {
	vendorName := row.vendorName
	vendorID, err := run.resolveVendor(ctx, sess, vendorName)
	if err != nil {
		return err
	}
	inv := row.invoice
	inv.VendorID = vendorID

	existing, err := sess.GetInvoiceByBusinessKey(ctx, inv.InvoiceNumber, vendorID)
	if err != nil && !contracts.IsKind(err, contracts.KindNotFound) {
		return err
	}
	if existing != nil {
		run.batch.Duplicates++
		run.errs = append(run.errs, store.RowError{Row: row.num, Column: "invoice_number",
			Code: CodeDupExisting, RawValue: inv.InvoiceNumber, Suggestion: existing.ID})
		return nil
	}
	if inv.PONumber != "" {
		if _, err := sess.GetPOByNumber(ctx, inv.PONumber); err != nil {
			if !contracts.IsKind(err, contracts.KindNotFound) {
				return err
			}
			run.batch.Rejected++
			run.errs = append(run.errs, store.RowError{Row: row.num, Column: "po_number",
				Code: CodePONotFound, RawValue: inv.PONumber})
			return nil
		}
	}
	inv.ImportSource = run.batch.ID
	inv.RawRow = row.raw
	if err := sess.InsertInvoice(ctx, inv); err != nil {
		if contracts.IsKind(err, contracts.KindConflict) {
			run.batch.Duplicates++
			run.errs = append(run.errs, store.RowError{Row: row.num, Column: "invoice_number",
				Code: CodeDupExisting, RawValue: inv.InvoiceNumber})
			return nil
		}
		return err
	}
	run.batch.Accepted++
	return nil
}

func (run *importRun) persistPO(ctx context.Context, sess *store.Session, row *parsedRow) error {
	vendorID, err := run.resolveVendor(ctx, sess, row.vendorName)
	if err != nil {
		return err
	}
	po := row.po
	po.VendorID = vendorID
	if existing, err := sess.GetPOByNumber(ctx, po.PONumber); err == nil && existing != nil {
		run.batch.Duplicates++
		run.errs = append(run.errs, store.RowError{Row: row.num, Column: "po_number",
			Code: CodeDupExisting, RawValue: po.PONumber, Suggestion: existing.ID})
		return nil
	} else if err != nil && !contracts.IsKind(err, contracts.KindNotFound) {
		return err
	}
	if err := sess.InsertPurchaseOrder(ctx, po); err != nil {
		if contracts.IsKind(err, contracts.KindConflict) {
			run.batch.Duplicates++
			run.errs = append(run.errs, store.RowError{Row: row.num, Column: "po_number",
				Code: CodeDupExisting, RawValue: po.PONumber})
			return nil
		}
		return err
	}
	run.batch.Accepted++
	return nil
}

func (run *importRun) persistReceipt(ctx context.Context, sess *store.Session, row *parsedRow) error {
	r := row.receipt
	po, err := sess.GetPOByNumber(ctx, r.PONumber)
	if err != nil {
		if !contracts.IsKind(err, contracts.KindNotFound) {
			return err
		}
		run.batch.Rejected++
		run.errs = append(run.errs, store.RowError{Row: row.num, Column: "po_number",
			Code: CodePONotFound, RawValue: r.PONumber})
		return nil
	}
	var line *contracts.POLine
	for i := range po.Lines {
		if strings.EqualFold(po.Lines[i].SKU, r.SKU) {
			line = &po.Lines[i]
			break
		}
	}
	if line == nil {
		run.batch.Rejected++
		run.errs = append(run.errs, store.RowError{Row: row.num, Column: "sku",
			Code: CodeSKUNotOnPO, RawValue: r.SKU, Suggestion: r.PONumber})
		return nil
	}
	receipt := &contracts.GoodsReceipt{
		ReceiptNumber: r.ReceiptNumber,
		POID:          po.ID,
		ReceivedDate:  r.ReceivedDate,
		TotalCents:    r.Quantity * line.UnitPriceCents,
		Lines: []contracts.ReceiptLine{{
			POLineID:    line.ID,
			SKU:         line.SKU,
			Description: line.Description,
			ReceivedQty: r.Quantity,
		}},
	}
	rs, err := run.im.resolver.Resolve(ctx, sess, rules.Query{
		VendorID:    po.VendorID,
		AmountCents: po.TotalCents,
		Currency:    po.Currency,
	})
	if err != nil {
		return err
	}
	if err := sess.RecordReceipt(ctx, po, receipt, rs.OverDeliveryPct.Fraction()); err != nil {
		if contracts.IsKind(err, contracts.KindValidationFailed) {
			run.batch.Rejected++
			run.errs = append(run.errs, store.RowError{Row: row.num, Column: "quantity",
				Code: CodeOverDelivery, RawValue: fmt.Sprint(r.Quantity), Suggestion: err.Error()})
			return nil
		}
		return err
	}
	run.batch.Accepted++
	return nil
}

// resolveVendor finds or creates the vendor for a cleaned display name.
// Created vendors carry the raw name as legal name; the normalized form
// is the tenant-scoped uniqueness key.
func (run *importRun) resolveVendor(ctx context.Context, sess *store.Session, name string) (string, error) {
	norm := similarity.Normalize(name)
	if id, ok := run.vendors[norm]; ok {
		return id, nil
	}
	v, err := sess.GetVendorByNormalizedName(ctx, norm)
	if err == nil {
		run.vendors[norm] = v.ID
		return v.ID, nil
	}
	if !contracts.IsKind(err, contracts.KindNotFound) {
		return "", err
	}
	created := &contracts.Vendor{LegalName: name, DisplayName: name, NormalizedName: norm}
	if err := sess.InsertVendor(ctx, created); err != nil {
		return "", err
	}
	run.vendors[norm] = created.ID
	run.im.logger.Info("vendor auto-created from import",
		"tenant_id", run.tenant, "vendor_id", created.ID, "name", name)
	return created.ID, nil
}

// abort rolls back every row this batch inserted and marks it failed.
// Invoked when the rejection rate goes strictly above the threshold.
func (run *importRun) abort(ctx context.Context, sp *spool) (*store.ImportBatch, []store.RowError, error) {
	sess, err := run.im.store.Begin(ctx, run.tenant)
	if err != nil {
		return nil, nil, err
	}
	defer sess.Rollback()
	if run.mapping.DocType == DocInvoice {
		if _, err := sess.DeleteImportedInvoices(ctx, run.batch.ID); err != nil {
			return nil, nil, err
		}
	}
	run.batch.Accepted = 0
	run.batch.Status = store.ImportFailed
	if len(run.errs) > 0 {
		if err := sess.InsertRowErrors(ctx, run.batch.ID, run.errs); err != nil {
			return nil, nil, err
		}
		run.errsPersisted(len(run.errs))
	}
	if err := run.finalize(ctx, sess, sp); err != nil {
		return nil, nil, err
	}
	run.im.logger.Warn("import aborted over error rate",
		"tenant_id", run.tenant, "batch_id", run.batch.ID,
		"processed", run.batch.TotalRows, "rejected", run.batch.Rejected)
	return run.batch, run.allErrs, nil
}

// fail marks the batch failed after a structural error. The error is
// returned to the caller as well since no row-level report exists.
func (run *importRun) fail(ctx context.Context, sp *spool, cause error) (*store.ImportBatch, []store.RowError, error) {
	sess, err := run.im.store.Begin(ctx, run.tenant)
	if err != nil {
		return nil, nil, err
	}
	defer sess.Rollback()
	run.batch.Status = store.ImportFailed
	if err := run.finalize(ctx, sess, sp); err != nil {
		return nil, nil, err
	}
	return run.batch, nil, cause
}

func (run *importRun) complete(ctx context.Context, sp *spool) (*store.ImportBatch, []store.RowError, error) {
	sess, err := run.im.store.Begin(ctx, run.tenant)
	if err != nil {
		return nil, nil, err
	}
	defer sess.Rollback()
	run.batch.Status = store.ImportCompleted
	if err := run.finalize(ctx, sess, sp); err != nil {
		return nil, nil, err
	}
	run.im.logger.Info("import completed",
		"tenant_id", run.tenant, "batch_id", run.batch.ID,
		"processed", run.batch.TotalRows, "accepted", run.batch.Accepted,
		"rejected", run.batch.Rejected, "duplicates", run.batch.Duplicates)
	return run.batch, run.allErrs, nil
}

// finalize archives the raw upload and error report, writes the final
// batch record, and stages the completion event, all in sess. The
// upload streams from the spool, keyed by the hash computed on the way
// in.
func (run *importRun) finalize(ctx context.Context, sess *store.Session, sp *spool) error {
	if run.im.blobs != nil && sp.size > 0 {
		key := archive.KeyForSum(run.tenant, "uploads", sp.Sum())
		rdr, err := sp.Reader()
		if err != nil {
			return err
		}
		if err := run.im.blobs.Put(ctx, key, rdr); err != nil {
			return err
		}
		run.batch.ArchiveKey = key
	}
	if run.im.blobs != nil && len(run.allErrs) > 0 {
		report := errorReportCSV(run.allErrs)
		key := archive.Key(run.tenant, "reports", report)
		if err := run.im.blobs.Put(ctx, key, bytes.NewReader(report)); err != nil {
			return err
		}
		run.batch.ReportKey = key
	}
	if err := sess.UpdateImportBatch(ctx, run.batch); err != nil {
		return err
	}
	if err := events.Enqueue(ctx, sess, events.TopicImportCompleted, events.ImportCompleted{
		BatchID:       run.batch.ID,
		Status:        string(run.batch.Status),
		RowsProcessed: run.batch.TotalRows,
		RowsAccepted:  run.batch.Accepted,
		RowsRejected:  run.batch.Rejected,
	}); err != nil {
		return err
	}
	return sess.Commit()
}

// errorReportCSV renders the row error report for archival.
func errorReportCSV(errs []store.RowError) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"row", "column", "code", "raw_value", "suggestion"})
	for _, e := range errs {
		_ = w.Write([]string{fmt.Sprint(e.Row), e.Column, e.Code, e.RawValue, e.Suggestion})
	}
	w.Flush()
	return buf.Bytes()
}

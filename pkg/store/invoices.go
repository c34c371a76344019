package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

const dateLayout = "2006-01-02"

func fmtDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func fmtDatePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtDate(*t)
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func parseDatePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// InvoiceFilter narrows list queries. All set fields are conjunctive.
type InvoiceFilter struct {
	VendorID       string
	Status         contracts.InvoiceStatus
	MatchingStatus contracts.MatchingStatus
	DateFrom       *time.Time
	DateTo         *time.Time
	MinCents       *int64
	MaxCents       *int64
}

func (f InvoiceFilter) where() (string, []any) {
	clause := ""
	var args []any
	add := func(cond string, a ...any) {
		clause += " AND " + cond
		args = append(args, a...)
	}
	if f.VendorID != "" {
		add("vendor_id = ?", f.VendorID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.MatchingStatus != "" {
		add("matching_status = ?", string(f.MatchingStatus))
	}
	if f.DateFrom != nil {
		add("invoice_date >= ?", fmtDate(*f.DateFrom))
	}
	if f.DateTo != nil {
		add("invoice_date <= ?", fmtDate(*f.DateTo))
	}
	if f.MinCents != nil {
		add("total_cents >= ?", *f.MinCents)
	}
	if f.MaxCents != nil {
		add("total_cents <= ?", *f.MaxCents)
	}
	return clause, args
}

const invoiceColumns = `tenant_id, id, invoice_number, vendor_id, po_number,
	subtotal_cents, tax_cents, total_cents, currency, invoice_date, due_date,
	received_date, status, matching_status, import_source, raw_row, version,
	created_at, updated_at`

// InsertInvoice persists an invoice and its lines. IDs and timestamps are
// assigned here when absent.
func (sess *Session) InsertInvoice(ctx context.Context, inv *contracts.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	inv.TenantID = sess.tenant
	if inv.Status == "" {
		inv.Status = contracts.InvoiceStatusPending
	}
	if inv.MatchingStatus == "" {
		inv.MatchingStatus = contracts.MatchingUnmatched
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	ts := now()
	inv.CreatedAt, inv.UpdatedAt = ts, ts

	_, err := sess.exec(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, inv.ID, inv.InvoiceNumber, inv.VendorID, inv.PONumber,
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents, inv.Currency,
		fmtDate(inv.InvoiceDate), fmtDatePtr(inv.DueDate), fmtDatePtr(inv.ReceivedDate),
		string(inv.Status), string(inv.MatchingStatus), inv.ImportSource,
		inv.RawRow, inv.Version, fmtTime(inv.CreatedAt), fmtTime(inv.UpdatedAt))
	if err != nil {
		return err
	}
	for i := range inv.Lines {
		line := &inv.Lines[i]
		if line.ID == "" {
			line.ID = uuid.New().String()
		}
		line.InvoiceID = inv.ID
		if _, err := sess.exec(ctx, `INSERT INTO invoice_lines
			(tenant_id, id, invoice_id, line_number, sku, description, quantity, unit_price_cents, line_total_cents)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.tenant, line.ID, inv.ID, line.LineNumber, line.SKU,
			line.Description, line.Quantity, line.UnitPriceCents, line.LineTotalCents); err != nil {
			return err
		}
	}
	return nil
}

func (sess *Session) scanInvoice(row interface{ Scan(...any) error }) (*contracts.Invoice, error) {
	var (
		inv                         contracts.Invoice
		invDate, createdAt, updated string
		dueDate, receivedDate       sql.NullString
		status, matchingStatus      string
	)
	err := row.Scan(&inv.TenantID, &inv.ID, &inv.InvoiceNumber, &inv.VendorID,
		&inv.PONumber, &inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents,
		&inv.Currency, &invDate, &dueDate, &receivedDate, &status,
		&matchingStatus, &inv.ImportSource, &inv.RawRow, &inv.Version,
		&createdAt, &updated)
	if err != nil {
		return nil, sess.store.classify(err)
	}
	if err := sess.guardTenant(inv.TenantID); err != nil {
		return nil, err
	}
	inv.Status = contracts.InvoiceStatus(status)
	inv.MatchingStatus = contracts.MatchingStatus(matchingStatus)
	if inv.InvoiceDate, err = parseDate(invDate); err != nil {
		return nil, fmt.Errorf("store: corrupt invoice_date: %w", err)
	}
	if inv.DueDate, err = parseDatePtr(dueDate); err != nil {
		return nil, fmt.Errorf("store: corrupt due_date: %w", err)
	}
	if inv.ReceivedDate, err = parseDatePtr(receivedDate); err != nil {
		return nil, fmt.Errorf("store: corrupt received_date: %w", err)
	}
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	if inv.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
	}
	return &inv, nil
}

// GetInvoice loads an invoice with its lines.
func (sess *Session) GetInvoice(ctx context.Context, id string) (*contracts.Invoice, error) {
	row := sess.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	inv, err := sess.scanInvoice(row)
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewErrorf(contracts.KindNotFound, "invoice %s", id)
		}
		return nil, err
	}
	if inv.Lines, err = sess.invoiceLines(ctx, id); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoiceByBusinessKey does the (invoice_number, vendor) lookup used by
// cross-batch duplicate detection.
func (sess *Session) GetInvoiceByBusinessKey(ctx context.Context, invoiceNumber, vendorID string) (*contracts.Invoice, error) {
	row := sess.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND invoice_number = ? AND vendor_id = ?`,
		sess.tenant, invoiceNumber, vendorID)
	inv, err := sess.scanInvoice(row)
	if err != nil && contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewErrorf(contracts.KindNotFound, "invoice %s/%s", invoiceNumber, vendorID)
	}
	return inv, err
}

func (sess *Session) invoiceLines(ctx context.Context, invoiceID string) ([]contracts.InvoiceLine, error) {
	rows, err := sess.query(ctx, `SELECT id, invoice_id, line_number, sku,
		description, quantity, unit_price_cents, line_total_cents
		FROM invoice_lines WHERE tenant_id = ? AND invoice_id = ?
		ORDER BY line_number`, sess.tenant, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var lines []contracts.InvoiceLine
	for rows.Next() {
		var l contracts.InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNumber, &l.SKU,
			&l.Description, &l.Quantity, &l.UnitPriceCents, &l.LineTotalCents); err != nil {
			return nil, sess.store.classify(err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

var invoiceSortCols = map[string]string{
	"invoice_date": "invoice_date",
	"total":        "total_cents",
	"created_at":   "created_at",
	"status":       "status",
}

// ListInvoices returns one page plus the unpaged total.
func (sess *Session) ListInvoices(ctx context.Context, f InvoiceFilter, page Page, sorts []Sort) ([]*contracts.Invoice, int, error) {
	page = page.Normalize()
	where, args := f.where()

	var total int
	countArgs := append([]any{sess.tenant}, args...)
	if err := sess.queryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE tenant_id = ?`+where,
		countArgs...).Scan(&total); err != nil {
		return nil, 0, sess.store.classify(err)
	}

	order, err := orderClause(sorts, invoiceSortCols, "created_at DESC")
	if err != nil {
		return nil, 0, err
	}
	listArgs := append(countArgs, page.Limit, page.offset())
	rows, err := sess.query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ?`+where+` ORDER BY `+order+` LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Invoice
	for rows.Next() {
		inv, err := sess.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// UpdateMatchingStatus performs a compare-and-set transition of
// matching_status guarded by the optimistic version and the state machine.
func (sess *Session) UpdateMatchingStatus(ctx context.Context, invoiceID string, from, to contracts.MatchingStatus, version int64) error {
	if !from.CanTransition(to) {
		return contracts.NewErrorf(contracts.KindConflict,
			"illegal matching_status transition %s -> %s", from, to)
	}
	res, err := sess.exec(ctx, `UPDATE invoices
		SET matching_status = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND matching_status = ? AND version = ?`,
		string(to), fmtTime(now()), sess.tenant, invoiceID, string(from), version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return contracts.NewErrorf(contracts.KindConflict,
			"invoice %s changed concurrently", invoiceID)
	}
	return nil
}

// SetInvoiceStatus updates the document status (approve/reject/cancel).
// Cancellation is the soft delete; rows are never physically removed.
func (sess *Session) SetInvoiceStatus(ctx context.Context, invoiceID string, status contracts.InvoiceStatus) error {
	res, err := sess.exec(ctx, `UPDATE invoices
		SET status = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(status), fmtTime(now()), sess.tenant, invoiceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindNotFound, "invoice %s", invoiceID)
	}
	return nil
}

// DeleteImportedInvoices removes every invoice persisted by a batch. Used
// only by ingestion abort, where prior windows must be unwound.
func (sess *Session) DeleteImportedInvoices(ctx context.Context, batchID string) (int64, error) {
	_, err := sess.exec(ctx, `DELETE FROM invoice_lines WHERE tenant_id = ? AND invoice_id IN
		(SELECT id FROM invoices WHERE tenant_id = ? AND import_source = ?)`,
		sess.tenant, sess.tenant, batchID)
	if err != nil {
		return 0, err
	}
	res, err := sess.exec(ctx, `DELETE FROM invoices WHERE tenant_id = ? AND import_source = ?`,
		sess.tenant, batchID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AmountPercentile returns the fraction of this tenant's invoices whose
// total is at or below cents. Feeds exception priority.
func (sess *Session) AmountPercentile(ctx context.Context, cents int64) (float64, error) {
	var below, total int
	if err := sess.queryRow(ctx, `SELECT COUNT(*) FROM invoices
		WHERE tenant_id = ? AND total_cents <= ?`, sess.tenant, cents).Scan(&below); err != nil {
		return 0, sess.store.classify(err)
	}
	if err := sess.queryRow(ctx, `SELECT COUNT(*) FROM invoices
		WHERE tenant_id = ?`, sess.tenant).Scan(&total); err != nil {
		return 0, sess.store.classify(err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(below) / float64(total), nil
}

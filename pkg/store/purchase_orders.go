package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

const poColumns = `tenant_id, id, po_number, vendor_id, total_cents,
	currency, po_date, expected_date, status, version, created_at, updated_at`

// InsertPurchaseOrder persists a PO and its lines.
func (sess *Session) InsertPurchaseOrder(ctx context.Context, po *contracts.PurchaseOrder) error {
	if po.ID == "" {
		po.ID = uuid.New().String()
	}
	po.TenantID = sess.tenant
	if po.Status == "" {
		po.Status = contracts.POStatusOpen
	}
	if po.Version == 0 {
		po.Version = 1
	}
	ts := now()
	po.CreatedAt, po.UpdatedAt = ts, ts

	_, err := sess.exec(ctx, `INSERT INTO purchase_orders (`+poColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, po.ID, po.PONumber, po.VendorID, po.TotalCents,
		po.Currency, fmtDate(po.PODate), fmtDatePtr(po.ExpectedDate),
		string(po.Status), po.Version, fmtTime(po.CreatedAt), fmtTime(po.UpdatedAt))
	if err != nil {
		return err
	}
	for i := range po.Lines {
		line := &po.Lines[i]
		if line.ID == "" {
			line.ID = uuid.New().String()
		}
		line.POID = po.ID
		if _, err := sess.exec(ctx, `INSERT INTO po_lines
			(tenant_id, id, po_id, line_number, sku, description, quantity, unit_price_cents, line_total_cents)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.tenant, line.ID, po.ID, line.LineNumber, line.SKU,
			line.Description, line.Quantity, line.UnitPriceCents, line.LineTotalCents); err != nil {
			return err
		}
	}
	return nil
}

func (sess *Session) scanPO(row interface{ Scan(...any) error }) (*contracts.PurchaseOrder, error) {
	var (
		po             contracts.PurchaseOrder
		poDate, ca, ua string
		expected       sql.NullString
		status         string
	)
	err := row.Scan(&po.TenantID, &po.ID, &po.PONumber, &po.VendorID,
		&po.TotalCents, &po.Currency, &poDate, &expected, &status,
		&po.Version, &ca, &ua)
	if err != nil {
		return nil, sess.store.classify(err)
	}
	if err := sess.guardTenant(po.TenantID); err != nil {
		return nil, err
	}
	po.Status = contracts.POStatus(status)
	if po.PODate, err = parseDate(poDate); err != nil {
		return nil, fmt.Errorf("store: corrupt po_date: %w", err)
	}
	if po.ExpectedDate, err = parseDatePtr(expected); err != nil {
		return nil, fmt.Errorf("store: corrupt expected_date: %w", err)
	}
	if po.CreatedAt, err = parseTime(ca); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	if po.UpdatedAt, err = parseTime(ua); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
	}
	return &po, nil
}

// GetPurchaseOrder loads a PO with its lines.
func (sess *Session) GetPurchaseOrder(ctx context.Context, id string) (*contracts.PurchaseOrder, error) {
	row := sess.queryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders
		WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	po, err := sess.scanPO(row)
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewErrorf(contracts.KindNotFound, "purchase order %s", id)
		}
		return nil, err
	}
	if po.Lines, err = sess.poLines(ctx, []string{id}); err != nil {
		return nil, err
	}
	return po, nil
}

// GetPOByNumber resolves the (tenant, po_number) business key.
func (sess *Session) GetPOByNumber(ctx context.Context, poNumber string) (*contracts.PurchaseOrder, error) {
	row := sess.queryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders
		WHERE tenant_id = ? AND po_number = ?`, sess.tenant, poNumber)
	po, err := sess.scanPO(row)
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewErrorf(contracts.KindNotFound, "purchase order %s", poNumber)
		}
		return nil, err
	}
	if po.Lines, err = sess.poLines(ctx, []string{po.ID}); err != nil {
		return nil, err
	}
	return po, nil
}

// SetPOStatus advances the receiving lifecycle state.
func (sess *Session) SetPOStatus(ctx context.Context, poID string, status contracts.POStatus) error {
	res, err := sess.exec(ctx, `UPDATE purchase_orders
		SET status = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(status), fmtTime(now()), sess.tenant, poID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindNotFound, "purchase order %s", poID)
	}
	return nil
}

// poLines loads lines for a set of POs in one query.
func (sess *Session) poLines(ctx context.Context, poIDs []string) ([]contracts.POLine, error) {
	if len(poIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(poIDs)), ",")
	args := []any{sess.tenant}
	for _, id := range poIDs {
		args = append(args, id)
	}
	rows, err := sess.query(ctx, `SELECT id, po_id, line_number, sku,
		description, quantity, unit_price_cents, line_total_cents
		FROM po_lines WHERE tenant_id = ? AND po_id IN (`+placeholders+`)
		ORDER BY po_id, line_number`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var lines []contracts.POLine
	for rows.Next() {
		var l contracts.POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.LineNumber, &l.SKU,
			&l.Description, &l.Quantity, &l.UnitPriceCents, &l.LineTotalCents); err != nil {
			return nil, sess.store.classify(err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// POFilter narrows PO list queries.
type POFilter struct {
	VendorID string
	Status   contracts.POStatus
}

var poSortCols = map[string]string{
	"po_date":    "po_date",
	"total":      "total_cents",
	"created_at": "created_at",
}

// ListPurchaseOrders returns one page plus the unpaged total.
func (sess *Session) ListPurchaseOrders(ctx context.Context, f POFilter, page Page, sorts []Sort) ([]*contracts.PurchaseOrder, int, error) {
	page = page.Normalize()
	where := ""
	args := []any{sess.tenant}
	if f.VendorID != "" {
		where += " AND vendor_id = ?"
		args = append(args, f.VendorID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := sess.queryRow(ctx, `SELECT COUNT(*) FROM purchase_orders
		WHERE tenant_id = ?`+where, args...).Scan(&total); err != nil {
		return nil, 0, sess.store.classify(err)
	}

	order, err := orderClause(sorts, poSortCols, "created_at DESC")
	if err != nil {
		return nil, 0, err
	}
	args = append(args, page.Limit, page.offset())
	rows, err := sess.query(ctx, `SELECT `+poColumns+` FROM purchase_orders
		WHERE tenant_id = ?`+where+` ORDER BY `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PurchaseOrder
	for rows.Next() {
		po, err := sess.scanPO(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, po)
	}
	return out, total, rows.Err()
}

// CandidateWindow pre-filters POs for matching: same currency, matchable
// status, date and wide amount bands. The scan rides ix_pos_candidate;
// vendor-name similarity is applied by the engine afterwards.
type CandidateWindow struct {
	Currency   string
	DateFrom   time.Time
	DateTo     time.Time
	MinCents   int64
	MaxCents   int64
	MaxResults int
}

// CandidatePOs fetches the candidate population eagerly: POs, their lines,
// and their receipts with lines, so the scoring hot path never goes back
// to the database.
func (sess *Session) CandidatePOs(ctx context.Context, w CandidateWindow) ([]*contracts.PurchaseOrder, map[string][]*contracts.GoodsReceipt, error) {
	limit := w.MaxResults
	if limit <= 0 {
		limit = 10000
	}
	rows, err := sess.query(ctx, `SELECT `+poColumns+` FROM purchase_orders
		WHERE tenant_id = ? AND currency = ?
		  AND status IN ('open','partially_received','fully_received')
		  AND po_date >= ? AND po_date <= ?
		  AND total_cents >= ? AND total_cents <= ?
		ORDER BY po_date LIMIT ?`,
		sess.tenant, w.Currency, fmtDate(w.DateFrom), fmtDate(w.DateTo),
		w.MinCents, w.MaxCents, limit)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	var pos []*contracts.PurchaseOrder
	var ids []string
	for rows.Next() {
		po, err := sess.scanPO(rows)
		if err != nil {
			return nil, nil, err
		}
		pos = append(pos, po)
		ids = append(ids, po.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	lines, err := sess.poLines(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	byPO := make(map[string][]contracts.POLine, len(pos))
	for _, l := range lines {
		byPO[l.POID] = append(byPO[l.POID], l)
	}
	for _, po := range pos {
		po.Lines = byPO[po.ID]
	}

	receipts, err := sess.receiptsForPOs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return pos, receipts, nil
}

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// RecordReceipt persists a receipt after enforcing the over-delivery
// allowance against the PO's ordered quantities, then advances the PO's
// receiving status from the new cumulative totals. overTol is a fraction
// (0.02 = 2%). All of it rides the session's transaction.
func (sess *Session) RecordReceipt(ctx context.Context, po *contracts.PurchaseOrder, r *contracts.GoodsReceipt, overTol float64) error {
	received, err := sess.ReceivedQtyByPOLine(ctx, po.ID)
	if err != nil {
		return err
	}
	if err := po.CheckOverDelivery(received, r.Lines, overTol); err != nil {
		return err
	}
	if err := sess.InsertReceipt(ctx, r); err != nil {
		return err
	}
	for _, l := range r.Lines {
		received[l.POLineID] += l.ReceivedQty
	}
	if next := po.ReceivingStatus(received); next != po.Status {
		if err := sess.SetPOStatus(ctx, po.ID, next); err != nil {
			return err
		}
		po.Status = next
	}
	return nil
}

// InsertReceipt persists a goods receipt and its lines.
func (sess *Session) InsertReceipt(ctx context.Context, r *contracts.GoodsReceipt) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.TenantID = sess.tenant
	r.CreatedAt = now()

	_, err := sess.exec(ctx, `INSERT INTO receipts
		(tenant_id, id, receipt_number, po_id, received_date, total_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, r.ID, r.ReceiptNumber, r.POID, fmtDate(r.ReceivedDate),
		r.TotalCents, fmtTime(r.CreatedAt))
	if err != nil {
		return err
	}
	for i := range r.Lines {
		line := &r.Lines[i]
		if line.ID == "" {
			line.ID = uuid.New().String()
		}
		line.ReceiptID = r.ID
		if _, err := sess.exec(ctx, `INSERT INTO receipt_lines
			(tenant_id, id, receipt_id, po_line_id, sku, description, received_qty)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.tenant, line.ID, r.ID, line.POLineID, line.SKU,
			line.Description, line.ReceivedQty); err != nil {
			return err
		}
	}
	return nil
}

// GetReceipt loads a receipt with its lines.
func (sess *Session) GetReceipt(ctx context.Context, id string) (*contracts.GoodsReceipt, error) {
	row := sess.queryRow(ctx, `SELECT tenant_id, id, receipt_number, po_id,
		received_date, total_cents, created_at
		FROM receipts WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	var (
		r            contracts.GoodsReceipt
		received, ca string
	)
	if err := row.Scan(&r.TenantID, &r.ID, &r.ReceiptNumber, &r.POID,
		&received, &r.TotalCents, &ca); err != nil {
		err = sess.store.classify(err)
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewErrorf(contracts.KindNotFound, "receipt %s", id)
		}
		return nil, err
	}
	if err := sess.guardTenant(r.TenantID); err != nil {
		return nil, err
	}
	var err error
	if r.ReceivedDate, err = parseDate(received); err != nil {
		return nil, fmt.Errorf("store: corrupt received_date: %w", err)
	}
	if r.CreatedAt, err = parseTime(ca); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	lines, err := sess.receiptLines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	r.Lines = lines[id]
	return &r, nil
}

// receiptsForPOs eagerly loads all receipts (with lines) for a PO set,
// keyed by PO id.
func (sess *Session) receiptsForPOs(ctx context.Context, poIDs []string) (map[string][]*contracts.GoodsReceipt, error) {
	out := make(map[string][]*contracts.GoodsReceipt)
	if len(poIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(poIDs)), ",")
	args := []any{sess.tenant}
	for _, id := range poIDs {
		args = append(args, id)
	}
	rows, err := sess.query(ctx, `SELECT tenant_id, id, receipt_number, po_id,
		received_date, total_cents, created_at
		FROM receipts WHERE tenant_id = ? AND po_id IN (`+placeholders+`)
		ORDER BY received_date`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receiptIDs []string
	byID := make(map[string]*contracts.GoodsReceipt)
	for rows.Next() {
		var (
			r            contracts.GoodsReceipt
			received, ca string
		)
		if err := rows.Scan(&r.TenantID, &r.ID, &r.ReceiptNumber, &r.POID,
			&received, &r.TotalCents, &ca); err != nil {
			return nil, sess.store.classify(err)
		}
		if err := sess.guardTenant(r.TenantID); err != nil {
			return nil, err
		}
		if r.ReceivedDate, err = parseDate(received); err != nil {
			return nil, fmt.Errorf("store: corrupt received_date: %w", err)
		}
		if r.CreatedAt, err = parseTime(ca); err != nil {
			return nil, fmt.Errorf("store: corrupt created_at: %w", err)
		}
		rc := r
		out[r.POID] = append(out[r.POID], &rc)
		byID[r.ID] = &rc
		receiptIDs = append(receiptIDs, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := sess.receiptLines(ctx, receiptIDs)
	if err != nil {
		return nil, err
	}
	for id, ls := range lines {
		if r, ok := byID[id]; ok {
			r.Lines = ls
		}
	}
	return out, nil
}

func (sess *Session) receiptLines(ctx context.Context, receiptIDs []string) (map[string][]contracts.ReceiptLine, error) {
	out := make(map[string][]contracts.ReceiptLine)
	if len(receiptIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(receiptIDs)), ",")
	args := []any{sess.tenant}
	for _, id := range receiptIDs {
		args = append(args, id)
	}
	rows, err := sess.query(ctx, `SELECT id, receipt_id, po_line_id, sku,
		description, received_qty
		FROM receipt_lines WHERE tenant_id = ? AND receipt_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var l contracts.ReceiptLine
		if err := rows.Scan(&l.ID, &l.ReceiptID, &l.POLineID, &l.SKU,
			&l.Description, &l.ReceivedQty); err != nil {
			return nil, sess.store.classify(err)
		}
		out[l.ReceiptID] = append(out[l.ReceiptID], l)
	}
	return out, rows.Err()
}

// ReceivedQtyByPOLine aggregates received quantities across all receipts
// of a PO, for the over-delivery invariant.
func (sess *Session) ReceivedQtyByPOLine(ctx context.Context, poID string) (map[string]int64, error) {
	rows, err := sess.query(ctx, `SELECT rl.po_line_id, SUM(rl.received_qty)
		FROM receipt_lines rl
		JOIN receipts r ON r.tenant_id = rl.tenant_id AND r.id = rl.receipt_id
		WHERE rl.tenant_id = ? AND r.po_id = ?
		GROUP BY rl.po_line_id`, sess.tenant, poID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var lineID string
		var qty int64
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, sess.store.classify(err)
		}
		out[lineID] = qty
	}
	return out, rows.Err()
}

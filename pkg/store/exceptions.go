package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

const exceptionColumns = `tenant_id, id, invoice_id, reason, priority,
	suggested_matches, assigned_to, status, resolution_notes, deferred_until,
	version, created_at, updated_at`

// InsertException persists a queue entry. The partial unique index on
// (tenant, invoice) open entries makes enqueue idempotent: a second open
// entry for the same invoice surfaces as a conflict the caller swallows.
func (sess *Session) InsertException(ctx context.Context, e *contracts.ExceptionEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.TenantID = sess.tenant
	if e.Status == "" {
		e.Status = contracts.ExceptionOpen
	}
	if e.Version == 0 {
		e.Version = 1
	}
	ts := now()
	e.CreatedAt, e.UpdatedAt = ts, ts
	suggested, err := json.Marshal(e.SuggestedMatches)
	if err != nil {
		return fmt.Errorf("store: marshal suggested_matches: %w", err)
	}
	var deferred any
	if e.DeferredUntil != nil {
		deferred = fmtTime(*e.DeferredUntil)
	}
	_, err = sess.exec(ctx, `INSERT INTO exceptions
		(tenant_id, id, invoice_id, reason, priority, priority_rank,
		 suggested_matches, assigned_to, status, resolution_notes,
		 deferred_until, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, e.ID, e.InvoiceID, string(e.Reason), string(e.Priority),
		e.Priority.Rank(), string(suggested), e.AssignedTo, string(e.Status),
		e.ResolutionNotes, deferred, e.Version,
		fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt))
	return err
}

func (sess *Session) scanException(row interface{ Scan(...any) error }) (*contracts.ExceptionEntry, error) {
	var (
		e                contracts.ExceptionEntry
		reason, priority string
		status           string
		suggested        string
		deferred         sql.NullString
		ca, ua           string
	)
	if err := row.Scan(&e.TenantID, &e.ID, &e.InvoiceID, &reason, &priority,
		&suggested, &e.AssignedTo, &status, &e.ResolutionNotes, &deferred,
		&e.Version, &ca, &ua); err != nil {
		return nil, sess.store.classify(err)
	}
	if err := sess.guardTenant(e.TenantID); err != nil {
		return nil, err
	}
	e.Reason = contracts.ExceptionReason(reason)
	e.Priority = contracts.ExceptionPriority(priority)
	e.Status = contracts.ExceptionStatus(status)
	if err := json.Unmarshal([]byte(suggested), &e.SuggestedMatches); err != nil {
		return nil, fmt.Errorf("store: corrupt suggested_matches: %w", err)
	}
	var err error
	if deferred.Valid && deferred.String != "" {
		t, err := parseTime(deferred.String)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt deferred_until: %w", err)
		}
		e.DeferredUntil = &t
	}
	if e.CreatedAt, err = parseTime(ca); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(ua); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
	}
	return &e, nil
}

// GetException loads a queue entry.
func (sess *Session) GetException(ctx context.Context, id string) (*contracts.ExceptionEntry, error) {
	row := sess.queryRow(ctx, `SELECT `+exceptionColumns+` FROM exceptions
		WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	e, err := sess.scanException(row)
	if err != nil && contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewErrorf(contracts.KindNotFound, "exception %s", id)
	}
	return e, err
}

// OpenExceptionForInvoice returns the open entry for an invoice, if any.
func (sess *Session) OpenExceptionForInvoice(ctx context.Context, invoiceID string) (*contracts.ExceptionEntry, error) {
	row := sess.queryRow(ctx, `SELECT `+exceptionColumns+` FROM exceptions
		WHERE tenant_id = ? AND invoice_id = ? AND status = 'open'`,
		sess.tenant, invoiceID)
	e, err := sess.scanException(row)
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// ExceptionFilter narrows queue listings; all set fields are conjunctive.
type ExceptionFilter struct {
	Status     contracts.ExceptionStatus
	Priority   contracts.ExceptionPriority
	Reason     contracts.ExceptionReason
	AssignedTo string
	MinCents   *int64
	MaxCents   *int64
}

// ListExceptions returns one page ordered by priority desc then age,
// plus the unpaged total.
func (sess *Session) ListExceptions(ctx context.Context, f ExceptionFilter, page Page) ([]*contracts.ExceptionEntry, int, error) {
	page = page.Normalize()
	where := ""
	args := []any{sess.tenant}
	if f.Status != "" {
		where += " AND e.status = ?"
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		where += " AND e.priority = ?"
		args = append(args, string(f.Priority))
	}
	if f.Reason != "" {
		where += " AND e.reason = ?"
		args = append(args, string(f.Reason))
	}
	if f.AssignedTo != "" {
		where += " AND e.assigned_to = ?"
		args = append(args, f.AssignedTo)
	}
	if f.MinCents != nil {
		where += " AND i.total_cents >= ?"
		args = append(args, *f.MinCents)
	}
	if f.MaxCents != nil {
		where += " AND i.total_cents <= ?"
		args = append(args, *f.MaxCents)
	}

	base := ` FROM exceptions e
		JOIN invoices i ON i.tenant_id = e.tenant_id AND i.id = e.invoice_id
		WHERE e.tenant_id = ?` + where

	var total int
	if err := sess.queryRow(ctx, `SELECT COUNT(*)`+base, args...).Scan(&total); err != nil {
		return nil, 0, sess.store.classify(err)
	}

	cols := `e.tenant_id, e.id, e.invoice_id, e.reason, e.priority,
		e.suggested_matches, e.assigned_to, e.status, e.resolution_notes,
		e.deferred_until, e.version, e.created_at, e.updated_at`
	args = append(args, page.Limit, page.offset())
	rows, err := sess.query(ctx, `SELECT `+cols+base+`
		ORDER BY e.priority_rank DESC, e.created_at ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExceptionEntry
	for rows.Next() {
		e, err := sess.scanException(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ClaimException assigns an open entry to a reviewer; fails with conflict
// if it is no longer open.
func (sess *Session) ClaimException(ctx context.Context, id, userID string, version int64) error {
	res, err := sess.exec(ctx, `UPDATE exceptions
		SET assigned_to = ?, status = 'in_review', version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'open' AND version = ?`,
		userID, fmtTime(now()), sess.tenant, id, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindConflict, "exception %s already claimed", id)
	}
	return nil
}

// ResolveException finishes an in-review entry with a terminal status,
// or re-shelves a deferred one.
func (sess *Session) ResolveException(ctx context.Context, id string, status contracts.ExceptionStatus, notes string, deferredUntil any, version int64) error {
	res, err := sess.exec(ctx, `UPDATE exceptions
		SET status = ?, resolution_notes = ?, deferred_until = ?,
		    version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'in_review' AND version = ?`,
		string(status), notes, deferredUntil, fmtTime(now()),
		sess.tenant, id, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindConflict,
			"exception %s is stale or not in review", id)
	}
	return nil
}

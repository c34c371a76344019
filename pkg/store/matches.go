package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

const matchColumns = `tenant_id, id, invoice_id, po_id, receipt_id,
	match_type, three_way_type, confidence, scores, discrepancies, status,
	superseded_by, algorithm_version, reviewed_by, review_notes, version, created_at`

// InsertMatchResult persists a scored candidate pairing.
func (sess *Session) InsertMatchResult(ctx context.Context, m *contracts.MatchResult) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.TenantID = sess.tenant
	if m.Status == "" {
		m.Status = contracts.MatchStatusPending
	}
	if m.Version == 0 {
		m.Version = 1
	}
	m.CreatedAt = now()
	scores, err := json.Marshal(m.Scores)
	if err != nil {
		return fmt.Errorf("store: marshal scores: %w", err)
	}
	discrepancies, err := json.Marshal(m.Discrepancies)
	if err != nil {
		return fmt.Errorf("store: marshal discrepancies: %w", err)
	}
	_, err = sess.exec(ctx, `INSERT INTO match_results (`+matchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, m.ID, m.InvoiceID, m.POID, m.ReceiptID,
		string(m.MatchType), string(m.ThreeWayType), m.Confidence,
		string(scores), string(discrepancies), string(m.Status),
		m.SupersededBy, m.AlgorithmVersion, m.ReviewedBy, m.ReviewNotes,
		m.Version, fmtTime(m.CreatedAt))
	return err
}

func (sess *Session) scanMatch(row interface{ Scan(...any) error }) (*contracts.MatchResult, error) {
	var (
		m                                contracts.MatchResult
		mt, twt, status                  string
		scores, discrepancies, createdAt string
	)
	if err := row.Scan(&m.TenantID, &m.ID, &m.InvoiceID, &m.POID, &m.ReceiptID,
		&mt, &twt, &m.Confidence, &scores, &discrepancies, &status,
		&m.SupersededBy, &m.AlgorithmVersion, &m.ReviewedBy, &m.ReviewNotes,
		&m.Version, &createdAt); err != nil {
		return nil, sess.store.classify(err)
	}
	if err := sess.guardTenant(m.TenantID); err != nil {
		return nil, err
	}
	m.MatchType = contracts.MatchType(mt)
	m.ThreeWayType = contracts.ThreeWayType(twt)
	m.Status = contracts.MatchStatus(status)
	if err := json.Unmarshal([]byte(scores), &m.Scores); err != nil {
		return nil, fmt.Errorf("store: corrupt scores: %w", err)
	}
	if err := json.Unmarshal([]byte(discrepancies), &m.Discrepancies); err != nil {
		return nil, fmt.Errorf("store: corrupt discrepancies: %w", err)
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	return &m, nil
}

// GetMatchResult loads a match by id.
func (sess *Session) GetMatchResult(ctx context.Context, id string) (*contracts.MatchResult, error) {
	row := sess.queryRow(ctx, `SELECT `+matchColumns+` FROM match_results
		WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	m, err := sess.scanMatch(row)
	if err != nil && contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewErrorf(contracts.KindNotFound, "match %s", id)
	}
	return m, err
}

// MatchesForInvoice lists results for an invoice, newest first.
func (sess *Session) MatchesForInvoice(ctx context.Context, invoiceID string) ([]*contracts.MatchResult, error) {
	rows, err := sess.query(ctx, `SELECT `+matchColumns+` FROM match_results
		WHERE tenant_id = ? AND invoice_id = ?
		ORDER BY created_at DESC, confidence DESC`, sess.tenant, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MatchResult
	for rows.Next() {
		m, err := sess.scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TransitionMatch is the compare-and-set on match status. Results are
// immutable once out of pending except for the superseding link, so the
// only legal sources are pending (review) and pending/approved
// (supersession on a re-run).
func (sess *Session) TransitionMatch(ctx context.Context, id string, from, to contracts.MatchStatus, version int64, reviewedBy, notes, supersededBy string) error {
	res, err := sess.exec(ctx, `UPDATE match_results
		SET status = ?, reviewed_by = ?, review_notes = ?, superseded_by = ?,
		    version = version + 1
		WHERE tenant_id = ? AND id = ? AND status = ? AND version = ?`,
		string(to), reviewedBy, notes, supersededBy,
		sess.tenant, id, string(from), version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindConflict,
			"match %s changed concurrently or is not %s", id, from)
	}
	return nil
}

// SupersedeMatches flips every non-superseded result of an invoice to
// superseded, linking each to the result that replaces it. Prior results
// are never deleted.
func (sess *Session) SupersedeMatches(ctx context.Context, invoiceID, newResultID string) error {
	_, err := sess.exec(ctx, `UPDATE match_results
		SET status = 'superseded', superseded_by = ?, version = version + 1
		WHERE tenant_id = ? AND invoice_id = ? AND status != 'superseded' AND id != ?`,
		newResultID, sess.tenant, invoiceID, newResultID)
	return err
}

// MatchFilter narrows list queries.
type MatchFilter struct {
	InvoiceID string
	Status    contracts.MatchStatus
}

// ListMatches returns one page plus the unpaged total.
func (sess *Session) ListMatches(ctx context.Context, f MatchFilter, page Page) ([]*contracts.MatchResult, int, error) {
	page = page.Normalize()
	where := ""
	args := []any{sess.tenant}
	if f.InvoiceID != "" {
		where += " AND invoice_id = ?"
		args = append(args, f.InvoiceID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	var total int
	if err := sess.queryRow(ctx, `SELECT COUNT(*) FROM match_results
		WHERE tenant_id = ?`+where, args...).Scan(&total); err != nil {
		return nil, 0, sess.store.classify(err)
	}
	args = append(args, page.Limit, page.offset())
	rows, err := sess.query(ctx, `SELECT `+matchColumns+` FROM match_results
		WHERE tenant_id = ?`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MatchResult
	for rows.Next() {
		m, err := sess.scanMatch(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

const auditColumns = `tenant_id, id, invoice_id, seq, algorithm_version,
	ruleset_hash, inputs_hash, scores, final_score, decision, actor,
	supersedes, prev_hash, entry_hash, created_at`

// InsertAuditEvent appends one pre-hashed chain link. Sequence uniqueness
// is enforced by ux_audit_invoice_seq, so two concurrent appends for the
// same invoice cannot interleave silently.
func (sess *Session) InsertAuditEvent(ctx context.Context, e *contracts.MatchAuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.TenantID = sess.tenant
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return fmt.Errorf("store: marshal scores: %w", err)
	}
	_, err = sess.exec(ctx, `INSERT INTO match_audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, e.ID, e.InvoiceID, e.Sequence, e.AlgorithmVer,
		e.RuleSetHash, e.InputsHash, string(scores), e.FinalScore,
		e.Decision, e.Actor, e.Supersedes, e.PrevHash, e.EntryHash,
		fmtTime(e.CreatedAt))
	return err
}

// AuditEventsForInvoice returns the chain in sequence order.
func (sess *Session) AuditEventsForInvoice(ctx context.Context, invoiceID string) ([]*contracts.MatchAuditEvent, error) {
	rows, err := sess.query(ctx, `SELECT `+auditColumns+` FROM match_audit_events
		WHERE tenant_id = ? AND invoice_id = ? ORDER BY seq`, sess.tenant, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MatchAuditEvent
	for rows.Next() {
		e, err := sess.scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastAuditEvent returns the chain tail for an invoice, or nil for a
// fresh chain.
func (sess *Session) LastAuditEvent(ctx context.Context, invoiceID string) (*contracts.MatchAuditEvent, error) {
	row := sess.queryRow(ctx, `SELECT `+auditColumns+` FROM match_audit_events
		WHERE tenant_id = ? AND invoice_id = ? ORDER BY seq DESC LIMIT 1`,
		sess.tenant, invoiceID)
	e, err := sess.scanAuditEvent(row)
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// AuditedInvoiceIDs lists every invoice that has at least one audit event.
// Used by the verifier traversal.
func (sess *Session) AuditedInvoiceIDs(ctx context.Context) ([]string, error) {
	rows, err := sess.query(ctx, `SELECT DISTINCT invoice_id FROM match_audit_events
		WHERE tenant_id = ? ORDER BY invoice_id`, sess.tenant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sess.store.classify(err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (sess *Session) scanAuditEvent(row interface{ Scan(...any) error }) (*contracts.MatchAuditEvent, error) {
	var (
		e          contracts.MatchAuditEvent
		scores, ca string
	)
	if err := row.Scan(&e.TenantID, &e.ID, &e.InvoiceID, &e.Sequence,
		&e.AlgorithmVer, &e.RuleSetHash, &e.InputsHash, &scores,
		&e.FinalScore, &e.Decision, &e.Actor, &e.Supersedes,
		&e.PrevHash, &e.EntryHash, &ca); err != nil {
		return nil, sess.store.classify(err)
	}
	if err := sess.guardTenant(e.TenantID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scores), &e.Scores); err != nil {
		return nil, fmt.Errorf("store: corrupt scores: %w", err)
	}
	var err error
	if e.CreatedAt, err = parseTime(ca); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	return &e, nil
}

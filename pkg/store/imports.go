package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// ImportStatus is the lifecycle of a bulk upload.
type ImportStatus string

const (
	ImportRunning   ImportStatus = "running"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
	ImportCancelled ImportStatus = "cancelled"
)

// ImportBatch summarizes one bulk upload.
type ImportBatch struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	DocType    string       `json:"doc_type"`
	Status     ImportStatus `json:"status"`
	TotalRows  int          `json:"total"`
	Accepted   int          `json:"accepted"`
	Rejected   int          `json:"rejected"`
	Duplicates int          `json:"duplicates"`
	ArchiveKey string       `json:"archive_key,omitempty"`
	ReportKey  string       `json:"report_key,omitempty"`
}

// RowError is one per-row entry in the import error report.
type RowError struct {
	Row        int    `json:"row"`
	Column     string `json:"column,omitempty"`
	Code       string `json:"code"`
	RawValue   string `json:"raw_value,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// CreateImportBatch registers a new upload.
func (sess *Session) CreateImportBatch(ctx context.Context, b *ImportBatch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.TenantID = sess.tenant
	if b.Status == "" {
		b.Status = ImportRunning
	}
	ts := fmtTime(now())
	_, err := sess.exec(ctx, `INSERT INTO import_batches
		(tenant_id, id, doc_type, status, total_rows, accepted, rejected,
		 duplicates, archive_key, report_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, b.ID, b.DocType, string(b.Status), b.TotalRows,
		b.Accepted, b.Rejected, b.Duplicates, b.ArchiveKey, b.ReportKey, ts, ts)
	return err
}

// UpdateImportBatch writes progress counters; called at window commits so
// clients observe (rows_processed, accepted, rejected) monotonically.
func (sess *Session) UpdateImportBatch(ctx context.Context, b *ImportBatch) error {
	res, err := sess.exec(ctx, `UPDATE import_batches
		SET status = ?, total_rows = ?, accepted = ?, rejected = ?,
		    duplicates = ?, archive_key = ?, report_key = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(b.Status), b.TotalRows, b.Accepted, b.Rejected, b.Duplicates,
		b.ArchiveKey, b.ReportKey, fmtTime(now()), sess.tenant, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindNotFound, "import batch %s", b.ID)
	}
	return nil
}

// GetImportBatch loads a batch summary.
func (sess *Session) GetImportBatch(ctx context.Context, id string) (*ImportBatch, error) {
	row := sess.queryRow(ctx, `SELECT tenant_id, id, doc_type, status,
		total_rows, accepted, rejected, duplicates, archive_key, report_key
		FROM import_batches WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	var b ImportBatch
	var status string
	if err := row.Scan(&b.TenantID, &b.ID, &b.DocType, &status, &b.TotalRows,
		&b.Accepted, &b.Rejected, &b.Duplicates, &b.ArchiveKey, &b.ReportKey); err != nil {
		err = sess.store.classify(err)
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewErrorf(contracts.KindNotFound, "import batch %s", id)
		}
		return nil, err
	}
	if err := sess.guardTenant(b.TenantID); err != nil {
		return nil, err
	}
	b.Status = ImportStatus(status)
	return &b, nil
}

// InsertRowErrors bulk-writes report rows for a batch.
func (sess *Session) InsertRowErrors(ctx context.Context, batchID string, errs []RowError) error {
	for _, re := range errs {
		if _, err := sess.exec(ctx, `INSERT INTO import_errors
			(tenant_id, id, batch_id, row_num, col, code, raw_value, suggestion)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.tenant, uuid.New().String(), batchID, re.Row, re.Column,
			re.Code, re.RawValue, re.Suggestion); err != nil {
			return fmt.Errorf("store: insert row error: %w", err)
		}
	}
	return nil
}

// RowErrors returns the report in row order.
func (sess *Session) RowErrors(ctx context.Context, batchID string) ([]RowError, error) {
	rows, err := sess.query(ctx, `SELECT row_num, col, code, raw_value, suggestion
		FROM import_errors WHERE tenant_id = ? AND batch_id = ?
		ORDER BY row_num`, sess.tenant, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RowError
	for rows.Next() {
		var re RowError
		if err := rows.Scan(&re.Row, &re.Column, &re.Code, &re.RawValue, &re.Suggestion); err != nil {
			return nil, sess.store.classify(err)
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

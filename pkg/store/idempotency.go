package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// IdempotencyRecord is the stored claim for one (tenant, key).
type IdempotencyRecord struct {
	TenantID    string
	Key         string
	Fingerprint string
	State       string // in_progress | completed
	StatusCode  int
	Response    []byte
	CreatedAt   time.Time
}

// ClaimIdempotencyKey attempts the conditional insert that serializes
// concurrent claims. It returns (true, nil, nil) when this caller won the
// claim; otherwise the existing record is returned.
func (sess *Session) ClaimIdempotencyKey(ctx context.Context, key, fingerprint string) (bool, *IdempotencyRecord, error) {
	res, err := sess.exec(ctx, `INSERT INTO idempotency_keys
		(tenant_id, key, fingerprint, state, created_at)
		VALUES (?, ?, ?, 'in_progress', ?)
		ON CONFLICT (tenant_id, key) DO NOTHING`,
		sess.tenant, key, fingerprint, fmtTime(now()))
	if err != nil {
		return false, nil, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil, nil
	}
	rec, err := sess.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// GetIdempotencyRecord loads a record by key.
func (sess *Session) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := sess.queryRow(ctx, `SELECT tenant_id, key, fingerprint, state,
		status_code, response, created_at
		FROM idempotency_keys WHERE tenant_id = ? AND key = ?`, sess.tenant, key)
	var (
		rec      IdempotencyRecord
		response sql.NullString
		ca       string
	)
	if err := row.Scan(&rec.TenantID, &rec.Key, &rec.Fingerprint, &rec.State,
		&rec.StatusCode, &response, &ca); err != nil {
		err = sess.store.classify(err)
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewErrorf(contracts.KindNotFound, "idempotency key %s", key)
		}
		return nil, err
	}
	if err := sess.guardTenant(rec.TenantID); err != nil {
		return nil, err
	}
	if response.Valid {
		rec.Response = []byte(response.String)
	}
	t, err := parseTime(ca)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = t
	return &rec, nil
}

// CompleteIdempotencyKey stores the response. Called within the same
// transaction as the operation's effects so replay and effects commit
// atomically.
func (sess *Session) CompleteIdempotencyKey(ctx context.Context, key string, statusCode int, response []byte) error {
	res, err := sess.exec(ctx, `UPDATE idempotency_keys
		SET state = 'completed', status_code = ?, response = ?
		WHERE tenant_id = ? AND key = ? AND state = 'in_progress'`,
		statusCode, string(response), sess.tenant, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.NewErrorf(contracts.KindConflict,
			"idempotency key %s is not claimed", key)
	}
	return nil
}

// ReleaseIdempotencyKey drops an in-progress claim after a failed
// operation so a retry can run fresh.
func (sess *Session) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := sess.exec(ctx, `DELETE FROM idempotency_keys
		WHERE tenant_id = ? AND key = ? AND state = 'in_progress'`,
		sess.tenant, key)
	return err
}

// ReapIdempotencyKeys reclaims entries older than ttl (minimum retention
// 24h is enforced by the caller).
func (sess *Session) ReapIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := now().Add(-ttl)
	res, err := sess.exec(ctx, `DELETE FROM idempotency_keys
		WHERE tenant_id = ? AND created_at < ?`, sess.tenant, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

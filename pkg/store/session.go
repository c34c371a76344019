package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// Session is a transaction bound to exactly one tenant. All CRUD and query
// primitives hang off the session; there is no tenant-free access path.
type Session struct {
	tx     *sql.Tx
	store  *Store
	tenant string
	done   bool
}

// Begin opens a read-committed session for tenant.
func (s *Store) Begin(ctx context.Context, tenantID string) (*Session, error) {
	return s.beginWith(ctx, tenantID, sql.LevelReadCommitted)
}

// BeginMatch opens a repeatable-read session for the matching transaction.
func (s *Store) BeginMatch(ctx context.Context, tenantID string) (*Session, error) {
	return s.beginWith(ctx, tenantID, sql.LevelRepeatableRead)
}

func (s *Store) beginWith(ctx context.Context, tenantID string, level sql.IsolationLevel) (*Session, error) {
	if tenantID == "" {
		return nil, contracts.NewError(contracts.KindTenantViolation, "session without tenant")
	}
	opts := &sql.TxOptions{Isolation: level}
	if s.dialect == DialectSQLite {
		// modernc sqlite implements serializable only; stricter is fine.
		opts = nil
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, s.classify(err)
	}
	if s.dialect == DialectPostgres {
		// Pin the tenant on the connection so RLS policies filter every
		// statement regardless of what the application binds.
		if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
			_ = tx.Rollback()
			return nil, s.classify(err)
		}
	}
	return &Session{tx: tx, store: s, tenant: tenantID}, nil
}

// Tenant returns the tenant this session is bound to.
func (sess *Session) Tenant() string { return sess.tenant }

// Commit finishes the transaction.
func (sess *Session) Commit() error {
	sess.done = true
	if err := sess.tx.Commit(); err != nil {
		return sess.store.classify(err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to defer after Commit.
func (sess *Session) Rollback() error {
	if sess.done {
		return nil
	}
	sess.done = true
	if err := sess.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return sess.store.classify(err)
	}
	return nil
}

func (sess *Session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := sess.tx.ExecContext(ctx, sess.store.rebind(query), args...)
	if err != nil {
		return nil, sess.store.classify(err)
	}
	return res, nil
}

func (sess *Session) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := sess.tx.QueryContext(ctx, sess.store.rebind(query), args...)
	if err != nil {
		return nil, sess.store.classify(err)
	}
	return rows, nil
}

func (sess *Session) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return sess.tx.QueryRowContext(ctx, sess.store.rebind(query), args...)
}

// guardTenant verifies a scanned row belongs to the session tenant. A
// mismatch means an isolation invariant broke; it is fatal, never routine.
func (sess *Session) guardTenant(rowTenant string) error {
	if rowTenant != sess.tenant {
		sess.store.logger.Error("cross-tenant row surfaced",
			"session_tenant", sess.tenant, "row_tenant", rowTenant)
		return contracts.NewErrorf(contracts.KindTenantViolation,
			"row owned by another tenant surfaced in session for %s", sess.tenant)
	}
	return nil
}

// Page is the list-endpoint envelope input. Page is 1-based.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps paging to the API contract (default 50, max 100).
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

// Sort is one field:direction pair from the API `sort` parameter.
type Sort struct {
	Field string
	Desc  bool
}

// orderClause renders validated sort pairs, falling back to dflt. Fields
// not in allowed are rejected to keep user input out of SQL.
func orderClause(sorts []Sort, allowed map[string]string, dflt string) (string, error) {
	if len(sorts) == 0 {
		return dflt, nil
	}
	clause := ""
	for i, s := range sorts {
		col, ok := allowed[s.Field]
		if !ok {
			return "", contracts.NewErrorf(contracts.KindValidationFailed, "cannot sort by %q", s.Field)
		}
		if i > 0 {
			clause += ", "
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		clause += fmt.Sprintf("%s %s", col, dir)
	}
	return clause, nil
}

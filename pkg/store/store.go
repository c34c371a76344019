// Package store is the tenant-scoped persistence layer. Every read and
// write happens inside a Session bound to exactly one tenant: on postgres
// the session pins `app.tenant_id` so row-level-security policies filter
// below the application layer; on sqlite every statement in this package
// binds the session tenant and every scan re-checks the row's tenant_id.
// A query that omits a tenant predicate therefore still cannot leak rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// Dialect selects placeholder style and DDL variant.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store wraps the database handle. Sessions are the only access path.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the database named by url. "postgres://..." selects the
// lib/pq driver; anything else is treated as a sqlite DSN (":memory:" or a
// file path).
func Open(url string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = sql.Open("postgres", url)
		dialect = DialectPostgres
	} else {
		db, err = sql.Open("sqlite", url)
		dialect = DialectSQLite
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under the test workload.
		db.SetMaxOpenConns(1)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db, dialect: dialect, logger: logger}, nil
}

// NewWithDB wraps an existing handle (tests, sqlmock).
func NewWithDB(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: dialect, logger: logger}
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for migration tooling only.
func (s *Store) DB() *sql.DB { return s.db }

// rebind converts `?` placeholders to `$n` for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify translates driver errors into the shared taxonomy.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.WrapError(contracts.KindNotFound, "row not found", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return contracts.WrapError(contracts.KindConflict, pqErr.Message, err)
		case "40": // serialization failure / deadlock
			return contracts.WrapError(contracts.KindTransient, pqErr.Message, err)
		case "08", "57": // connection failures, operator intervention
			return contracts.WrapError(contracts.KindTransient, pqErr.Message, err)
		}
		return contracts.WrapError(contracts.KindInternal, pqErr.Message, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "constraint failed"):
		return contracts.WrapError(contracts.KindConflict, msg, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "SQLITE_BUSY"):
		return contracts.WrapError(contracts.KindTransient, msg, err)
	}
	return contracts.WrapError(contracts.KindInternal, msg, err)
}

// WithRetry runs fn up to three times while it fails with a transient
// error, backing off between attempts. Non-transient errors propagate
// immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	const attempts = 3
	backoff := 50 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !contracts.Retriable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return contracts.WrapError(contracts.KindTransient, "retry cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// now returns a UTC wall-clock timestamp truncated to microseconds so the
// round trip through TEXT columns is exact.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

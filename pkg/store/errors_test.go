package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

func TestRebind(t *testing.T) {
	sqliteStore := &Store{dialect: DialectSQLite}
	pgStore := &Store{dialect: DialectPostgres}

	q := `SELECT * FROM invoices WHERE tenant_id = ? AND id = ?`
	assert.Equal(t, q, sqliteStore.rebind(q))
	assert.Equal(t,
		`SELECT * FROM invoices WHERE tenant_id = $1 AND id = $2`,
		pgStore.rebind(q))
}

func TestClassifyPostgresErrors(t *testing.T) {
	s := &Store{dialect: DialectPostgres}

	unique := &pq.Error{Code: "23505", Message: "duplicate key"}
	assert.True(t, contracts.IsKind(s.classify(unique), contracts.KindConflict))

	serialization := &pq.Error{Code: "40001", Message: "could not serialize"}
	assert.True(t, contracts.IsKind(s.classify(serialization), contracts.KindTransient))

	conn := &pq.Error{Code: "08006", Message: "connection failure"}
	assert.True(t, contracts.IsKind(s.classify(conn), contracts.KindTransient))
}

func TestClaimOnPostgresUsesConditionalInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewWithDB(db, DialectPostgres, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config`).
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	ctx := context.Background()
	sess, err := s.Begin(ctx, "t1")
	require.NoError(t, err)
	won, _, err := sess.ClaimIdempotencyKey(ctx, "k", "fp")
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, sess.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryGivesUpAfterThree(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return contracts.NewError(contracts.KindTransient, "busy")
	})
	assert.True(t, contracts.IsKind(err, contracts.KindTransient))
	assert.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(context.Background(), func() error {
		calls++
		return contracts.NewError(contracts.KindConflict, "dup")
	})
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))
	assert.Equal(t, 1, calls)
}

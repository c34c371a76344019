package idempotency

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewRegistry(st, 24*time.Hour, slog.Default()), st
}

func TestFingerprintNormalizesBody(t *testing.T) {
	a := Fingerprint("POST", "/v1/invoices/import", []byte(`{"b":2,"a":1}`))
	b := Fingerprint("POST", "/v1/invoices/import", []byte(`{ "a": 1, "b": 2 }`))
	assert.Equal(t, a, b, "key order and whitespace must not change the fingerprint")

	c := Fingerprint("POST", "/v1/invoices/import", []byte(`{"a":1,"b":3}`))
	assert.NotEqual(t, a, c)

	d := Fingerprint("POST", "/v1/matching/run", []byte(`{"b":2,"a":1}`))
	assert.NotEqual(t, a, d, "path is part of the fingerprint")
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("order-2025-00042"))

	err := ValidateKey("")
	assert.Equal(t, contracts.KindIdempotencyKeyRequired, contracts.KindOf(err))

	long := make([]byte, MaxKeyBytes+1)
	for i := range long {
		long[i] = 'k'
	}
	err = ValidateKey(string(long))
	assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
}

func TestClaimFreshThenReplay(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/matching/run", []byte(`{"scope":"all"}`))

	claim, err := reg.Claim(ctx, "acme", "run-1", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFresh, claim.Outcome)

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, reg.Complete(ctx, sess, "run-1", 202, []byte(`{"batch":"b-1"}`)))
	require.NoError(t, sess.Commit())

	replay, err := reg.Claim(ctx, "acme", "run-1", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, replay.Outcome)
	assert.Equal(t, 202, replay.StatusCode)
	assert.JSONEq(t, `{"batch":"b-1"}`, string(replay.Response))
}

func TestPendingCompletionRidesCallerTransaction(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/invoices", []byte(`{"n":"INV-1"}`))

	claim, err := reg.Claim(ctx, "acme", "create-1", fp)
	require.NoError(t, err)
	require.Equal(t, OutcomeFresh, claim.Outcome)
	p := &Pending{Key: "create-1"}

	// a rolled-back transaction must not leave the claim completed
	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx, sess, 201, []byte(`{"id":"a"}`)))
	require.NoError(t, sess.Rollback())

	sess, err = st.Begin(ctx, "acme")
	require.NoError(t, err)
	rec, err := sess.GetIdempotencyRecord(ctx, "create-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", rec.State)
	require.NoError(t, sess.Rollback())

	// committing makes the completion durable with the effects
	p = &Pending{Key: "create-1"}
	sess, err = st.Begin(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx, sess, 201, []byte(`{"id":"a"}`)))
	require.NoError(t, sess.Commit())
	assert.True(t, p.Completed())

	replay, err := reg.Claim(ctx, "acme", "create-1", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, replay.Outcome)
	assert.Equal(t, 201, replay.StatusCode)
}

func TestClaimFingerprintConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Claim(ctx, "acme", "run-2", Fingerprint("POST", "/v1/matching/run", []byte(`{"scope":"all"}`)))
	require.NoError(t, err)

	_, err = reg.Claim(ctx, "acme", "run-2", Fingerprint("POST", "/v1/matching/run", []byte(`{"scope":"pending"}`)))
	assert.Equal(t, contracts.KindIdempotencyConflict, contracts.KindOf(err))
}

func TestClaimScopedByTenant(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/matching/run", nil)

	a, err := reg.Claim(ctx, "acme", "shared-key", fp)
	require.NoError(t, err)
	b, err := reg.Claim(ctx, "globex", "shared-key", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFresh, a.Outcome)
	assert.Equal(t, OutcomeFresh, b.Outcome, "tenants must not contend on each other's keys")
}

func TestClaimWaitsForInProgressWinner(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/matching/run", nil)

	_, err := reg.Claim(ctx, "acme", "slow-run", fp)
	require.NoError(t, err)

	go func() {
		time.Sleep(250 * time.Millisecond)
		sess, err := st.Begin(ctx, "acme")
		if err != nil {
			return
		}
		_ = reg.Complete(ctx, sess, "slow-run", 200, []byte(`{"ok":true}`))
		_ = sess.Commit()
	}()

	claim, err := reg.Claim(ctx, "acme", "slow-run", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, claim.Outcome)
	assert.Equal(t, 200, claim.StatusCode)
}

func TestReleaseAllowsRetry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/matching/run", nil)

	_, err := reg.Claim(ctx, "acme", "failed-run", fp)
	require.NoError(t, err)

	reg.Release(ctx, "acme", "failed-run")

	again, err := reg.Claim(ctx, "acme", "failed-run", fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFresh, again.Outcome)
}

package exceptions

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

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		name       string
		percentile float64
		ageDays    float64
		want       contracts.ExceptionPriority
	}{
		{"big and old", 0.97, 5, contracts.PriorityCritical},
		{"big only", 0.95, 0.5, contracts.PriorityHigh},
		{"old only", 0.10, 3, contracts.PriorityHigh},
		{"small and fresh", 0.20, 0.5, contracts.PriorityLow},
		{"middling amount", 0.70, 0.5, contracts.PriorityMedium},
		{"small but aging", 0.20, 2, contracts.PriorityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PriorityFor(tc.percentile, tc.ageDays))
		})
	}
}

// reviewFixture is an invoice stuck in requires_review with two pending
// candidate matches and an open exception entry.
type reviewFixture struct {
	invoice *contracts.Invoice
	matches []*contracts.MatchResult
	entry   *contracts.ExceptionEntry
}

func seedReviewCase(t *testing.T, st *store.Store, tenant string) reviewFixture {
	t.Helper()
	ctx := context.Background()

	sess, err := st.Begin(ctx, tenant)
	require.NoError(t, err)

	vendor := &contracts.Vendor{LegalName: "Omega Corp", NormalizedName: "omega", Status: "active"}
	require.NoError(t, sess.InsertVendor(ctx, vendor))

	po := &contracts.PurchaseOrder{
		PONumber: "PO-100", VendorID: vendor.ID, TotalCents: 50_000,
		Currency: "USD", PODate: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Status: contracts.POStatusOpen,
	}
	require.NoError(t, sess.InsertPurchaseOrder(ctx, po))

	inv := &contracts.Invoice{
		InvoiceNumber: "INV-1", VendorID: vendor.ID, PONumber: "PO-1XX",
		SubtotalCents: 50_000, TotalCents: 50_000, Currency: "USD",
		InvoiceDate:    time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC),
		Status:         contracts.InvoiceStatusPending,
		MatchingStatus: contracts.MatchingUnmatched,
	}
	require.NoError(t, sess.InsertInvoice(ctx, inv))

	inv, err = sess.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.NoError(t, sess.UpdateMatchingStatus(ctx, inv.ID,
		contracts.MatchingUnmatched, contracts.MatchingInProgress, inv.Version))
	inv, err = sess.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.NoError(t, sess.UpdateMatchingStatus(ctx, inv.ID,
		contracts.MatchingInProgress, contracts.MatchingRequiresReview, inv.Version))
	require.NoError(t, sess.SetInvoiceStatus(ctx, inv.ID, contracts.InvoiceStatusException))

	var matches []*contracts.MatchResult
	for i := 0; i < 2; i++ {
		m := &contracts.MatchResult{
			InvoiceID: inv.ID, POID: po.ID,
			MatchType:  contracts.MatchTypeFuzzy,
			Confidence: 0.80 - float64(i)*0.01,
			Status:     contracts.MatchStatusPending,
		}
		require.NoError(t, sess.InsertMatchResult(ctx, m))
		matches = append(matches, m)
	}

	inv, err = sess.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	entry, created, err := Enqueue(ctx, sess, inv, contracts.ReasonBelowThreshold,
		[]string{matches[0].ID, matches[1].ID})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, sess.Commit())

	return reviewFixture{invoice: inv, matches: matches, entry: entry}
}

func TestEnqueueIsIdempotentPerOpenEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fx := seedReviewCase(t, st, "acme")

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	defer sess.Rollback()

	again, created, err := Enqueue(ctx, sess, fx.invoice, contracts.ReasonBelowThreshold, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, fx.entry.ID, again.ID)
}

func TestClaimEnforcesVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fx := seedReviewCase(t, st, "acme")
	svc := NewService(st, slog.Default())

	_, err := svc.Claim(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version+5)
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))

	claimed, err := svc.Claim(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExceptionInReview, claimed.Status)
	assert.Equal(t, "alice", claimed.AssignedTo)
	assert.Equal(t, fx.entry.Version+1, claimed.Version)

	// in_review entries cannot be claimed again
	_, err = svc.Claim(ctx, "acme", fx.entry.ID, "bob", claimed.Version)
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))
}

func TestDecideRequiresTheClaimingReviewer(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fx := seedReviewCase(t, st, "acme")
	svc := NewService(st, slog.Default())

	// open entries take no decisions
	err := svc.Decide(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version,
		Decision{Kind: DecisionRejectAll})
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))

	claimed, err := svc.Claim(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version)
	require.NoError(t, err)

	err = svc.Decide(ctx, "acme", fx.entry.ID, "mallory", claimed.Version,
		Decision{Kind: DecisionRejectAll})
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))
}

func TestDeferNeedsTimestampAndReopens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fx := seedReviewCase(t, st, "acme")
	svc := NewService(st, slog.Default())

	claimed, err := svc.Claim(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version)
	require.NoError(t, err)

	err = svc.Decide(ctx, "acme", fx.entry.ID, "alice", claimed.Version,
		Decision{Kind: DecisionDefer})
	assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))

	until := time.Now().Add(48 * time.Hour).UTC()
	require.NoError(t, svc.Decide(ctx, "acme", fx.entry.ID, "alice", claimed.Version,
		Decision{Kind: DecisionDefer, DeferUntil: &until, Notes: "waiting on vendor credit memo"}))

	got, err := svc.Get(ctx, "acme", fx.entry.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExceptionOpen, got.Status)
	require.NotNil(t, got.DeferredUntil)
	assert.WithinDuration(t, until, *got.DeferredUntil, time.Second)
}

func TestRejectAllDismissesEntryAndInvoice(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fx := seedReviewCase(t, st, "acme")
	svc := NewService(st, slog.Default())

	claimed, err := svc.Claim(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version)
	require.NoError(t, err)
	require.NoError(t, svc.Decide(ctx, "acme", fx.entry.ID, "alice", claimed.Version,
		Decision{Kind: DecisionRejectAll, Notes: "none of the candidates hold up"}))

	got, err := svc.Get(ctx, "acme", fx.entry.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExceptionDismissed, got.Status)

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	defer sess.Rollback()

	inv, err := sess.GetInvoice(ctx, fx.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchingUnmatchable, inv.MatchingStatus)
	assert.Equal(t, contracts.InvoiceStatusRejected, inv.Status)

	for _, m := range fx.matches {
		got, err := sess.GetMatchResult(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, contracts.MatchStatusRejected, got.Status)
		assert.Equal(t, "alice", got.ReviewedBy)
	}

	// the verdict lands on the invoice's audit chain
	events, err := sess.AuditEventsForInvoice(ctx, fx.invoice.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(contracts.MatchingUnmatchable), events[0].Decision)
	assert.Equal(t, "alice", events[0].Actor)
}

func TestApproveValidatesTheChosenMatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fx := seedReviewCase(t, st, "acme")
	other := seedReviewCase(t, st, "globex")
	svc := NewService(st, slog.Default())

	claimed, err := svc.Claim(ctx, "acme", fx.entry.ID, "alice", fx.entry.Version)
	require.NoError(t, err)

	err = svc.Decide(ctx, "acme", fx.entry.ID, "alice", claimed.Version,
		Decision{Kind: DecisionApprove})
	assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))

	// a match id from another tenant must not resolve at all
	err = svc.Decide(ctx, "acme", fx.entry.ID, "alice", claimed.Version,
		Decision{Kind: DecisionApprove, MatchID: other.matches[0].ID})
	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(err))

	require.NoError(t, svc.Decide(ctx, "acme", fx.entry.ID, "alice", claimed.Version,
		Decision{Kind: DecisionApprove, MatchID: fx.matches[0].ID}))

	got, err := svc.Get(ctx, "acme", fx.entry.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExceptionResolved, got.Status)

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	defer sess.Rollback()

	inv, err := sess.GetInvoice(ctx, fx.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchingManuallyMatched, inv.MatchingStatus)
	assert.Equal(t, contracts.InvoiceStatusMatched, inv.Status)

	chosen, err := sess.GetMatchResult(ctx, fx.matches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchStatusApproved, chosen.Status)
	loser, err := sess.GetMatchResult(ctx, fx.matches[1].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchStatusSuperseded, loser.Status)
	assert.Equal(t, chosen.ID, loser.SupersededBy)

	// the approval is audited with the reviewer as actor
	events, err := sess.AuditEventsForInvoice(ctx, fx.invoice.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(contracts.MatchingManuallyMatched), events[0].Decision)
	assert.Equal(t, "alice", events[0].Actor)
	assert.InDelta(t, chosen.Confidence, events[0].FinalScore, 1e-9)
}

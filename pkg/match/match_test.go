package match

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	resolver, err := rules.NewResolver(nil, slog.Default())
	require.NoError(t, err)
	return NewEngine(st, resolver, slog.Default()), st
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedVendor(t *testing.T, sess *store.Session, legal, normalized string) *contracts.Vendor {
	t.Helper()
	v := &contracts.Vendor{LegalName: legal, NormalizedName: normalized, Status: "active"}
	require.NoError(t, sess.InsertVendor(context.Background(), v))
	return v
}

func seedPO(t *testing.T, sess *store.Session, number, vendorID string, totalCents int64, poDate time.Time, lines []contracts.POLine) *contracts.PurchaseOrder {
	t.Helper()
	po := &contracts.PurchaseOrder{
		PONumber:   number,
		VendorID:   vendorID,
		TotalCents: totalCents,
		Currency:   "USD",
		PODate:     poDate,
		Status:     contracts.POStatusOpen,
		Lines:      lines,
	}
	require.NoError(t, sess.InsertPurchaseOrder(context.Background(), po))
	return po
}

func seedInvoice(t *testing.T, sess *store.Session, number, vendorID, poRef string, totalCents int64, invDate time.Time, lines []contracts.InvoiceLine) *contracts.Invoice {
	t.Helper()
	inv := &contracts.Invoice{
		InvoiceNumber:  number,
		VendorID:       vendorID,
		PONumber:       poRef,
		SubtotalCents:  totalCents,
		TotalCents:     totalCents,
		Currency:       "USD",
		InvoiceDate:    invDate,
		Status:         contracts.InvoiceStatusPending,
		MatchingStatus: contracts.MatchingUnmatched,
		Lines:          lines,
	}
	require.NoError(t, sess.InsertInvoice(context.Background(), inv))
	return inv
}

func seedReceipt(t *testing.T, sess *store.Session, po *contracts.PurchaseOrder, received time.Time, qtyByLine map[string]int64) *contracts.GoodsReceipt {
	t.Helper()
	r := &contracts.GoodsReceipt{POID: po.ID, ReceivedDate: received}
	for _, pl := range po.Lines {
		if qty, ok := qtyByLine[pl.ID]; ok {
			r.Lines = append(r.Lines, contracts.ReceiptLine{
				POLineID: pl.ID, SKU: pl.SKU, Description: pl.Description, ReceivedQty: qty,
			})
		}
	}
	require.NoError(t, sess.InsertReceipt(context.Background(), r))
	return r
}

// Exact 3-way agreement: reference, amount, vendor, date and every line
// land inside tolerance, so the invoice auto-matches at full confidence.
func TestExactThreeWayAutoMatch(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "ACME Inc", "acme")
	po := seedPO(t, sess, "PO-12345", vendor.ID, 100_000, date(2025, 1, 10),
		[]contracts.POLine{{LineNumber: 1, SKU: "X1", Description: "Widget", Quantity: 10, UnitPriceCents: 10_000, LineTotalCents: 100_000}})
	seedReceipt(t, sess, po, date(2025, 1, 12), map[string]int64{po.Lines[0].ID: 10})
	inv := seedInvoice(t, sess, "INV-987", vendor.ID, "PO-12345", 100_000, date(2025, 1, 13),
		[]contracts.InvoiceLine{{LineNumber: 1, SKU: "X1", Description: "Widget", Quantity: 10, UnitPriceCents: 10_000, LineTotalCents: 100_000}})
	require.NoError(t, sess.Commit())

	out, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingAutoMatched, out.Decision)
	require.NotNil(t, out.Best)
	assert.Equal(t, contracts.MatchTypeThreeWay, out.Best.MatchType)
	assert.Equal(t, contracts.ThreeWayPerfect, out.Best.ThreeWayType)
	assert.Equal(t, contracts.MatchStatusApproved, out.Best.Status)
	assert.Equal(t, po.ID, out.Best.POID)
	assert.InDelta(t, 1.0, out.Best.Confidence, 1e-9)
	assert.InDelta(t, 1.0, out.Best.Scores.Reference, 1e-9)
	assert.InDelta(t, 1.0, out.Best.Scores.Amount, 1e-9)
	assert.InDelta(t, 1.0, out.Best.Scores.Vendor, 1e-9)
	assert.InDelta(t, 1.0, out.Best.Scores.Date, 1e-9)
	assert.InDelta(t, 1.0, out.Best.Scores.Line, 1e-9)
	assert.Nil(t, out.Exception)

	sess, err = st.Begin(ctx, "acme")
	require.NoError(t, err)
	defer sess.Rollback()
	got, err := sess.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchingAutoMatched, got.MatchingStatus)
	assert.Equal(t, contracts.InvoiceStatusMatched, got.Status)

	events, err := sess.AuditEventsForInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(contracts.MatchingAutoMatched), events[0].Decision)
	assert.NotEmpty(t, events[0].RuleSetHash)
	assert.NotEmpty(t, events[0].InputsHash)
}

// An OCR-garbled reference fuzzy-matches well above the auto threshold
// when amount, vendor and date agree.
func TestOCRCorruptedReferenceAutoMatch(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Beta Co", "beta")
	seedPO(t, sess, "PO-12340", vendor.ID, 50_000, date(2025, 2, 1), nil)
	inv := seedInvoice(t, sess, "INV-100", vendor.ID, "P0-1234O", 50_000, date(2025, 2, 5), nil)
	require.NoError(t, sess.Commit())

	out, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingAutoMatched, out.Decision)
	require.NotNil(t, out.Best)
	assert.GreaterOrEqual(t, out.Best.Scores.Reference, 0.90)
	assert.InDelta(t, 1.0, out.Best.Scores.Amount, 1e-9)
	assert.GreaterOrEqual(t, out.Best.Scores.Vendor, 0.95)
	assert.InDelta(t, 1.0, out.Best.Scores.Date, 1e-9)
	assert.InDelta(t, 0.5, out.Best.Scores.Line, 1e-9, "no receipt leaves the line score neutral")
	assert.GreaterOrEqual(t, out.Best.Confidence, 0.90)
}

// Amount variance inside the 5% tolerance decays the amount score but
// keeps the composite above the auto threshold.
func TestAmountVarianceWithinTolerance(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Gamma LLC", "gamma")
	seedPO(t, sess, "PO-77", vendor.ID, 100_000, date(2025, 3, 1), nil)
	inv := seedInvoice(t, sess, "INV-200", vendor.ID, "PO-77", 104_500, date(2025, 3, 3), nil)
	require.NoError(t, sess.Commit())

	out, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingAutoMatched, out.Decision)
	require.NotNil(t, out.Best)
	assert.Equal(t, contracts.MatchTypeTolerance, out.Best.MatchType)
	assert.Greater(t, out.Best.Scores.Amount, 0.85)
	assert.Less(t, out.Best.Scores.Amount, 0.90)
	assert.Greater(t, out.Best.Confidence, 0.90)

	require.NotEmpty(t, out.Best.Discrepancies)
	assert.Equal(t, "total_amount", out.Best.Discrepancies[0].Field)
}

// A currency mismatch is a hard candidate filter, not a scoring signal.
func TestCurrencyMismatchYieldsNoCandidate(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Delta Corp", "delta")
	po := &contracts.PurchaseOrder{
		PONumber: "PO-500", VendorID: vendor.ID, TotalCents: 100_000,
		Currency: "EUR", PODate: date(2025, 4, 1), Status: contracts.POStatusOpen,
	}
	require.NoError(t, sess.InsertPurchaseOrder(ctx, po))
	inv := seedInvoice(t, sess, "INV-300", vendor.ID, "PO-500", 100_000, date(2025, 4, 2), nil)
	require.NoError(t, sess.Commit())

	out, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingUnmatchable, out.Decision)
	assert.Zero(t, out.Candidates)
	assert.Empty(t, out.Results)
	require.NotNil(t, out.Exception)
	assert.Equal(t, contracts.ReasonNoCandidate, out.Exception.Reason)
}

// Two near-tied candidates below the auto threshold route to review with
// reason multiple_candidates and pending results for both.
func TestNearTiedCandidatesRequireReview(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Epsilon Inc", "epsilon")
	seedPO(t, sess, "PO-900", vendor.ID, 100_000, date(2025, 5, 1), nil)
	seedPO(t, sess, "PO-901", vendor.ID, 100_000, date(2025, 5, 2), nil)
	// the garbled reference is equidistant from both PO numbers, so the
	// candidates tie inside the review band
	inv := seedInvoice(t, sess, "INV-400", vendor.ID, "PO-9XX", 100_000, date(2025, 5, 3), nil)
	require.NoError(t, sess.Commit())

	out, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingRequiresReview, out.Decision)
	assert.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.Equal(t, contracts.MatchStatusPending, r.Status)
	}
	require.NotNil(t, out.Exception)
	assert.Equal(t, contracts.ReasonMultipleCandidates, out.Exception.Reason)
	assert.Equal(t, []string{out.Results[0].ID, out.Results[1].ID}, out.Exception.SuggestedMatches)

	sess, err = st.Begin(ctx, "acme")
	require.NoError(t, err)
	defer sess.Rollback()
	got, err := sess.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchingRequiresReview, got.MatchingStatus)
	assert.Equal(t, contracts.InvoiceStatusException, got.Status)
}

// A composite exactly at the auto threshold auto-matches; a hair below
// routes to review.
func TestAutoThresholdBoundary(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Zeta Ltd", "zeta")
	seedPO(t, sess, "PO-1000", vendor.ID, 100_000, date(2025, 6, 1), nil)
	invA := seedInvoice(t, sess, "INV-500", vendor.ID, "PO-1000", 103_000, date(2025, 6, 2), nil)
	invB := seedInvoice(t, sess, "INV-501", vendor.ID, "PO-1000", 103_000, date(2025, 6, 2), nil)
	require.NoError(t, sess.Commit())

	// first run discovers the composite this exact input produces
	probe, err := e.MatchInvoice(ctx, "acme", invA.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, probe.Best)
	composite := probe.Best.Confidence

	atThreshold := rules.Default()
	atThreshold.AutoApprove = composite
	out, err := e.MatchInvoice(ctx, "acme", invB.ID, Options{Override: &atThreshold})
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchingAutoMatched, out.Decision, "score equal to the threshold auto-matches")
}

// Near-tied candidates stay in review even when the best score clears
// the auto threshold: ambiguity outranks confidence.
func TestNearTiedCandidatesAboveAutoThresholdStillReview(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Sigma Corp", "sigma")
	seedPO(t, sess, "PO-910", vendor.ID, 100_000, date(2025, 6, 10), nil)
	seedPO(t, sess, "PO-911", vendor.ID, 100_000, date(2025, 6, 11), nil)
	invA := seedInvoice(t, sess, "INV-510", vendor.ID, "PO-91X", 100_000, date(2025, 6, 12), nil)
	invB := seedInvoice(t, sess, "INV-511", vendor.ID, "PO-91X", 100_000, date(2025, 6, 12), nil)
	require.NoError(t, sess.Commit())

	// first run discovers the tied composite this input produces
	first, err := e.MatchInvoice(ctx, "acme", invA.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, first.Best)
	composite := first.Best.Confidence

	// with the threshold lowered to the tied score, the best candidate
	// clears auto_approve but the runner-up is within the ambiguity gap
	lowered := rules.Default()
	lowered.AutoApprove = composite
	out, err := e.MatchInvoice(ctx, "acme", invB.ID, Options{Override: &lowered})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingRequiresReview, out.Decision)
	require.NotNil(t, out.Exception)
	assert.Equal(t, contracts.ReasonMultipleCandidates, out.Exception.Reason)
	for _, r := range out.Results {
		assert.Equal(t, contracts.MatchStatusPending, r.Status)
	}
}

// The same input twice produces identical scores and ordering.
func TestMatchingIsDeterministic(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Eta Co", "eta")
	seedPO(t, sess, "PO-2000", vendor.ID, 100_000, date(2025, 7, 1), nil)
	seedPO(t, sess, "PO-2001", vendor.ID, 101_000, date(2025, 7, 2), nil)
	invA := seedInvoice(t, sess, "INV-600", vendor.ID, "PO-2000", 100_000, date(2025, 7, 3), nil)
	invB := seedInvoice(t, sess, "INV-601", vendor.ID, "PO-2000", 100_000, date(2025, 7, 3), nil)
	require.NoError(t, sess.Commit())

	outA, err := e.MatchInvoice(ctx, "acme", invA.ID, Options{})
	require.NoError(t, err)
	outB, err := e.MatchInvoice(ctx, "acme", invB.ID, Options{})
	require.NoError(t, err)

	require.NotNil(t, outA.Best)
	require.NotNil(t, outB.Best)
	assert.Equal(t, outA.Best.Scores, outB.Best.Scores)
	assert.Equal(t, outA.Best.Confidence, outB.Best.Confidence)
	assert.Equal(t, outA.Best.POID, outB.Best.POID)
}

// Re-running supersedes prior results and chains a second audit event.
func TestRerunSupersedesPriorResults(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Theta Inc", "theta")
	seedPO(t, sess, "PO-3000", vendor.ID, 100_000, date(2025, 8, 1), nil)
	// weak reference keeps the first run in the review band
	inv := seedInvoice(t, sess, "INV-700", vendor.ID, "ZZ-9999", 100_000, date(2025, 8, 2), nil)
	require.NoError(t, sess.Commit())

	first, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)
	require.Equal(t, contracts.MatchingRequiresReview, first.Decision)
	require.NotEmpty(t, first.Results)

	second, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, second.Best)

	sess, err = st.Begin(ctx, "acme")
	require.NoError(t, err)
	defer sess.Rollback()

	old, err := sess.GetMatchResult(ctx, first.Results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MatchStatusSuperseded, old.Status)
	assert.Equal(t, second.Best.ID, old.SupersededBy)

	events, err := sess.AuditEventsForInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.Results[0].ID, events[1].Supersedes)
	assert.Equal(t, events[0].EntryHash, events[1].PrevHash)
}

// A broken tenant configuration suspends matching instead of failing it.
func TestUnresolvableRulesSuspendMatching(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Iota Co", "iota")
	inv := seedInvoice(t, sess, "INV-800", vendor.ID, "", 100_000, date(2025, 9, 1), nil)
	require.NoError(t, sess.Commit())

	bad := rules.Default()
	bad.ManualReview = 0.95 // above auto_approve
	out, err := e.MatchInvoice(ctx, "acme", inv.ID, Options{Override: &bad})
	require.NoError(t, err)

	assert.Equal(t, contracts.MatchingUnmatchable, out.Decision)
	assert.NotEmpty(t, out.RuleError)
	require.NotNil(t, out.Exception)
	assert.Equal(t, contracts.ReasonDataQuality, out.Exception.Reason)
}

// A cancelled invoice never enters matching.
func TestCancelledInvoiceRejected(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Kappa Co", "kappa")
	inv := seedInvoice(t, sess, "INV-900", vendor.ID, "", 100_000, date(2025, 9, 1), nil)
	require.NoError(t, sess.SetInvoiceStatus(ctx, inv.ID, contracts.InvoiceStatusCancelled))
	require.NoError(t, sess.Commit())

	_, err = e.MatchInvoice(ctx, "acme", inv.ID, Options{})
	assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
}

func TestMatchBatch(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	sess, err := st.Begin(ctx, "acme")
	require.NoError(t, err)
	vendor := seedVendor(t, sess, "Lambda Inc", "lambda")
	seedPO(t, sess, "PO-4000", vendor.ID, 100_000, date(2025, 10, 1), nil)
	var ids []string
	for _, n := range []string{"INV-B1", "INV-B2", "INV-B3"} {
		inv := seedInvoice(t, sess, n, vendor.ID, "PO-4000", 100_000, date(2025, 10, 2), nil)
		ids = append(ids, inv.ID)
	}
	require.NoError(t, sess.Commit())

	var progressed int
	report, err := e.MatchBatch(ctx, "acme", BatchRequest{InvoiceIDs: ids, Parallelism: 2},
		func(p Progress) { progressed++ })
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.AutoMatched)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 3, progressed)
}

package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/money"
	"github.com/ledgerline/reconcile/pkg/rules"
)

func TestAmountScoreBoundaries(t *testing.T) {
	rs := rules.Default() // 5% tolerance

	assert.InDelta(t, 1.0, amountScore(100_000, 100_000, rs), 1e-9)
	assert.InDelta(t, 1.0, amountScore(100_000, 100_100, rs), 1e-9, "within rounding noise")
	// exactly at the threshold: |95k-100k|/100k = 0.05
	assert.InDelta(t, 0.85, amountScore(95_000, 100_000, rs), 1e-9)
	// just past it, the steep falloff kicks in
	past := amountScore(94_000, 100_000, rs)
	assert.Less(t, past, 0.85)
	assert.Greater(t, past, 0.7)
	// far out it floors at zero
	assert.Equal(t, 0.0, amountScore(10_000, 100_000, rs))
}

func TestDateScoreBoundaries(t *testing.T) {
	rs := rules.Default() // 7 days

	assert.Equal(t, 1.0, dateScore(0, rs))
	assert.Equal(t, 1.0, dateScore(7, rs), "exactly at the tolerance")
	assert.Less(t, dateScore(8, rs), 1.0)
	assert.InDelta(t, 1-1.0/60, dateScore(8, rs), 1e-9)
	assert.Equal(t, 0.0, dateScore(7+61, rs))
}

func TestRefScoreNeutralWithoutReference(t *testing.T) {
	s, exact := refScore("", "PO-123")
	assert.Equal(t, neutralScore, s)
	assert.False(t, exact)

	s, exact = refScore("po 123", "PO-123")
	assert.Equal(t, 1.0, s)
	assert.True(t, exact)
}

func TestVendorScoreTaxIDBonusIsCapped(t *testing.T) {
	a := &contracts.Vendor{ID: "v1", NormalizedName: "acme supply", TaxID: "12-345"}
	b := &contracts.Vendor{ID: "v2", NormalizedName: "acme supplies", TaxID: "12-345"}
	s := vendorScore(a, b)
	assert.Greater(t, s, 0.9)
	assert.LessOrEqual(t, s, 1.0)

	b.TaxID = "99-999"
	assert.Less(t, vendorScore(a, b), s, "mismatched tax ids lose the bonus")
}

func TestLineScoreNeutralWithoutReceipts(t *testing.T) {
	inv := &contracts.Invoice{Lines: []contracts.InvoiceLine{{Quantity: 1}}}
	po := &contracts.PurchaseOrder{Lines: []contracts.POLine{{Quantity: 1}}}
	assert.Equal(t, neutralScore, lineScore(inv, po, nil, rules.Default()))
}

func TestLineScorePenalizesUnmatchedLines(t *testing.T) {
	rs := rules.Default()
	po := &contracts.PurchaseOrder{Lines: []contracts.POLine{
		{ID: "pl1", SKU: "A", Description: "Bolt", Quantity: 10, UnitPriceCents: 100},
	}}
	receipts := []*contracts.GoodsReceipt{{Lines: []contracts.ReceiptLine{
		{POLineID: "pl1", ReceivedQty: 10},
	}}}
	inv := &contracts.Invoice{Lines: []contracts.InvoiceLine{
		{SKU: "A", Description: "Bolt", Quantity: 10, UnitPriceCents: 100},
		{SKU: "ZZZ", Description: "Unrelated part", Quantity: 5, UnitPriceCents: 999},
	}}
	// one perfect line out of two invoice lines
	assert.InDelta(t, 0.5, lineScore(inv, po, receipts, rs), 1e-9)
}

func TestClassifyThreeWay(t *testing.T) {
	rs := rules.Default()
	po := &contracts.PurchaseOrder{Lines: []contracts.POLine{
		{ID: "pl1", SKU: "A", Description: "Bolt", Quantity: 10, UnitPriceCents: 1000},
	}}
	inv := &contracts.Invoice{Lines: []contracts.InvoiceLine{
		{SKU: "A", Description: "Bolt", Quantity: 10, UnitPriceCents: 1000},
	}}

	full := []*contracts.GoodsReceipt{{Lines: []contracts.ReceiptLine{{POLineID: "pl1", ReceivedQty: 10}}}}
	assert.Equal(t, contracts.ThreeWayPerfect, classifyThreeWay(inv, po, full, rs))

	over := []*contracts.GoodsReceipt{{Lines: []contracts.ReceiptLine{{POLineID: "pl1", ReceivedQty: 13}}}}
	assert.Equal(t, contracts.ThreeWayOverDelivery, classifyThreeWay(inv, po, over, rs))

	short := []*contracts.GoodsReceipt{{Lines: []contracts.ReceiptLine{{POLineID: "pl1", ReceivedQty: 6}}}}
	assert.Equal(t, contracts.ThreeWayOverInvoice, classifyThreeWay(inv, po, short, rs))

	partialInv := &contracts.Invoice{Lines: []contracts.InvoiceLine{
		{SKU: "A", Description: "Bolt", Quantity: 6, UnitPriceCents: 1000},
	}}
	partial := []*contracts.GoodsReceipt{{Lines: []contracts.ReceiptLine{{POLineID: "pl1", ReceivedQty: 6}}}}
	assert.Equal(t, contracts.ThreeWayPartialReceipt, classifyThreeWay(partialInv, po, partial, rs))

	split := []*contracts.GoodsReceipt{
		{Lines: []contracts.ReceiptLine{{POLineID: "pl1", ReceivedQty: 4}}},
		{Lines: []contracts.ReceiptLine{{POLineID: "pl1", ReceivedQty: 6}}},
	}
	assert.Equal(t, contracts.ThreeWaySplitDelivery, classifyThreeWay(inv, po, split, rs))

	priced := &contracts.Invoice{Lines: []contracts.InvoiceLine{
		{SKU: "A", Description: "Bolt", Quantity: 10, UnitPriceCents: 1500},
	}}
	assert.Equal(t, contracts.ThreeWayPriceVariance, classifyThreeWay(priced, po, full, rs))
}

// Raising any single sub-score never lowers the composite.
func TestCompositeMonotonicity(t *testing.T) {
	w := rules.Default().Weights
	base := contracts.ComponentScores{Reference: 0.6, Amount: 0.7, Vendor: 0.8, Date: 0.9, Line: 0.5}
	composite := func(s contracts.ComponentScores) float64 {
		return w.Reference*s.Reference + w.Amount*s.Amount + w.Vendor*s.Vendor +
			w.Date*s.Date + w.Line*s.Line
	}
	before := composite(base)
	for _, bump := range []func(*contracts.ComponentScores){
		func(s *contracts.ComponentScores) { s.Reference += 0.1 },
		func(s *contracts.ComponentScores) { s.Amount += 0.1 },
		func(s *contracts.ComponentScores) { s.Vendor += 0.1 },
		func(s *contracts.ComponentScores) { s.Date += 0.1 },
		func(s *contracts.ComponentScores) { s.Line += 0.1 },
	} {
		bumped := base
		bump(&bumped)
		assert.GreaterOrEqual(t, composite(bumped), before)
	}
}

func TestRatioSymmetry(t *testing.T) {
	assert.Equal(t, money.Ratio(90, 100), money.Ratio(100, 90))
	assert.Equal(t, 0.0, money.Ratio(0, 0))
}

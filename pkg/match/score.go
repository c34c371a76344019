package match

import (
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/match/similarity"
	"github.com/ledgerline/reconcile/pkg/money"
	"github.com/ledgerline/reconcile/pkg/rules"
)

// neutralScore is used when a sub-score has no signal to work with.
const neutralScore = 0.5

// candidate is one scored (PO, receipts) pairing for an invoice.
type candidate struct {
	po            *contracts.PurchaseOrder
	receipts      []*contracts.GoodsReceipt
	scores        contracts.ComponentScores
	composite     float64
	exactRef      bool
	dateDelta     int
	amountDelta   int64
	threeWayType  contracts.ThreeWayType
	discrepancies []contracts.Discrepancy
}

// score fills the candidate's sub-scores, composite, classification and
// discrepancies.
func score(inv *contracts.Invoice, invVendor *contracts.Vendor,
	c *candidate, poVendor *contracts.Vendor, rs rules.RuleSet) {
	c.scores.Reference, c.exactRef = refScore(inv.PONumber, c.po.PONumber)
	c.scores.Amount = amountScore(inv.TotalCents, c.po.TotalCents, rs)
	c.scores.Vendor = vendorScore(invVendor, poVendor)
	c.dateDelta = daysBetween(inv.InvoiceDate, c.po.PODate)
	c.scores.Date = dateScore(c.dateDelta, rs)
	c.scores.Line = lineScore(inv, c.po, c.receipts, rs)
	c.amountDelta = money.AbsCents(inv.TotalCents - c.po.TotalCents)

	w := rs.Weights
	c.composite = w.Reference*c.scores.Reference +
		w.Amount*c.scores.Amount +
		w.Vendor*c.scores.Vendor +
		w.Date*c.scores.Date +
		w.Line*c.scores.Line

	if len(c.receipts) > 0 {
		c.threeWayType = classifyThreeWay(inv, c.po, c.receipts, rs)
	}
	c.discrepancies = discrepancies(inv, c, rs)
}

// refScore compares the invoice's PO reference against the PO number.
// Missing reference is neutral; the second return reports an exact match
// after normalization.
func refScore(invRef, poNumber string) (float64, bool) {
	if strings.TrimSpace(invRef) == "" {
		return neutralScore, false
	}
	a := similarity.NormalizeRef(invRef)
	b := similarity.NormalizeRef(poNumber)
	if a == b {
		return 1, true
	}
	return similarity.RefScore(a, b), false
}

// amountScore decays linearly from 1.0 to 0.85 inside the price
// tolerance, then falls off steeply.
func amountScore(invCents, poCents int64, rs rules.RuleSet) float64 {
	r := money.Ratio(invCents, poCents)
	threshold := rs.PriceTolPct.Fraction()
	switch {
	case r <= 0.001:
		return 1
	case threshold > 0 && r <= threshold:
		return 1 - 0.15*(r/threshold)
	default:
		s := 0.85 - 5*(r-threshold)
		if s < 0 {
			return 0
		}
		return s
	}
}

// vendorScore compares normalized vendor names, with a capped bonus when
// tax ids agree.
func vendorScore(a, b *contracts.Vendor) float64 {
	if a == nil || b == nil {
		return neutralScore
	}
	if a.ID == b.ID {
		return 1
	}
	s := similarity.JaroWinkler(vendorName(a), vendorName(b))
	if a.TaxID != "" && b.TaxID != "" && a.TaxID == b.TaxID {
		s += 0.10
		if s > 1 {
			s = 1
		}
	}
	return s
}

func vendorName(v *contracts.Vendor) string {
	if v.NormalizedName != "" {
		return v.NormalizedName
	}
	return similarity.Normalize(v.LegalName)
}

// dateScore is 1 inside the date tolerance, then decays over 60 days.
func dateScore(deltaDays int, rs rules.RuleSet) float64 {
	if deltaDays <= rs.DateTolDays {
		return 1
	}
	s := 1 - float64(deltaDays-rs.DateTolDays)/60
	if s < 0 {
		return 0
	}
	return s
}

func daysBetween(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

// linePair joins an invoice line to its PO line and the quantity received
// against that PO line.
type linePair struct {
	inv      contracts.InvoiceLine
	po       contracts.POLine
	received int64
}

// pairLines matches invoice lines to PO lines by SKU first, then by fuzzy
// description. Each PO line is consumed at most once.
func pairLines(inv *contracts.Invoice, po *contracts.PurchaseOrder, received map[string]int64) []linePair {
	used := make(map[string]bool, len(po.Lines))
	var pairs []linePair
	for _, il := range inv.Lines {
		idx := -1
		if il.SKU != "" {
			for i, pl := range po.Lines {
				if !used[pl.ID] && pl.SKU != "" && strings.EqualFold(il.SKU, pl.SKU) {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			best := 0.0
			desc := similarity.Normalize(il.Description)
			for i, pl := range po.Lines {
				if used[pl.ID] {
					continue
				}
				s := similarity.JaroWinkler(desc, similarity.Normalize(pl.Description))
				// same quantity breaks near-ties between similar descriptions
				if il.Quantity == pl.Quantity {
					s += 0.05
				}
				if s > best {
					best, idx = s, i
				}
			}
			if best < 0.80 {
				idx = -1
			}
		}
		if idx < 0 {
			continue
		}
		pl := po.Lines[idx]
		used[pl.ID] = true
		pairs = append(pairs, linePair{inv: il, po: pl, received: received[pl.ID]})
	}
	return pairs
}

// receivedByPOLine aggregates receipt lines per PO line.
func receivedByPOLine(receipts []*contracts.GoodsReceipt) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range receipts {
		for _, rl := range r.Lines {
			out[rl.POLineID] += rl.ReceivedQty
		}
	}
	return out
}

// lineScore averages per-line agreement over every invoice line; invoice
// lines with no PO counterpart contribute zero. Without receipts or lines
// the score is neutral.
func lineScore(inv *contracts.Invoice, po *contracts.PurchaseOrder,
	receipts []*contracts.GoodsReceipt, rs rules.RuleSet) float64 {
	if len(receipts) == 0 || len(inv.Lines) == 0 || len(po.Lines) == 0 {
		return neutralScore
	}
	received := receivedByPOLine(receipts)
	pairs := pairLines(inv, po, received)
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		sum += lineAgreement(p, rs)
	}
	return sum / float64(len(inv.Lines))
}

// lineAgreement scores one matched pair: 1.0 when quantity and unit price
// are both within tolerance, otherwise the mean of their variance scores.
func lineAgreement(p linePair, rs rules.RuleSet) float64 {
	qtyOK, qtyVar := qtyWithin(p.inv.Quantity, p.received, rs)
	priceOK, priceVar := priceWithin(p.inv.UnitPriceCents, p.po.UnitPriceCents, rs)
	if qtyOK && priceOK {
		return 1
	}
	qs, ps := 1-qtyVar, 1-priceVar
	if qs < 0 {
		qs = 0
	}
	if ps < 0 {
		ps = 0
	}
	return (qs + ps) / 2
}

func qtyWithin(invoiced, received int64, rs rules.RuleSet) (bool, float64) {
	diff := invoiced - received
	if diff < 0 {
		diff = -diff
	}
	variance := money.Ratio(invoiced, received)
	if diff <= rs.QtyTolAbs {
		return true, variance
	}
	return variance <= rs.QtyTolPct.Fraction(), variance
}

func priceWithin(invCents, poCents int64, rs rules.RuleSet) (bool, float64) {
	variance := money.Ratio(invCents, poCents)
	if money.AbsCents(invCents-poCents) <= rs.PriceTolCents {
		return true, variance
	}
	return variance <= rs.PriceTolPct.Fraction(), variance
}

// classifyThreeWay labels the (invoice, PO, receipts) tuple. Checks run
// from the most severe condition down; the first hit wins.
func classifyThreeWay(inv *contracts.Invoice, po *contracts.PurchaseOrder,
	receipts []*contracts.GoodsReceipt, rs rules.RuleSet) contracts.ThreeWayType {
	received := receivedByPOLine(receipts)
	overTol := rs.OverDeliveryPct.Fraction()

	for _, pl := range po.Lines {
		limit := pl.Quantity + int64(float64(pl.Quantity)*overTol)
		if received[pl.ID] > limit {
			return contracts.ThreeWayOverDelivery
		}
	}

	pairs := pairLines(inv, po, received)
	var (
		maxQtyVar, maxPriceVar float64
		qtyBeyond, priceBeyond bool
		anyUnderInvoiced       bool
	)
	for _, p := range pairs {
		if p.inv.Quantity > p.received {
			if ok, _ := qtyWithin(p.inv.Quantity, p.received, rs); !ok {
				return contracts.ThreeWayOverInvoice
			}
		}
		if p.inv.Quantity < p.received {
			anyUnderInvoiced = true
		}
		if ok, v := qtyWithin(p.inv.Quantity, p.received, rs); !ok {
			qtyBeyond = true
			if v > maxQtyVar {
				maxQtyVar = v
			}
		}
		if ok, v := priceWithin(p.inv.UnitPriceCents, p.po.UnitPriceCents, rs); !ok {
			priceBeyond = true
			if v > maxPriceVar {
				maxPriceVar = v
			}
		}
	}
	if priceBeyond && maxPriceVar >= maxQtyVar {
		return contracts.ThreeWayPriceVariance
	}
	if qtyBeyond {
		return contracts.ThreeWayQuantityVariance
	}

	partiallyReceived := false
	for _, pl := range po.Lines {
		if received[pl.ID] < pl.Quantity {
			partiallyReceived = true
			break
		}
	}
	switch {
	case partiallyReceived && anyUnderInvoiced:
		return contracts.ThreeWayUnderInvoice
	case partiallyReceived:
		return contracts.ThreeWayPartialReceipt
	case len(receipts) > 1:
		return contracts.ThreeWaySplitDelivery
	case anyUnderInvoiced:
		return contracts.ThreeWayUnderInvoice
	default:
		return contracts.ThreeWayPerfect
	}
}

// discrepancies lists the field-level differences behind imperfect
// sub-scores.
func discrepancies(inv *contracts.Invoice, c *candidate, rs rules.RuleSet) []contracts.Discrepancy {
	var out []contracts.Discrepancy
	if inv.TotalCents != c.po.TotalCents {
		out = append(out, contracts.Discrepancy{
			Field:     "total_amount",
			Expected:  money.FormatCents(c.po.TotalCents),
			Actual:    money.FormatCents(inv.TotalCents),
			Magnitude: fmt.Sprintf("%.2f%%", money.Ratio(inv.TotalCents, c.po.TotalCents)*100),
		})
	}
	if c.dateDelta > rs.DateTolDays {
		out = append(out, contracts.Discrepancy{
			Field:     "invoice_date",
			Expected:  c.po.PODate.Format("2006-01-02"),
			Actual:    inv.InvoiceDate.Format("2006-01-02"),
			Magnitude: fmt.Sprintf("%d days", c.dateDelta),
		})
	}
	if inv.PONumber != "" && !c.exactRef {
		out = append(out, contracts.Discrepancy{
			Field:    "po_number",
			Expected: c.po.PONumber,
			Actual:   inv.PONumber,
		})
	}
	if inv.VendorID != c.po.VendorID {
		out = append(out, contracts.Discrepancy{
			Field:    "vendor",
			Expected: c.po.VendorID,
			Actual:   inv.VendorID,
		})
	}
	if len(c.receipts) > 0 {
		received := receivedByPOLine(c.receipts)
		for _, p := range pairLines(inv, c.po, received) {
			if ok, _ := qtyWithin(p.inv.Quantity, p.received, rs); !ok {
				out = append(out, contracts.Discrepancy{
					Field:     fmt.Sprintf("line_%d_quantity", p.inv.LineNumber),
					Expected:  fmt.Sprintf("%d", p.received),
					Actual:    fmt.Sprintf("%d", p.inv.Quantity),
					Magnitude: fmt.Sprintf("%.2f%%", money.Ratio(p.inv.Quantity, p.received)*100),
				})
			}
			if ok, _ := priceWithin(p.inv.UnitPriceCents, p.po.UnitPriceCents, rs); !ok {
				out = append(out, contracts.Discrepancy{
					Field:    fmt.Sprintf("line_%d_unit_price", p.inv.LineNumber),
					Expected: money.FormatCents(p.po.UnitPriceCents),
					Actual:   money.FormatCents(p.inv.UnitPriceCents),
				})
			}
		}
	}
	return out
}

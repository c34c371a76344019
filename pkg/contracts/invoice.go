// Package contracts defines the shared domain entities of the
// reconciliation core: invoices, purchase orders, receipts, vendors,
// match results, exceptions, and their state machines. Every entity
// carries a tenant identifier; stores must never surface a row outside
// its tenant's session.
package contracts

import "time"

// InvoiceStatus is the document-level lifecycle state.
type InvoiceStatus string

const (
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusProcessing InvoiceStatus = "processing"
	InvoiceStatusMatched    InvoiceStatus = "matched"
	InvoiceStatusException  InvoiceStatus = "exception"
	InvoiceStatusApproved   InvoiceStatus = "approved"
	InvoiceStatusRejected   InvoiceStatus = "rejected"
	InvoiceStatusCancelled  InvoiceStatus = "cancelled" // soft delete
)

// MatchingStatus tracks the invoice through the matching state machine.
type MatchingStatus string

const (
	MatchingUnmatched       MatchingStatus = "unmatched"
	MatchingInProgress      MatchingStatus = "in_progress"
	MatchingAutoMatched     MatchingStatus = "auto_matched"
	MatchingRequiresReview  MatchingStatus = "requires_review"
	MatchingManuallyMatched MatchingStatus = "manually_matched"
	MatchingUnmatchable     MatchingStatus = "unmatchable"
)

// matchingTransitions enumerates the legal matching_status edges.
var matchingTransitions = map[MatchingStatus][]MatchingStatus{
	MatchingUnmatched:      {MatchingInProgress},
	MatchingInProgress:     {MatchingAutoMatched, MatchingRequiresReview, MatchingUnmatchable},
	MatchingRequiresReview: {MatchingManuallyMatched, MatchingUnmatchable, MatchingInProgress},
	// unmatchable is reversible only through a re-run
	MatchingUnmatchable: {MatchingInProgress},
}

// CanTransition reports whether from → to is a legal matching_status edge.
func (from MatchingStatus) CanTransition(to MatchingStatus) bool {
	for _, next := range matchingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Invoice is a vendor bill awaiting reconciliation.
type Invoice struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	InvoiceNumber  string         `json:"invoice_number"`
	VendorID       string         `json:"vendor_id"`
	PONumber       string         `json:"po_number,omitempty"` // reference as written on the invoice
	SubtotalCents  int64          `json:"subtotal_cents"`
	TaxCents       int64          `json:"tax_cents"`
	TotalCents     int64          `json:"total_cents"`
	Currency       string         `json:"currency"`
	InvoiceDate    time.Time      `json:"invoice_date"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	ReceivedDate   *time.Time     `json:"received_date,omitempty"`
	Status         InvoiceStatus  `json:"status"`
	MatchingStatus MatchingStatus `json:"matching_status"`
	ImportSource   string         `json:"import_source,omitempty"` // batch id or "api"
	RawRow         string         `json:"raw_row,omitempty"`       // snapshot of the source CSV row
	Lines          []InvoiceLine  `json:"lines,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// InvoiceLine is a single billed line.
type InvoiceLine struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoice_id"`
	LineNumber     int    `json:"line_number"`
	SKU            string `json:"sku,omitempty"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"` // whole units
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

// TotalsConsistent verifies total = subtotal + tax within one cent.
func (inv *Invoice) TotalsConsistent() bool {
	diff := inv.TotalCents - (inv.SubtotalCents + inv.TaxCents)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

package contracts

import "time"

// MatchType classifies how a match was established.
type MatchType string

const (
	MatchTypeExact     MatchType = "exact"
	MatchTypeFuzzy     MatchType = "fuzzy"
	MatchTypeTolerance MatchType = "tolerance"
	MatchTypeThreeWay  MatchType = "three_way"
	MatchTypeManual    MatchType = "manual"
	MatchTypeNone      MatchType = "none"
)

// MatchStatus is the review state of a match result. Once a result leaves
// pending it is immutable except for the superseding link.
type MatchStatus string

const (
	MatchStatusPending    MatchStatus = "pending"
	MatchStatusApproved   MatchStatus = "approved"
	MatchStatusRejected   MatchStatus = "rejected"
	MatchStatusSuperseded MatchStatus = "superseded"
)

// ThreeWayType classifies the (invoice, PO, receipts) tuple.
type ThreeWayType string

const (
	ThreeWayPerfect          ThreeWayType = "perfect_match"
	ThreeWayPartialReceipt   ThreeWayType = "partial_receipt"
	ThreeWaySplitDelivery    ThreeWayType = "split_delivery"
	ThreeWayOverDelivery     ThreeWayType = "over_delivery"
	ThreeWayOverInvoice      ThreeWayType = "over_invoice"
	ThreeWayUnderDelivery    ThreeWayType = "under_delivery"
	ThreeWayUnderInvoice     ThreeWayType = "under_invoice"
	ThreeWayPriceVariance    ThreeWayType = "price_variance"
	ThreeWayQuantityVariance ThreeWayType = "quantity_variance"
)

// ComponentScores are the weighted sub-scores behind a composite confidence.
type ComponentScores struct {
	Reference float64 `json:"reference"`
	Amount    float64 `json:"amount"`
	Vendor    float64 `json:"vendor"`
	Date      float64 `json:"date"`
	Line      float64 `json:"line"`
}

// Discrepancy explains a single field-level difference between documents.
type Discrepancy struct {
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	Magnitude string `json:"magnitude,omitempty"`
}

// MatchResult is one scored candidate pairing for an invoice.
type MatchResult struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	InvoiceID        string          `json:"invoice_id"`
	POID             string          `json:"po_id,omitempty"`
	ReceiptID        string          `json:"receipt_id,omitempty"`
	MatchType        MatchType       `json:"match_type"`
	ThreeWayType     ThreeWayType    `json:"three_way_type,omitempty"`
	Confidence       float64         `json:"confidence"`
	Scores           ComponentScores `json:"scores"`
	Discrepancies    []Discrepancy   `json:"discrepancies,omitempty"`
	Status           MatchStatus     `json:"status"`
	SupersededBy     string          `json:"superseded_by,omitempty"` // unidirectional link, DAG per invoice
	AlgorithmVersion string          `json:"algorithm_version"`
	ReviewedBy       string          `json:"reviewed_by,omitempty"`
	ReviewNotes      string          `json:"review_notes,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
}

// MatchAuditEvent is one link of the per-invoice tamper-evident chain.
// EntryHash covers the event body plus PrevHash; editing any prior event
// breaks every later link.
type MatchAuditEvent struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	InvoiceID    string          `json:"invoice_id"`
	Sequence     int64           `json:"sequence"` // monotonic per invoice
	AlgorithmVer string          `json:"algorithm_version"`
	RuleSetHash  string          `json:"ruleset_hash"`
	InputsHash   string          `json:"inputs_hash"`
	Scores       ComponentScores `json:"scores"`
	FinalScore   float64         `json:"final_score"`
	Decision     string          `json:"decision"`
	Actor        string          `json:"actor"` // "system" or a user id
	Supersedes   string          `json:"supersedes,omitempty"`
	PrevHash     string          `json:"prev_hash"`
	EntryHash    string          `json:"entry_hash"`
	CreatedAt    time.Time       `json:"created_at"`
}

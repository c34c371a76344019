package contracts

import "time"

// ExceptionReason explains why an invoice landed in the review queue.
type ExceptionReason string

const (
	ReasonNoCandidate        ExceptionReason = "no_candidate"
	ReasonBelowThreshold     ExceptionReason = "below_threshold"
	ReasonMultipleCandidates ExceptionReason = "multiple_candidates"
	ReasonCurrencyMismatch   ExceptionReason = "currency_mismatch"
	ReasonAmountVariance     ExceptionReason = "amount_variance"
	ReasonDateVariance       ExceptionReason = "date_variance"
	ReasonDataQuality        ExceptionReason = "data_quality"
)

// ExceptionPriority orders the queue.
type ExceptionPriority string

const (
	PriorityLow      ExceptionPriority = "low"
	PriorityMedium   ExceptionPriority = "medium"
	PriorityHigh     ExceptionPriority = "high"
	PriorityCritical ExceptionPriority = "critical"
)

// Rank maps priorities to a sortable ordinal (higher is more urgent).
func (p ExceptionPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ExceptionStatus is the review lifecycle of a queue entry.
type ExceptionStatus string

const (
	ExceptionOpen      ExceptionStatus = "open"
	ExceptionInReview  ExceptionStatus = "in_review"
	ExceptionResolved  ExceptionStatus = "resolved"
	ExceptionDismissed ExceptionStatus = "dismissed"
)

// ExceptionEntry holds an invoice awaiting a human matching decision.
type ExceptionEntry struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	InvoiceID        string            `json:"invoice_id"`
	Reason           ExceptionReason   `json:"reason"`
	Priority         ExceptionPriority `json:"priority"`
	SuggestedMatches []string          `json:"suggested_matches,omitempty"` // top-k MatchResult ids
	AssignedTo       string            `json:"assigned_to,omitempty"`
	Status           ExceptionStatus   `json:"status"`
	ResolutionNotes  string            `json:"resolution_notes,omitempty"`
	DeferredUntil    *time.Time        `json:"deferred_until,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// TenantSettings carries per-tenant defaults referenced by ingestion and
// matching.
type TenantSettings struct {
	TenantID        string `json:"tenant_id"`
	DefaultCurrency string `json:"default_currency"`
	DateLocale      string `json:"date_locale"` // "US" (MM/DD/YYYY) or "EU" (DD/MM/YYYY)
	MatchParallel   int    `json:"match_parallelism"`
}

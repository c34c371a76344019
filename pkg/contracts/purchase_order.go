package contracts

import (
	"math"
	"time"
)

// POStatus is the purchase-order lifecycle state.
type POStatus string

const (
	POStatusOpen              POStatus = "open"
	POStatusPartiallyReceived POStatus = "partially_received"
	POStatusFullyReceived     POStatus = "fully_received"
	POStatusClosed            POStatus = "closed"
	POStatusCancelled         POStatus = "cancelled"
)

// Matchable reports whether a PO in this status may participate in matching.
func (s POStatus) Matchable() bool {
	switch s {
	case POStatusOpen, POStatusPartiallyReceived, POStatusFullyReceived:
		return true
	}
	return false
}

// PurchaseOrder is an approved commitment to a vendor.
type PurchaseOrder struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	PONumber     string     `json:"po_number"`
	VendorID     string     `json:"vendor_id"`
	TotalCents   int64      `json:"total_cents"`
	Currency     string     `json:"currency"`
	PODate       time.Time  `json:"po_date"`
	ExpectedDate *time.Time `json:"expected_date,omitempty"`
	Status       POStatus   `json:"status"`
	Lines        []POLine   `json:"lines,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// POLine is a single ordered line.
type POLine struct {
	ID             string `json:"id"`
	POID           string `json:"po_id"`
	LineNumber     int    `json:"line_number"`
	SKU            string `json:"sku,omitempty"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

// LinesConsistent verifies Σ line_total = total within one cent.
func (po *PurchaseOrder) LinesConsistent() bool {
	if len(po.Lines) == 0 {
		return true
	}
	var sum int64
	for _, l := range po.Lines {
		sum += l.LineTotalCents
	}
	diff := po.TotalCents - sum
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

// CheckOverDelivery verifies that cumulative received quantity per PO
// line, including the new receipt lines, stays within ordered quantity
// plus the over-delivery allowance. received maps PO line id to the
// quantity already on record; overTol is a fraction (0.02 = 2%).
func (po *PurchaseOrder) CheckOverDelivery(received map[string]int64, lines []ReceiptLine, overTol float64) error {
	ordered := make(map[string]*POLine, len(po.Lines))
	for i := range po.Lines {
		ordered[po.Lines[i].ID] = &po.Lines[i]
	}
	incoming := make(map[string]int64, len(lines))
	for _, l := range lines {
		incoming[l.POLineID] += l.ReceivedQty
	}
	for i := range po.Lines {
		pl := &po.Lines[i]
		qty, ok := incoming[pl.ID]
		if !ok {
			continue
		}
		allowed := pl.Quantity + int64(math.Floor(float64(pl.Quantity)*overTol))
		if received[pl.ID]+qty > allowed {
			return NewErrorf(KindValidationFailed,
				"sku %s: %d received plus %d incoming exceeds the %d allowed against %d ordered",
				pl.SKU, received[pl.ID], qty, allowed, pl.Quantity)
		}
	}
	return nil
}

// ReceivingStatus derives the receiving lifecycle state from cumulative
// received quantities. A PO without lines keeps its current state.
func (po *PurchaseOrder) ReceivingStatus(received map[string]int64) POStatus {
	if len(po.Lines) == 0 {
		return po.Status
	}
	full, any := true, false
	for _, pl := range po.Lines {
		got := received[pl.ID]
		if got > 0 {
			any = true
		}
		if got < pl.Quantity {
			full = false
		}
	}
	switch {
	case full:
		return POStatusFullyReceived
	case any:
		return POStatusPartiallyReceived
	default:
		return po.Status
	}
}

// GoodsReceipt records a delivery against a PO.
type GoodsReceipt struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	ReceiptNumber string        `json:"receipt_number,omitempty"`
	POID          string        `json:"po_id"`
	ReceivedDate  time.Time     `json:"received_date"`
	TotalCents    int64         `json:"total_cents"`
	Lines         []ReceiptLine `json:"lines,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ReceiptLine records received quantity against a PO line.
type ReceiptLine struct {
	ID          string `json:"id"`
	ReceiptID   string `json:"receipt_id"`
	POLineID    string `json:"po_line_id"`
	SKU         string `json:"sku,omitempty"`
	Description string `json:"description"`
	ReceivedQty int64  `json:"received_qty"`
}

// Vendor is a supplier. Uniqueness is (tenant, normalized_name).
type Vendor struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	LegalName      string    `json:"legal_name"`
	DisplayName    string    `json:"display_name,omitempty"`
	NormalizedName string    `json:"normalized_name"`
	TaxID          string    `json:"tax_id,omitempty"`
	Aliases        []string  `json:"aliases,omitempty"`
	PaymentTerms   int       `json:"payment_terms_days,omitempty"`
	Status         string    `json:"status"` // active | cancelled (soft delete)
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

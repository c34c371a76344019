package ingest

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// Document types accepted by the importer.
const (
	DocInvoice = "invoice"
	DocPO      = "purchase_order"
	DocReceipt = "receipt"
)

// Mapping binds canonical field names to CSV header names for one
// document type. Fields not listed are left at their defaults.
type Mapping struct {
	DocType    string            `json:"doc_type"`
	DateLocale string            `json:"date_locale,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Fields     map[string]string `json:"fields"`
}

const mappingSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "doc_type": {"enum": ["invoice", "purchase_order", "receipt"]},
    "date_locale": {"enum": ["", "us", "eu", "iso"]},
    "currency": {"type": "string", "pattern": "^([A-Za-z]{3})?$"},
    "fields": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  },
  "required": ["doc_type", "fields"],
  "additionalProperties": false
}`

var mappingSchema = jsonschema.MustCompileString("mapping.json", mappingSchemaJSON)

// Canonical fields per document type. Required ones must be mapped;
// optional ones are honored when present.
var (
	invoiceRequired = []string{"invoice_number", "vendor", "invoice_date", "total"}
	invoiceOptional = []string{"po_number", "due_date", "subtotal", "tax", "currency",
		"sku", "description", "quantity", "unit_price", "vendor_tax_id"}

	poRequired = []string{"po_number", "vendor", "po_date", "total"}
	poOptional = []string{"currency", "sku", "description", "quantity", "unit_price"}

	receiptRequired = []string{"po_number", "received_date", "sku", "quantity"}
	receiptOptional = []string{"receipt_number", "notes"}
)

func canonicalFields(docType string) (required, optional []string) {
	switch docType {
	case DocInvoice:
		return invoiceRequired, invoiceOptional
	case DocPO:
		return poRequired, poOptional
	case DocReceipt:
		return receiptRequired, receiptOptional
	}
	return nil, nil
}

// ParseMapping decodes and validates a column mapping document.
func ParseMapping(raw []byte) (*Mapping, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, contracts.WrapError(contracts.KindValidationFailed, "mapping is not valid JSON", err)
	}
	if err := mappingSchema.Validate(generic); err != nil {
		return nil, contracts.WrapError(contracts.KindValidationFailed, "mapping rejected by schema", err)
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, contracts.WrapError(contracts.KindValidationFailed, "mapping is not valid JSON", err)
	}
	required, optional := canonicalFields(m.DocType)
	if required == nil {
		return nil, contracts.NewErrorf(contracts.KindValidationFailed, "unknown doc_type %q", m.DocType)
	}
	known := make(map[string]bool, len(required)+len(optional))
	for _, f := range required {
		known[f] = true
	}
	for _, f := range optional {
		known[f] = true
	}
	for field := range m.Fields {
		if !known[field] {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed,
				"mapping names unknown field %q for doc_type %s", field, m.DocType)
		}
	}
	for _, f := range required {
		if strings.TrimSpace(m.Fields[f]) == "" {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed,
				"mapping is missing required field %q", f)
		}
	}
	if m.Currency != "" {
		m.Currency = strings.ToUpper(m.Currency)
	}
	if m.DateLocale == "" {
		m.DateLocale = "iso"
	}
	return &m, nil
}

// resolve matches mapped header names against the actual CSV header,
// case-insensitively, returning canonical field -> column index.
func (m *Mapping) resolve(header []string) (map[string]int, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cols := make(map[string]int, len(m.Fields))
	for field, col := range m.Fields {
		idx, ok := byName[strings.ToLower(strings.TrimSpace(col))]
		if !ok {
			return nil, contracts.NewErrorf(contracts.KindValidationFailed,
				"mapped column %q for field %q not present in header", col, field)
		}
		cols[field] = idx
	}
	return cols, nil
}

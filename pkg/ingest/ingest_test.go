package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconcile/pkg/archive"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

func newTestImporter(t *testing.T) (*Importer, *store.Store, *archive.Memory) {
	t.Helper()
	st, err := store.Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	blobs := archive.NewMemory()
	resolver, err := rules.NewResolver(nil, slog.Default())
	require.NoError(t, err)
	return NewImporter(st, blobs, resolver, slog.Default()), st, blobs
}

func invoiceMapping() *Mapping {
	m, err := ParseMapping([]byte(`{
		"doc_type": "invoice",
		"date_locale": "iso",
		"currency": "USD",
		"fields": {
			"invoice_number": "Invoice #",
			"vendor": "Vendor",
			"po_number": "PO",
			"invoice_date": "Date",
			"total": "Total"
		}
	}`))
	if err != nil {
		panic(err)
	}
	return m
}

func countInvoices(t *testing.T, st *store.Store, tenant string) int {
	t.Helper()
	ctx := context.Background()
	sess, err := st.Begin(ctx, tenant)
	require.NoError(t, err)
	defer sess.Rollback()
	_, total, err := sess.ListInvoices(ctx, store.InvoiceFilter{}, store.Page{}, nil)
	require.NoError(t, err)
	return total
}

func TestImportInvoices(t *testing.T) {
	im, st, blobs := newTestImporter(t)
	ctx := context.Background()

	csvData := strings.Join([]string{
		`Invoice #,Vendor,PO,Date,Total`,
		`INV-001,ACME Corp,PO-100,2025-01-15,"1,234.50"`,
		`INV-002,ACME Corp,,2025-01-16,200.00`,
		`INV-003,Widget Works LLC,,2025-01-17,99.99`,
	}, "\n")

	batch, errs, err := im.Run(ctx, "t1", invoiceMapping(), strings.NewReader(csvData), Options{})
	require.NoError(t, err)
	require.Empty(t, filterOut(errs, CodePONotFound))

	// INV-001 references PO-100 which does not exist yet, so it rejects
	assert.Equal(t, store.ImportCompleted, batch.Status)
	assert.Equal(t, 3, batch.TotalRows)
	assert.Equal(t, 2, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)

	sess, err := st.Begin(ctx, "t1")
	require.NoError(t, err)
	defer sess.Rollback()

	// vendors were auto-created and shared across rows
	vendors, total, err := sess.ListVendors(ctx, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	byName := map[string]*contracts.Vendor{}
	for _, v := range vendors {
		byName[v.NormalizedName] = v
	}
	require.Contains(t, byName, "acme")

	inv, err := sess.GetInvoiceByBusinessKey(ctx, "INV-002", byName["acme"].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), inv.TotalCents)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, batch.ID, inv.ImportSource)
	assert.Equal(t, contracts.MatchingUnmatched, inv.MatchingStatus)

	// raw upload and report were archived under content-addressed keys
	require.NotEmpty(t, batch.ArchiveKey)
	raw, err := blobs.Get(ctx, batch.ArchiveKey)
	require.NoError(t, err)
	assert.Equal(t, csvData, string(raw))
	require.NotEmpty(t, batch.ReportKey)
}

func filterOut(errs []store.RowError, code string) []store.RowError {
	var out []store.RowError
	for _, e := range errs {
		if e.Code != code {
			out = append(out, e)
		}
	}
	return out
}

func TestImportDetectsPipeAndTabDelimiters(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	pipe := "Invoice #|Vendor|PO|Date|Total\nINV-1|Acme|  |2025-01-01|50.00\n"
	batch, _, err := im.Run(ctx, "p", invoiceMapping(), strings.NewReader(pipe), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Accepted)

	tab := "Invoice #\tVendor\tPO\tDate\tTotal\nINV-1\tAcme\t\t2025-01-01\t50.00\n"
	batch, _, err = im.Run(ctx, "tt", invoiceMapping(), strings.NewReader(tab), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Accepted)

	assert.Equal(t, 1, countInvoices(t, st, "p"))
	assert.Equal(t, 1, countInvoices(t, st, "tt"))
}

func TestImportRejectsAmbiguousDelimiter(t *testing.T) {
	im, _, _ := newTestImporter(t)

	mixed := "Invoice #,Vendor|PO,Date|Total\nx,y|z,w|v\n"
	batch, _, err := im.Run(context.Background(), "t1", invoiceMapping(), strings.NewReader(mixed), Options{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindIngestionFatal))
	assert.Equal(t, store.ImportFailed, batch.Status)
}

func TestImportHandlesUTF8BOM(t *testing.T) {
	im, _, _ := newTestImporter(t)

	data := append([]byte{0xEF, 0xBB, 0xBF},
		[]byte("Invoice #,Vendor,PO,Date,Total\nINV-9,Acme,,2025-01-01,10.00\n")...)
	batch, errs, err := im.Run(context.Background(), "t1", invoiceMapping(), bytes.NewReader(data), Options{})
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, 1, batch.Accepted)
}

func TestImportRejectsBinaryUpload(t *testing.T) {
	im, _, _ := newTestImporter(t)

	data := []byte{0x00, 0x01, 0x02, 0xFF, 0x00, 0x10}
	_, _, err := im.Run(context.Background(), "t1", invoiceMapping(), bytes.NewReader(data), Options{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindIngestionFatal))
}

func TestImportRowErrorsAndDuplicates(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	// pre-existing invoice for the cross-batch duplicate case
	sess, err := st.Begin(ctx, "t1")
	require.NoError(t, err)
	vendor := &contracts.Vendor{LegalName: "Acme", NormalizedName: "acme"}
	require.NoError(t, sess.InsertVendor(ctx, vendor))
	require.NoError(t, sess.InsertInvoice(ctx, &contracts.Invoice{
		InvoiceNumber: "INV-OLD", VendorID: vendor.ID, SubtotalCents: 100,
		TotalCents: 100, Currency: "USD", InvoiceDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, sess.Commit())

	csvData := strings.Join([]string{
		`Invoice #,Vendor,PO,Date,Total`,
		`INV-A,Acme,,2025-01-01,100.00`,
		`INV-A,Acme,,2025-01-01,100.00`, // duplicate in batch
		`INV-OLD,Acme,,2025-01-01,1.00`, // duplicate of stored invoice
		`INV-B,Acme,,not-a-date,100.00`, // bad date
		`INV-C,Acme,,2025-01-02,banana`, // bad amount
	}, "\n")

	batch, errs, err := im.Run(ctx, "t1", invoiceMapping(), strings.NewReader(csvData), Options{AbortErrorRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, store.ImportCompleted, batch.Status)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 2, batch.Rejected)
	assert.Equal(t, 2, batch.Duplicates)

	codes := map[string]int{}
	for _, e := range errs {
		codes[e.Code]++
	}
	assert.Equal(t, 1, codes[CodeDupInBatch])
	assert.Equal(t, 1, codes[CodeDupExisting])
	assert.Equal(t, 1, codes[CodeBadDate])
	assert.Equal(t, 1, codes[CodeBadAmount])

	// persisted report matches the returned slice
	sess2, err := st.Begin(ctx, "t1")
	require.NoError(t, err)
	defer sess2.Rollback()
	stored, err := sess2.RowErrors(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, stored, len(errs))
}

func TestImportInBatchDuplicateDoesNotCountAsRejection(t *testing.T) {
	im, _, _ := newTestImporter(t)
	ctx := context.Background()

	csvData := strings.Join([]string{
		`Invoice #,Vendor,PO,Date,Total`,
		`INV-A,Acme,,2025-01-01,100.00`,
		`INV-A,Acme,,2025-01-01,100.00`,
	}, "\n")

	// at the default abort rate, double-counting the duplicate as a
	// rejection would trip the abort; it must complete instead
	batch, errs, err := im.Run(ctx, "t1", invoiceMapping(), strings.NewReader(csvData), Options{})
	require.NoError(t, err)
	assert.Equal(t, store.ImportCompleted, batch.Status)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 0, batch.Rejected)
	assert.Equal(t, 1, batch.Duplicates)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeDupInBatch, errs[0].Code)
}

func TestImportRejectsNegativeTotals(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	csvData := strings.Join([]string{
		`Invoice #,Vendor,PO,Date,Total`,
		`INV-CR,Acme,,2025-01-01,(500.00)`,
	}, "\n")

	batch, errs, err := im.Run(ctx, "t1", invoiceMapping(), strings.NewReader(csvData),
		Options{AbortErrorRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeBadAmount, errs[0].Code)
	assert.Equal(t, "total", errs[0].Column)
	assert.Equal(t, 0, countInvoices(t, st, "t1"))
}

func TestImportRejectsDueDateBeforeInvoiceDate(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	m := invoiceMapping()
	m.Fields["due_date"] = "Due"
	csvData := strings.Join([]string{
		`Invoice #,Vendor,PO,Date,Due,Total`,
		`INV-D1,Acme,,2025-02-01,2025-01-15,100.00`,
		`INV-D2,Acme,,2025-02-01,2025-03-01,100.00`,
	}, "\n")

	batch, errs, err := im.Run(ctx, "t1", m, strings.NewReader(csvData),
		Options{AbortErrorRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeBadDate, errs[0].Code)
	assert.Equal(t, "due_date", errs[0].Column)
	assert.Equal(t, 1, countInvoices(t, st, "t1"))
}

func TestImportAbortsOverErrorRate(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	var sb strings.Builder
	sb.WriteString("Invoice #,Vendor,PO,Date,Total\n")
	for i := 0; i < 100; i++ {
		total := "100.00"
		if i < 15 {
			total = "not-money"
		}
		fmt.Fprintf(&sb, "INV-%03d,Acme,,2025-01-01,%s\n", i, total)
	}

	var progress []Progress
	batch, errs, err := im.Run(ctx, "t1", invoiceMapping(), strings.NewReader(sb.String()),
		Options{WindowSize: 25, Progress: func(p Progress) { progress = append(progress, p) }})
	require.NoError(t, err)

	assert.Equal(t, store.ImportFailed, batch.Status)
	assert.Equal(t, 0, batch.Accepted)
	assert.Len(t, errs, 15)
	// every provisionally inserted invoice was rolled back
	assert.Equal(t, 0, countInvoices(t, st, "t1"))
	// one window of 25 valid rows committed before the abort tripped;
	// the 15 rejects were counted alongside it
	require.NotEmpty(t, progress)
	assert.Equal(t, 40, progress[0].Processed)
	assert.Equal(t, 25, progress[0].Accepted)
	assert.Equal(t, 15, progress[0].Rejected)
}

func TestImportContinuesAtExactErrorRate(t *testing.T) {
	im, _, _ := newTestImporter(t)
	ctx := context.Background()

	var sb strings.Builder
	sb.WriteString("Invoice #,Vendor,PO,Date,Total\n")
	for i := 0; i < 20; i++ {
		total := "100.00"
		if i < 2 {
			total = "nope" // exactly 10%
		}
		fmt.Fprintf(&sb, "INV-%03d,Acme,,2025-01-01,%s\n", i, total)
	}

	batch, _, err := im.Run(ctx, "t1", invoiceMapping(), strings.NewReader(sb.String()), Options{})
	require.NoError(t, err)
	assert.Equal(t, store.ImportCompleted, batch.Status)
	assert.Equal(t, 18, batch.Accepted)
	assert.Equal(t, 2, batch.Rejected)
}

func TestImportStructuralErrorIsFatal(t *testing.T) {
	im, _, _ := newTestImporter(t)

	// bare quote inside an unquoted field on row 3
	bad := "Invoice #,Vendor,PO,Date,Total\nINV-1,Acme,,2025-01-01,1.00\nINV-2,Ac\"me,,2025-01-01,1.00\n"
	batch, _, err := im.Run(context.Background(), "t1", invoiceMapping(), strings.NewReader(bad), Options{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindIngestionFatal))
	assert.Contains(t, err.Error(), "row 3")
	assert.Equal(t, store.ImportFailed, batch.Status)
}

func TestImportFieldCountMismatchRejectsRow(t *testing.T) {
	im, _, _ := newTestImporter(t)

	data := "Invoice #,Vendor,PO,Date,Total\nINV-1,Acme,,2025-01-01,1.00\nINV-2,Acme,2025-01-01\n"
	batch, errs, err := im.Run(context.Background(), "t1", invoiceMapping(), strings.NewReader(data),
		Options{AbortErrorRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeFieldCount, errs[0].Code)
}

func TestImportPurchaseOrdersAndReceipts(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	poMapping, err := ParseMapping([]byte(`{
		"doc_type": "purchase_order",
		"fields": {
			"po_number": "PO", "vendor": "Vendor", "po_date": "Date",
			"total": "Total", "sku": "SKU", "quantity": "Qty", "unit_price": "Price"
		}
	}`))
	require.NoError(t, err)

	poCSV := "PO,Vendor,Date,Total,SKU,Qty,Price\nPO-100,Acme,2025-01-10,1000.00,W-1,10,100.00\n"
	batch, errs, err := im.Run(ctx, "t1", poMapping, strings.NewReader(poCSV), Options{})
	require.NoError(t, err)
	require.Empty(t, errs)
	require.Equal(t, 1, batch.Accepted)

	rcptMapping, err := ParseMapping([]byte(`{
		"doc_type": "receipt",
		"fields": {
			"po_number": "PO", "received_date": "Date", "sku": "SKU", "quantity": "Qty"
		}
	}`))
	require.NoError(t, err)

	rcptCSV := strings.Join([]string{
		"PO,Date,SKU,Qty",
		"PO-100,2025-01-20,W-1,6",
		"PO-100,2025-01-21,W-9,1", // SKU not on the PO
		"PO-999,2025-01-21,W-1,1", // unknown PO
	}, "\n")
	batch, errs, err = im.Run(ctx, "t1", rcptMapping, strings.NewReader(rcptCSV),
		Options{AbortErrorRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 2, batch.Rejected)
	codes := map[string]bool{}
	for _, e := range errs {
		codes[e.Code] = true
	}
	assert.True(t, codes[CodeSKUNotOnPO])
	assert.True(t, codes[CodePONotFound])

	sess, err := st.Begin(ctx, "t1")
	require.NoError(t, err)
	defer sess.Rollback()
	po, err := sess.GetPOByNumber(ctx, "PO-100")
	require.NoError(t, err)
	qty, err := sess.ReceivedQtyByPOLine(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, po.Lines, 1)
	assert.Equal(t, int64(6), qty[po.Lines[0].ID])
}

func TestImportReceiptsEnforceOverDeliveryAndAdvancePO(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	poMapping, err := ParseMapping([]byte(`{
		"doc_type": "purchase_order",
		"fields": {
			"po_number": "PO", "vendor": "Vendor", "po_date": "Date",
			"total": "Total", "sku": "SKU", "quantity": "Qty", "unit_price": "Price"
		}
	}`))
	require.NoError(t, err)
	poCSV := "PO,Vendor,Date,Total,SKU,Qty,Price\nPO-200,Acme,2025-01-10,1000.00,W-1,10,100.00\n"
	_, errs, err := im.Run(ctx, "t1", poMapping, strings.NewReader(poCSV), Options{})
	require.NoError(t, err)
	require.Empty(t, errs)

	rcptMapping, err := ParseMapping([]byte(`{
		"doc_type": "receipt",
		"fields": {
			"po_number": "PO", "received_date": "Date", "sku": "SKU", "quantity": "Qty"
		}
	}`))
	require.NoError(t, err)

	// 1000 against 10 ordered blows past the allowance and rejects
	over := "PO,Date,SKU,Qty\nPO-200,2025-01-20,W-1,1000\n"
	batch, errs, err := im.Run(ctx, "t1", rcptMapping, strings.NewReader(over),
		Options{AbortErrorRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeOverDelivery, errs[0].Code)

	poStatus := func() contracts.POStatus {
		sess, err := st.Begin(ctx, "t1")
		require.NoError(t, err)
		defer sess.Rollback()
		po, err := sess.GetPOByNumber(ctx, "PO-200")
		require.NoError(t, err)
		return po.Status
	}
	require.Equal(t, contracts.POStatusOpen, poStatus())

	partial := "PO,Date,SKU,Qty\nPO-200,2025-01-21,W-1,6\n"
	batch, _, err = im.Run(ctx, "t1", rcptMapping, strings.NewReader(partial), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Accepted)
	assert.Equal(t, contracts.POStatusPartiallyReceived, poStatus())

	rest := "PO,Date,SKU,Qty\nPO-200,2025-01-22,W-1,4\n"
	batch, _, err = im.Run(ctx, "t1", rcptMapping, strings.NewReader(rest), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Accepted)
	assert.Equal(t, contracts.POStatusFullyReceived, poStatus())
}

func TestImportLocaleDates(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	m := invoiceMapping()
	m.DateLocale = "eu"
	data := "Invoice #,Vendor,PO,Date,Total\nINV-EU,Acme,,03/04/2025,10.00\n"
	_, errs, err := im.Run(ctx, "t1", m, strings.NewReader(data), Options{})
	require.NoError(t, err)
	require.Empty(t, errs)

	sess, err := st.Begin(ctx, "t1")
	require.NoError(t, err)
	defer sess.Rollback()
	invs, _, err := sess.ListInvoices(ctx, store.InvoiceFilter{}, store.Page{}, nil)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC), invs[0].InvoiceDate)
}

func TestExportReimportsCleanly(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	src := strings.Join([]string{
		`Invoice #,Vendor,PO,Date,Total`,
		`INV-1,Acme,,2025-01-15,"1,234.50"`,
		`INV-2,Widget Works,,2025-02-01,42.00`,
	}, "\n")
	_, errs, err := im.Run(ctx, "src", invoiceMapping(), strings.NewReader(src), Options{})
	require.NoError(t, err)
	require.Empty(t, errs)

	var exported bytes.Buffer
	n, err := im.ExportInvoices(ctx, "src", store.InvoiceFilter{}, &exported)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	batch, errs, err := im.Run(ctx, "dst", ExportMapping(), bytes.NewReader(exported.Bytes()), Options{})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, 2, batch.Accepted)
	assert.Equal(t, countInvoices(t, st, "src"), countInvoices(t, st, "dst"))
}

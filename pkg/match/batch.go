package match

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/store"
)

// DefaultParallelism bounds batch workers when the tenant has no
// configured value.
const DefaultParallelism = 4

// BatchRequest selects the invoices for a batch run. Empty InvoiceIDs
// means every invoice currently eligible for matching.
type BatchRequest struct {
	InvoiceIDs  []string
	Parallelism int
	Actor       string
}

// Progress is reported once per finished invoice.
type Progress struct {
	InvoiceID string
	Done      int
	Total     int
	Err       error
}

// InvoiceError records one invoice that failed inside a batch.
type InvoiceError struct {
	InvoiceID string `json:"invoice_id"`
	Error     string `json:"error"`
}

// BatchReport aggregates a batch run. A failed invoice never aborts the
// others; cancellation stops scheduling but lets started invoices finish.
type BatchReport struct {
	Total          int            `json:"total"`
	AutoMatched    int            `json:"auto_matched"`
	RequiresReview int            `json:"requires_review"`
	Unmatchable    int            `json:"unmatchable"`
	Failed         []InvoiceError `json:"failed,omitempty"`
}

// MatchBatch matches a set of invoices with bounded parallelism. Each
// invoice commits in its own transaction.
func (e *Engine) MatchBatch(ctx context.Context, tenantID string, req BatchRequest, onProgress func(Progress)) (*BatchReport, error) {
	ids := req.InvoiceIDs
	if len(ids) == 0 {
		var err error
		if ids, err = e.eligibleInvoices(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = e.tenantParallelism(ctx, tenantID)
	}

	report := &BatchReport{Total: len(ids)}
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			out, err := e.MatchInvoice(gctx, tenantID, id, Options{Actor: req.Actor})
			mu.Lock()
			done++
			if err != nil {
				report.Failed = append(report.Failed, InvoiceError{InvoiceID: id, Error: err.Error()})
			} else {
				switch out.Decision {
				case contracts.MatchingAutoMatched:
					report.AutoMatched++
				case contracts.MatchingRequiresReview:
					report.RequiresReview++
				case contracts.MatchingUnmatchable:
					report.Unmatchable++
				}
			}
			progress := Progress{InvoiceID: id, Done: done, Total: len(ids), Err: err}
			mu.Unlock()
			if onProgress != nil {
				onProgress(progress)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// eligibleInvoices returns every invoice the state machine allows into a
// run: unmatched, requiring review, or previously unmatchable.
func (e *Engine) eligibleInvoices(ctx context.Context, tenantID string) ([]string, error) {
	sess, err := e.store.Begin(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Rollback() }()

	var ids []string
	for _, status := range []contracts.MatchingStatus{
		contracts.MatchingUnmatched, contracts.MatchingRequiresReview, contracts.MatchingUnmatchable,
	} {
		page := store.Page{Page: 1, Limit: 100}
		for {
			invs, total, err := sess.ListInvoices(ctx,
				store.InvoiceFilter{MatchingStatus: status}, page, nil)
			if err != nil {
				return nil, err
			}
			for _, inv := range invs {
				ids = append(ids, inv.ID)
			}
			if page.Page*page.Limit >= total || len(invs) == 0 {
				break
			}
			page.Page++
		}
	}
	return ids, nil
}

func (e *Engine) tenantParallelism(ctx context.Context, tenantID string) int {
	sess, err := e.store.Begin(ctx, tenantID)
	if err != nil {
		return DefaultParallelism
	}
	defer func() { _ = sess.Rollback() }()
	settings, err := sess.TenantSettings(ctx)
	if err != nil || settings.MatchParallel <= 0 {
		return DefaultParallelism
	}
	return settings.MatchParallel
}

// Package match implements the reconciliation engine: candidate
// selection, composite confidence scoring, three-way classification, and
// the decision policy that settles an invoice or routes it to the
// exception queue. Every decision appends to the invoice's audit chain.
package match

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/auditlog"
	"github.com/ledgerline/reconcile/pkg/canonicalize"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/events"
	"github.com/ledgerline/reconcile/pkg/exceptions"
	"github.com/ledgerline/reconcile/pkg/match/similarity"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

// AlgorithmVersion is stamped on every result and audit event so scores
// remain comparable across releases.
const AlgorithmVersion = "1.0.0"

// candidate window constants from the selection contract.
const (
	candidateDateSlack  = 30   // days added to the date tolerance
	candidateAmountBand = 0.30 // widest relative amount variance considered
	maxSuggested        = 3
	// scores this close are a tie and fall to the deterministic ordering
	tieEpsilon = 0.001
	// top-two gap below this means the reviewer must disambiguate
	ambiguityGap = 0.05
)

// Engine matches invoices against purchase orders and receipts.
type Engine struct {
	store    *store.Store
	resolver *rules.Resolver
	logger   *slog.Logger
}

func NewEngine(st *store.Store, resolver *rules.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, resolver: resolver, logger: logger}
}

// Options tune a single match run.
type Options struct {
	// Override skips rule resolution entirely when set.
	Override *rules.RuleSet
	// Actor lands in the audit trail; empty means "system".
	Actor string
}

// Outcome summarizes one invoice's match run.
type Outcome struct {
	InvoiceID  string                    `json:"invoice_id"`
	Decision   contracts.MatchingStatus  `json:"decision"`
	Candidates int                       `json:"candidates"`
	Best       *contracts.MatchResult    `json:"best,omitempty"`
	Results    []*contracts.MatchResult  `json:"results,omitempty"`
	Exception  *contracts.ExceptionEntry `json:"exception,omitempty"`
	// RuleError is set when matching was suspended by broken tenant
	// configuration.
	RuleError string `json:"rule_error,omitempty"`
}

// MatchInvoice runs the engine for one invoice in its own short
// transaction: status transition, supersession, results, audit event and
// outbox rows commit atomically.
func (e *Engine) MatchInvoice(ctx context.Context, tenantID, invoiceID string, opts Options) (*Outcome, error) {
	sess, err := e.store.BeginMatch(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out, err := e.matchInSession(ctx, sess, invoiceID, opts)
	if err != nil {
		_ = sess.Rollback()
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}
	e.logger.Info("invoice matched",
		"tenant", tenantID, "invoice_id", invoiceID,
		"decision", out.Decision, "candidates", out.Candidates)
	return out, nil
}

func (e *Engine) matchInSession(ctx context.Context, sess *store.Session, invoiceID string, opts Options) (*Outcome, error) {
	inv, err := sess.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == contracts.InvoiceStatusCancelled {
		return nil, contracts.NewErrorf(contracts.KindValidationFailed,
			"invoice %s is cancelled", invoiceID)
	}
	from := inv.MatchingStatus
	if !from.CanTransition(contracts.MatchingInProgress) {
		return nil, contracts.NewErrorf(contracts.KindConflict,
			"invoice %s is %s and cannot be re-matched", invoiceID, from)
	}
	if err := sess.UpdateMatchingStatus(ctx, invoiceID, from, contracts.MatchingInProgress, inv.Version); err != nil {
		return nil, err
	}
	inv.Version++

	actor := opts.Actor
	if actor == "" {
		actor = "system"
	}

	invVendor, err := sess.GetVendor(ctx, inv.VendorID)
	if err != nil {
		return nil, err
	}

	rs, ruleErr := e.ruleSet(ctx, sess, inv, opts)
	if ruleErr != nil {
		if !contracts.IsKind(ruleErr, contracts.KindToleranceUnresolvable) {
			return nil, ruleErr
		}
		return e.suspend(ctx, sess, inv, actor, ruleErr)
	}
	ruleHash, err := rs.Hash()
	if err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, "hash rule set", err)
	}

	cands, err := e.candidates(ctx, sess, inv, invVendor, rs)
	if err != nil {
		return nil, err
	}
	rank(cands)

	inputsHash, err := inputsHash(inv, cands)
	if err != nil {
		return nil, err
	}

	// the newest surviving result is what a re-run supersedes
	supersedes := ""
	prior, err := sess.MatchesForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	for _, m := range prior {
		if m.Status != contracts.MatchStatusSuperseded {
			supersedes = m.ID
			break
		}
	}

	return e.decide(ctx, sess, decision{
		inv:        inv,
		cands:      cands,
		rs:         rs,
		ruleHash:   ruleHash,
		inputsHash: inputsHash,
		actor:      actor,
		supersedes: supersedes,
	})
}

func (e *Engine) ruleSet(ctx context.Context, sess *store.Session, inv *contracts.Invoice, opts Options) (rules.RuleSet, error) {
	if opts.Override != nil {
		rs := *opts.Override
		return rs, rs.Validate()
	}
	return e.resolver.Resolve(ctx, sess, rules.Query{
		VendorID:    inv.VendorID,
		AmountCents: inv.TotalCents,
		Currency:    inv.Currency,
	})
}

// suspend parks an invoice whose tenant configuration cannot produce a
// usable rule set.
func (e *Engine) suspend(ctx context.Context, sess *store.Session, inv *contracts.Invoice, actor string, ruleErr error) (*Outcome, error) {
	if err := sess.UpdateMatchingStatus(ctx, inv.ID,
		contracts.MatchingInProgress, contracts.MatchingUnmatchable, inv.Version); err != nil {
		return nil, err
	}
	inv.Version++
	entry, _, err := exceptions.Enqueue(ctx, sess, inv, contracts.ReasonDataQuality, nil)
	if err != nil {
		return nil, err
	}
	if err := sess.SetInvoiceStatus(ctx, inv.ID, contracts.InvoiceStatusException); err != nil {
		return nil, err
	}
	if _, err := auditlog.Append(ctx, sess, sess.Tenant(), auditlog.Entry{
		InvoiceID:    inv.ID,
		AlgorithmVer: AlgorithmVersion,
		Decision:     "suspended",
		Actor:        actor,
	}); err != nil {
		return nil, err
	}
	e.logger.Warn("matching suspended",
		"invoice_id", inv.ID, "error", ruleErr)
	return &Outcome{
		InvoiceID: inv.ID,
		Decision:  contracts.MatchingUnmatchable,
		Exception: entry,
		RuleError: ruleErr.Error(),
	}, nil
}

// candidates loads and scores the PO population for the invoice.
func (e *Engine) candidates(ctx context.Context, sess *store.Session,
	inv *contracts.Invoice, invVendor *contracts.Vendor, rs rules.RuleSet) ([]*candidate, error) {
	slack := time.Duration(rs.DateTolDays+candidateDateSlack) * 24 * time.Hour
	window := store.CandidateWindow{
		Currency: inv.Currency,
		DateFrom: inv.InvoiceDate.Add(-slack),
		DateTo:   inv.InvoiceDate.Add(slack),
		MinCents: int64(math.Ceil(float64(inv.TotalCents) * (1 - candidateAmountBand))),
		MaxCents: int64(math.Floor(float64(inv.TotalCents) / (1 - candidateAmountBand))),
	}
	pos, receipts, err := sess.CandidatePOs(ctx, window)
	if err != nil {
		return nil, err
	}
	vendorIDs := make([]string, 0, len(pos))
	for _, po := range pos {
		vendorIDs = append(vendorIDs, po.VendorID)
	}
	vendors, err := sess.VendorsByIDs(ctx, vendorIDs)
	if err != nil {
		return nil, err
	}

	var cands []*candidate
	for _, po := range pos {
		poVendor := vendors[po.VendorID]
		if po.VendorID != inv.VendorID {
			if poVendor == nil || invVendor == nil {
				continue
			}
			if similarity.JaroWinkler(vendorName(invVendor), vendorName(poVendor)) < 0.70 {
				continue
			}
		}
		c := &candidate{po: po, receipts: receipts[po.ID]}
		score(inv, invVendor, c, poVendor, rs)
		cands = append(cands, c)
	}
	return cands, nil
}

// rank orders candidates best first. Scores within tieEpsilon fall back
// to exact reference, date delta, amount delta, then earlier PO date.
func rank(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if math.Abs(a.composite-b.composite) > tieEpsilon {
			return a.composite > b.composite
		}
		if a.exactRef != b.exactRef {
			return a.exactRef
		}
		if a.dateDelta != b.dateDelta {
			return a.dateDelta < b.dateDelta
		}
		if a.amountDelta != b.amountDelta {
			return a.amountDelta < b.amountDelta
		}
		return a.po.PODate.Before(b.po.PODate)
	})
}

// inputsHash fingerprints exactly what the decision saw.
func inputsHash(inv *contracts.Invoice, cands []*candidate) (string, error) {
	type poInput struct {
		ID         string `json:"id"`
		Version    int64  `json:"version"`
		TotalCents int64  `json:"total_cents"`
	}
	inputs := struct {
		InvoiceID      string    `json:"invoice_id"`
		InvoiceVersion int64     `json:"invoice_version"`
		TotalCents     int64     `json:"total_cents"`
		Currency       string    `json:"currency"`
		Candidates     []poInput `json:"candidates"`
	}{
		InvoiceID:      inv.ID,
		InvoiceVersion: inv.Version,
		TotalCents:     inv.TotalCents,
		Currency:       inv.Currency,
	}
	for _, c := range cands {
		inputs.Candidates = append(inputs.Candidates, poInput{
			ID: c.po.ID, Version: c.po.Version, TotalCents: c.po.TotalCents,
		})
	}
	h, err := canonicalize.Hash(inputs)
	if err != nil {
		return "", contracts.WrapError(contracts.KindInternal, "hash match inputs", err)
	}
	return h, nil
}

type decision struct {
	inv        *contracts.Invoice
	cands      []*candidate
	rs         rules.RuleSet
	ruleHash   string
	inputsHash string
	actor      string
	supersedes string
}

// decide applies the decision policy to the ranked candidates.
func (e *Engine) decide(ctx context.Context, sess *store.Session, d decision) (*Outcome, error) {
	out := &Outcome{InvoiceID: d.inv.ID, Candidates: len(d.cands)}

	if len(d.cands) == 0 {
		return e.finishUnmatched(ctx, sess, d, out)
	}

	best := d.cands[0]
	bestID := uuid.NewString()
	// a re-run retires every surviving result before new ones land
	if err := sess.SupersedeMatches(ctx, d.inv.ID, bestID); err != nil {
		return nil, err
	}

	// a near-tied runner-up blocks auto-approval even above the
	// threshold; the reviewer must disambiguate
	ambiguous := len(d.cands) > 1 && best.composite-d.cands[1].composite < ambiguityGap

	if best.composite >= d.rs.AutoApprove && !ambiguous {
		return e.finishAuto(ctx, sess, d, out, best, bestID)
	}
	return e.finishReview(ctx, sess, d, out, bestID)
}

func (e *Engine) finishUnmatched(ctx context.Context, sess *store.Session, d decision, out *Outcome) (*Outcome, error) {
	if err := sess.UpdateMatchingStatus(ctx, d.inv.ID,
		contracts.MatchingInProgress, contracts.MatchingUnmatchable, d.inv.Version); err != nil {
		return nil, err
	}
	entry, _, err := exceptions.Enqueue(ctx, sess, d.inv, contracts.ReasonNoCandidate, nil)
	if err != nil {
		return nil, err
	}
	if err := sess.SetInvoiceStatus(ctx, d.inv.ID, contracts.InvoiceStatusException); err != nil {
		return nil, err
	}
	if _, err := auditlog.Append(ctx, sess, sess.Tenant(), auditlog.Entry{
		InvoiceID:    d.inv.ID,
		AlgorithmVer: AlgorithmVersion,
		RuleSetHash:  d.ruleHash,
		InputsHash:   d.inputsHash,
		Decision:     string(contracts.MatchingUnmatchable),
		Actor:        d.actor,
		Supersedes:   d.supersedes,
	}); err != nil {
		return nil, err
	}
	out.Decision = contracts.MatchingUnmatchable
	out.Exception = entry
	return out, nil
}

func (e *Engine) finishAuto(ctx context.Context, sess *store.Session, d decision,
	out *Outcome, best *candidate, bestID string) (*Outcome, error) {
	result := buildResult(d.inv, best, d.rs)
	result.ID = bestID
	result.Status = contracts.MatchStatusApproved
	if err := sess.InsertMatchResult(ctx, result); err != nil {
		return nil, err
	}
	if err := sess.UpdateMatchingStatus(ctx, d.inv.ID,
		contracts.MatchingInProgress, contracts.MatchingAutoMatched, d.inv.Version); err != nil {
		return nil, err
	}
	if err := sess.SetInvoiceStatus(ctx, d.inv.ID, contracts.InvoiceStatusMatched); err != nil {
		return nil, err
	}
	if _, err := auditlog.Append(ctx, sess, sess.Tenant(), auditlog.Entry{
		InvoiceID:    d.inv.ID,
		AlgorithmVer: AlgorithmVersion,
		RuleSetHash:  d.ruleHash,
		InputsHash:   d.inputsHash,
		Scores:       best.scores,
		FinalScore:   best.composite,
		Decision:     string(contracts.MatchingAutoMatched),
		Actor:        d.actor,
		Supersedes:   d.supersedes,
	}); err != nil {
		return nil, err
	}
	if err := events.Enqueue(ctx, sess, events.TopicInvoiceMatched, events.InvoiceMatched{
		InvoiceID:  d.inv.ID,
		MatchID:    result.ID,
		POID:       result.POID,
		Confidence: result.Confidence,
		Decision:   string(contracts.MatchingAutoMatched),
	}); err != nil {
		return nil, err
	}
	out.Decision = contracts.MatchingAutoMatched
	out.Best = result
	out.Results = []*contracts.MatchResult{result}
	return out, nil
}

func (e *Engine) finishReview(ctx context.Context, sess *store.Session, d decision,
	out *Outcome, bestID string) (*Outcome, error) {
	top := d.cands
	if len(top) > maxSuggested {
		top = top[:maxSuggested]
	}
	var suggested []string
	for i, c := range top {
		result := buildResult(d.inv, c, d.rs)
		if i == 0 {
			result.ID = bestID
		}
		result.Status = contracts.MatchStatusPending
		if err := sess.InsertMatchResult(ctx, result); err != nil {
			return nil, err
		}
		suggested = append(suggested, result.ID)
		out.Results = append(out.Results, result)
		if i == 0 {
			out.Best = result
		}
	}

	reason := contracts.ReasonBelowThreshold
	if d.cands[0].composite >= d.rs.ManualReview && len(d.cands) > 1 &&
		d.cands[0].composite-d.cands[1].composite < ambiguityGap {
		reason = contracts.ReasonMultipleCandidates
	}

	if err := sess.UpdateMatchingStatus(ctx, d.inv.ID,
		contracts.MatchingInProgress, contracts.MatchingRequiresReview, d.inv.Version); err != nil {
		return nil, err
	}
	entry, _, err := exceptions.Enqueue(ctx, sess, d.inv, reason, suggested)
	if err != nil {
		return nil, err
	}
	if err := sess.SetInvoiceStatus(ctx, d.inv.ID, contracts.InvoiceStatusException); err != nil {
		return nil, err
	}
	if _, err := auditlog.Append(ctx, sess, sess.Tenant(), auditlog.Entry{
		InvoiceID:    d.inv.ID,
		AlgorithmVer: AlgorithmVersion,
		RuleSetHash:  d.ruleHash,
		InputsHash:   d.inputsHash,
		Scores:       d.cands[0].scores,
		FinalScore:   d.cands[0].composite,
		Decision:     string(contracts.MatchingRequiresReview),
		Actor:        d.actor,
		Supersedes:   d.supersedes,
	}); err != nil {
		return nil, err
	}
	out.Decision = contracts.MatchingRequiresReview
	out.Exception = entry
	return out, nil
}

// buildResult materializes a MatchResult from a scored candidate.
func buildResult(inv *contracts.Invoice, c *candidate, rs rules.RuleSet) *contracts.MatchResult {
	receiptID := ""
	if len(c.receipts) == 1 {
		receiptID = c.receipts[0].ID
	}
	return &contracts.MatchResult{
		ID:               uuid.NewString(),
		InvoiceID:        inv.ID,
		POID:             c.po.ID,
		ReceiptID:        receiptID,
		MatchType:        matchType(c, rs),
		ThreeWayType:     c.threeWayType,
		Confidence:       c.composite,
		Scores:           c.scores,
		Discrepancies:    c.discrepancies,
		AlgorithmVersion: AlgorithmVersion,
	}
}

// matchType classifies how the pairing was established.
func matchType(c *candidate, rs rules.RuleSet) contracts.MatchType {
	switch {
	case len(c.receipts) > 0:
		return contracts.MatchTypeThreeWay
	case c.exactRef && c.scores.Amount == 1 && c.scores.Vendor == 1 && c.scores.Date == 1:
		return contracts.MatchTypeExact
	case c.scores.Amount < 1 && c.scores.Amount >= 0.85:
		return contracts.MatchTypeTolerance
	default:
		return contracts.MatchTypeFuzzy
	}
}

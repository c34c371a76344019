// Package exceptions manages the manual review queue: invoices the
// matching engine could not settle, prioritized by amount and age, worked
// through a claim/decide workflow.
package exceptions

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerline/reconcile/pkg/auditlog"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/events"
	"github.com/ledgerline/reconcile/pkg/store"
)

// PriorityFor grades an entry from the invoice's amount percentile within
// the tenant and its age in days.
func PriorityFor(amountPercentile, ageDays float64) contracts.ExceptionPriority {
	big := amountPercentile >= 0.95
	old := ageDays >= 3
	switch {
	case big && old:
		return contracts.PriorityCritical
	case big || old:
		return contracts.PriorityHigh
	case amountPercentile < 0.50 && ageDays < 1:
		return contracts.PriorityLow
	default:
		return contracts.PriorityMedium
	}
}

// Enqueue creates an open entry for the invoice, or returns the existing
// open one. Idempotent by (invoice, open status).
func Enqueue(ctx context.Context, sess *store.Session, inv *contracts.Invoice,
	reason contracts.ExceptionReason, suggested []string) (*contracts.ExceptionEntry, bool, error) {
	existing, err := sess.OpenExceptionForInvoice(ctx, inv.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	pct, err := sess.AmountPercentile(ctx, inv.TotalCents)
	if err != nil {
		return nil, false, err
	}
	age := time.Since(inv.InvoiceDate).Hours() / 24
	entry := &contracts.ExceptionEntry{
		InvoiceID:        inv.ID,
		Reason:           reason,
		Priority:         PriorityFor(pct, age),
		SuggestedMatches: suggested,
	}
	if err := sess.InsertException(ctx, entry); err != nil {
		// lost a race with a concurrent enqueue for the same invoice
		if contracts.IsKind(err, contracts.KindConflict) {
			existing, ferr := sess.OpenExceptionForInvoice(ctx, inv.ID)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	if err := events.Enqueue(ctx, sess, events.TopicExceptionCreated, events.ExceptionCreated{
		ExceptionID: entry.ID,
		InvoiceID:   entry.InvoiceID,
		Reason:      string(entry.Reason),
		Priority:    string(entry.Priority),
	}); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Service exposes the queue workflow over its own short transactions.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// List returns a queue page ordered by priority, oldest first within a
// priority.
func (s *Service) List(ctx context.Context, tenantID string, f store.ExceptionFilter, page store.Page) ([]*contracts.ExceptionEntry, int, error) {
	sess, err := s.store.Begin(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = sess.Rollback() }()
	return sess.ListExceptions(ctx, f, page)
}

// Get loads one entry.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*contracts.ExceptionEntry, error) {
	sess, err := s.store.Begin(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Rollback() }()
	return sess.GetException(ctx, id)
}

// Claim assigns an open entry to the reviewer. Fails with a conflict if
// the entry is already claimed or was edited since the caller read it.
func (s *Service) Claim(ctx context.Context, tenantID, entryID, userID string, version int64) (*contracts.ExceptionEntry, error) {
	sess, err := s.store.Begin(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := sess.ClaimException(ctx, entryID, userID, version); err != nil {
		_ = sess.Rollback()
		return nil, err
	}
	entry, err := sess.GetException(ctx, entryID)
	if err != nil {
		_ = sess.Rollback()
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Decision is a reviewer's verdict on an in-review entry.
type Decision struct {
	Kind       DecisionKind
	MatchID    string     // approve only
	DeferUntil *time.Time // defer only
	Notes      string
}

// DecisionKind enumerates the allowed verdicts.
type DecisionKind string

const (
	DecisionApprove   DecisionKind = "approve"
	DecisionRejectAll DecisionKind = "reject_all"
	DecisionDefer     DecisionKind = "defer"
)

// Decide applies the verdict atomically: the exception, the match
// results, the invoice state machine, and the audit/outbox rows all
// change in one transaction.
func (s *Service) Decide(ctx context.Context, tenantID, entryID, userID string, version int64, d Decision) error {
	sess, err := s.store.Begin(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.decide(ctx, sess, entryID, userID, version, d); err != nil {
		_ = sess.Rollback()
		return err
	}
	return sess.Commit()
}

func (s *Service) decide(ctx context.Context, sess *store.Session, entryID, userID string, version int64, d Decision) error {
	entry, err := sess.GetException(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != contracts.ExceptionInReview {
		return contracts.NewErrorf(contracts.KindConflict,
			"exception %s is %s, decisions require in_review", entryID, entry.Status)
	}
	if entry.AssignedTo != userID {
		return contracts.NewErrorf(contracts.KindConflict,
			"exception %s is claimed by another reviewer", entryID)
	}
	inv, err := sess.GetInvoice(ctx, entry.InvoiceID)
	if err != nil {
		return err
	}
	switch d.Kind {
	case DecisionApprove:
		return s.approve(ctx, sess, entry, inv, userID, version, d)
	case DecisionRejectAll:
		return s.rejectAll(ctx, sess, entry, inv, userID, version, d)
	case DecisionDefer:
		if d.DeferUntil == nil {
			return contracts.NewError(contracts.KindValidationFailed,
				"defer requires a deferred_until timestamp")
		}
		return sess.ResolveException(ctx, entry.ID, contracts.ExceptionOpen,
			d.Notes, d.DeferUntil.UTC().Format(time.RFC3339Nano), version)
	default:
		return contracts.NewErrorf(contracts.KindValidationFailed,
			"unknown decision %q", d.Kind)
	}
}

func (s *Service) approve(ctx context.Context, sess *store.Session,
	entry *contracts.ExceptionEntry, inv *contracts.Invoice, userID string,
	version int64, d Decision) error {
	if d.MatchID == "" {
		return contracts.NewError(contracts.KindValidationFailed,
			"approve requires a match_id")
	}
	chosen, err := sess.GetMatchResult(ctx, d.MatchID)
	if err != nil {
		return err
	}
	if chosen.InvoiceID != inv.ID {
		return contracts.NewErrorf(contracts.KindValidationFailed,
			"match %s does not belong to invoice %s", d.MatchID, inv.ID)
	}
	if chosen.Status != contracts.MatchStatusPending {
		return contracts.NewErrorf(contracts.KindConflict,
			"match %s is %s, only pending matches can be approved", d.MatchID, chosen.Status)
	}
	if err := sess.TransitionMatch(ctx, chosen.ID, contracts.MatchStatusPending,
		contracts.MatchStatusApproved, chosen.Version, userID, d.Notes, ""); err != nil {
		return err
	}
	if err := sess.SupersedeMatches(ctx, inv.ID, chosen.ID); err != nil {
		return err
	}
	if err := sess.UpdateMatchingStatus(ctx, inv.ID,
		contracts.MatchingRequiresReview, contracts.MatchingManuallyMatched, inv.Version); err != nil {
		return err
	}
	if err := sess.SetInvoiceStatus(ctx, inv.ID, contracts.InvoiceStatusMatched); err != nil {
		return err
	}
	if err := sess.ResolveException(ctx, entry.ID, contracts.ExceptionResolved,
		d.Notes, nil, version); err != nil {
		return err
	}
	if _, err := auditlog.Append(ctx, sess, sess.Tenant(), auditlog.Entry{
		InvoiceID:    inv.ID,
		AlgorithmVer: chosen.AlgorithmVersion,
		Scores:       chosen.Scores,
		FinalScore:   chosen.Confidence,
		Decision:     string(contracts.MatchingManuallyMatched),
		Actor:        userID,
	}); err != nil {
		return err
	}
	return events.Enqueue(ctx, sess, events.TopicInvoiceMatched, events.InvoiceMatched{
		InvoiceID:  inv.ID,
		MatchID:    chosen.ID,
		POID:       chosen.POID,
		Confidence: chosen.Confidence,
		Decision:   string(contracts.MatchingManuallyMatched),
	})
}

func (s *Service) rejectAll(ctx context.Context, sess *store.Session,
	entry *contracts.ExceptionEntry, inv *contracts.Invoice, userID string,
	version int64, d Decision) error {
	pending, err := sess.MatchesForInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	algorithmVer := ""
	for _, m := range pending {
		if m.Status != contracts.MatchStatusPending {
			continue
		}
		algorithmVer = m.AlgorithmVersion
		if err := sess.TransitionMatch(ctx, m.ID, contracts.MatchStatusPending,
			contracts.MatchStatusRejected, m.Version, userID, d.Notes, ""); err != nil {
			return err
		}
	}
	if err := sess.UpdateMatchingStatus(ctx, inv.ID,
		contracts.MatchingRequiresReview, contracts.MatchingUnmatchable, inv.Version); err != nil {
		return err
	}
	if err := sess.SetInvoiceStatus(ctx, inv.ID, contracts.InvoiceStatusRejected); err != nil {
		return err
	}
	if err := sess.ResolveException(ctx, entry.ID, contracts.ExceptionDismissed,
		d.Notes, nil, version); err != nil {
		return err
	}
	_, err = auditlog.Append(ctx, sess, sess.Tenant(), auditlog.Entry{
		InvoiceID:    inv.ID,
		AlgorithmVer: algorithmVer,
		Decision:     string(contracts.MatchingUnmatchable),
		Actor:        userID,
	})
	return err
}

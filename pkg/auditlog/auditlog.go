// Package auditlog maintains the per-invoice tamper-evident trail of
// matching decisions. Events form a hash chain ordered by sequence
// number; each entry hash covers the event body and the previous entry
// hash, so any retroactive edit invalidates every later link.
package auditlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/canonicalize"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/store"
)

// GenesisHash anchors the first event of every invoice chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Entry is the caller-supplied portion of an audit event. Sequence,
// PrevHash and EntryHash are assigned by Append.
type Entry struct {
	InvoiceID    string
	AlgorithmVer string
	RuleSetHash  string
	InputsHash   string
	Scores       contracts.ComponentScores
	FinalScore   float64
	Decision     string
	Actor        string
	Supersedes   string
}

// hashable is the canonical form fed to the entry hash. It deliberately
// excludes the row id and timestamp so the hash is reproducible from the
// decision inputs alone.
type hashable struct {
	TenantID     string                    `json:"tenant_id"`
	InvoiceID    string                    `json:"invoice_id"`
	Sequence     int64                     `json:"sequence"`
	AlgorithmVer string                    `json:"algorithm_version"`
	RuleSetHash  string                    `json:"ruleset_hash"`
	InputsHash   string                    `json:"inputs_hash"`
	Scores       contracts.ComponentScores `json:"scores"`
	FinalScore   float64                   `json:"final_score"`
	Decision     string                    `json:"decision"`
	Actor        string                    `json:"actor"`
	Supersedes   string                    `json:"supersedes,omitempty"`
	PrevHash     string                    `json:"prev_hash"`
}

func entryHash(e *contracts.MatchAuditEvent) (string, error) {
	return canonicalize.Hash(hashable{
		TenantID:     e.TenantID,
		InvoiceID:    e.InvoiceID,
		Sequence:     e.Sequence,
		AlgorithmVer: e.AlgorithmVer,
		RuleSetHash:  e.RuleSetHash,
		InputsHash:   e.InputsHash,
		Scores:       e.Scores,
		FinalScore:   e.FinalScore,
		Decision:     e.Decision,
		Actor:        e.Actor,
		Supersedes:   e.Supersedes,
		PrevHash:     e.PrevHash,
	})
}

// Append writes the next chain link for the invoice inside the caller's
// session. It must run in the same transaction as the decision it
// records.
func Append(ctx context.Context, sess *store.Session, tenantID string, entry Entry) (*contracts.MatchAuditEvent, error) {
	last, err := sess.LastAuditEvent(ctx, entry.InvoiceID)
	if err != nil {
		return nil, err
	}
	ev := &contracts.MatchAuditEvent{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		InvoiceID:    entry.InvoiceID,
		Sequence:     1,
		AlgorithmVer: entry.AlgorithmVer,
		RuleSetHash:  entry.RuleSetHash,
		InputsHash:   entry.InputsHash,
		Scores:       entry.Scores,
		FinalScore:   entry.FinalScore,
		Decision:     entry.Decision,
		Actor:        entry.Actor,
		Supersedes:   entry.Supersedes,
		PrevHash:     GenesisHash,
		CreatedAt:    time.Now().UTC(),
	}
	if last != nil {
		ev.Sequence = last.Sequence + 1
		ev.PrevHash = last.EntryHash
	}
	ev.EntryHash, err = entryHash(ev)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, "hash audit event", err)
	}
	if err := sess.InsertAuditEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// BreakReport describes a verification failure.
type BreakReport struct {
	InvoiceID string `json:"invoice_id"`
	Sequence  int64  `json:"sequence"`
	Reason    string `json:"reason"`
}

// VerifyInvoice walks one invoice's chain from genesis and reports the
// first broken link, or nil if the chain is intact.
func VerifyInvoice(ctx context.Context, sess *store.Session, invoiceID string) (*BreakReport, error) {
	events, err := sess.AuditEventsForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	prev := GenesisHash
	for i, ev := range events {
		if want := int64(i + 1); ev.Sequence != want {
			return &BreakReport{InvoiceID: invoiceID, Sequence: ev.Sequence,
				Reason: "sequence gap"}, nil
		}
		if ev.PrevHash != prev {
			return &BreakReport{InvoiceID: invoiceID, Sequence: ev.Sequence,
				Reason: "prev_hash does not match prior entry"}, nil
		}
		sum, err := entryHash(ev)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindInternal, "hash audit event", err)
		}
		if sum != ev.EntryHash {
			return &BreakReport{InvoiceID: invoiceID, Sequence: ev.Sequence,
				Reason: "entry_hash does not match recomputed hash"}, nil
		}
		prev = ev.EntryHash
	}
	return nil, nil
}

// VerifyAll checks every audited invoice for the tenant and collects the
// breaks found.
func VerifyAll(ctx context.Context, sess *store.Session) ([]BreakReport, int, error) {
	ids, err := sess.AuditedInvoiceIDs(ctx)
	if err != nil {
		return nil, 0, err
	}
	var breaks []BreakReport
	for _, id := range ids {
		rep, err := VerifyInvoice(ctx, sess, id)
		if err != nil {
			return nil, 0, err
		}
		if rep != nil {
			breaks = append(breaks, *rep)
		}
	}
	return breaks, len(ids), nil
}

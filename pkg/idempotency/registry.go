// Package idempotency guarantees at-most-once effects for retried
// mutations. A client-supplied key is claimed atomically; the winner runs
// the operation and stores its response in the same transaction as the
// operation's effects, losers replay the stored response verbatim, and a
// key reused with a different request fingerprint is a conflict.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ledgerline/reconcile/pkg/canonicalize"
	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/store"
)

// MaxKeyBytes bounds client-supplied keys.
const MaxKeyBytes = 255

// MinRetention is the floor for reclaiming stored responses.
const MinRetention = 24 * time.Hour

// Outcome of a claim attempt.
type Outcome int

const (
	// OutcomeFresh means this caller owns the key and must run the
	// operation, completing the claim inside the operation's transaction.
	OutcomeFresh Outcome = iota
	// OutcomeReplay means a previous execution completed; serve the
	// stored response without side effects.
	OutcomeReplay
)

// Claim is the result of Registry.Claim.
type Claim struct {
	Key        string
	Outcome    Outcome
	StatusCode int    // replay only
	Response   []byte // replay only
}

// Registry serializes claims through the store's conditional insert.
type Registry struct {
	store  *store.Store
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// NewRegistry creates a registry. ttl below the 24h minimum is raised to it.
func NewRegistry(st *store.Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl < MinRetention {
		ttl = MinRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, ttl: ttl, wait: 5 * time.Second, logger: logger}
}

// Fingerprint computes the stable request hash: method, normalized path,
// and the canonicalized JSON body (sorted keys, no whitespace, canonical
// numbers). A non-JSON body is hashed raw.
func Fingerprint(method, path string, body []byte) string {
	var canonicalBody string
	if len(body) > 0 && json.Valid(body) {
		if cb, err := canonicalize.CanonicalBytes(body); err == nil {
			canonicalBody = string(cb)
		} else {
			canonicalBody = string(body)
		}
	} else {
		canonicalBody = string(body)
	}
	sum, err := canonicalize.Hash(map[string]string{
		"method": method,
		"path":   path,
		"body":   canonicalBody,
	})
	if err != nil {
		// map[string]string cannot fail to marshal; keep the signature simple.
		return canonicalize.HashBytes([]byte(method + " " + path + "\n" + canonicalBody))
	}
	return sum
}

// ValidateKey enforces presence and the size bound.
func ValidateKey(key string) error {
	if key == "" {
		return contracts.NewError(contracts.KindIdempotencyKeyRequired,
			"mutating requests require an Idempotency-Key header")
	}
	if len(key) > MaxKeyBytes {
		return contracts.NewErrorf(contracts.KindValidationFailed,
			"idempotency key exceeds %d bytes", MaxKeyBytes)
	}
	return nil
}

// Claim atomically claims (tenant, key). Exactly one concurrent caller
// sees OutcomeFresh; others block until the winner completes, then see
// OutcomeReplay. Reuse with a different fingerprint fails with
// idempotency_conflict.
func (r *Registry) Claim(ctx context.Context, tenantID, key, fingerprint string) (*Claim, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	sess, err := r.store.Begin(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	won, rec, err := sess.ClaimIdempotencyKey(ctx, key, fingerprint)
	if err != nil {
		_ = sess.Rollback()
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}
	if won {
		return &Claim{Key: key, Outcome: OutcomeFresh}, nil
	}
	if rec.Fingerprint != fingerprint {
		return nil, contracts.NewErrorf(contracts.KindIdempotencyConflict,
			"key %s was already used with a different request", key)
	}
	if rec.State == "completed" {
		return &Claim{Key: key, Outcome: OutcomeReplay, StatusCode: rec.StatusCode, Response: rec.Response}, nil
	}
	return r.awaitCompletion(ctx, tenantID, key)
}

// awaitCompletion polls an in-progress claim until the winner commits.
func (r *Registry) awaitCompletion(ctx context.Context, tenantID, key string) (*Claim, error) {
	deadline := time.Now().Add(r.wait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, contracts.WrapError(contracts.KindTransient, "claim wait cancelled", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
		sess, err := r.store.Begin(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		rec, err := sess.GetIdempotencyRecord(ctx, key)
		_ = sess.Rollback()
		if err != nil {
			if contracts.IsKind(err, contracts.KindNotFound) {
				// winner failed and released; caller may retry fresh
				return nil, contracts.NewErrorf(contracts.KindTransient,
					"concurrent request for key %s failed, retry", key)
			}
			return nil, err
		}
		if rec.State == "completed" {
			return &Claim{Key: key, Outcome: OutcomeReplay, StatusCode: rec.StatusCode, Response: rec.Response}, nil
		}
	}
	return nil, contracts.NewErrorf(contracts.KindTransient,
		"concurrent request for key %s is still running", key)
}

// Complete stores the response inside the caller's session so the claim
// and the operation's effects commit atomically.
func (r *Registry) Complete(ctx context.Context, sess *store.Session, key string, statusCode int, response []byte) error {
	return sess.CompleteIdempotencyKey(ctx, key, statusCode, response)
}

// Pending is an unfinished claim travelling with the request. The
// handler completes it inside the transaction that commits its effects;
// if the handler never does, the transport falls back to completing it
// afterwards.
type Pending struct {
	Key       string
	completed bool
}

// Complete stores the response in sess. The claim becomes durable when
// the caller commits sess; a rollback leaves it in progress.
func (p *Pending) Complete(ctx context.Context, sess *store.Session, statusCode int, response []byte) error {
	if p == nil || p.completed {
		return nil
	}
	if err := sess.CompleteIdempotencyKey(ctx, p.Key, statusCode, response); err != nil {
		return err
	}
	p.completed = true
	return nil
}

func (p *Pending) Completed() bool { return p != nil && p.completed }

type pendingCtxKey struct{}

// WithPending attaches the claim to the request context.
func WithPending(ctx context.Context, p *Pending) context.Context {
	return context.WithValue(ctx, pendingCtxKey{}, p)
}

// PendingFrom returns the request's claim, or nil when the request
// carried no key (or replays).
func PendingFrom(ctx context.Context) *Pending {
	p, _ := ctx.Value(pendingCtxKey{}).(*Pending)
	return p
}

// Release drops an in-progress claim after a failed operation so a retry
// can run fresh.
func (r *Registry) Release(ctx context.Context, tenantID, key string) {
	sess, err := r.store.Begin(ctx, tenantID)
	if err != nil {
		r.logger.Error("idempotency release failed", "key", key, "error", err)
		return
	}
	if err := sess.ReleaseIdempotencyKey(ctx, key); err != nil {
		_ = sess.Rollback()
		r.logger.Error("idempotency release failed", "key", key, "error", err)
		return
	}
	if err := sess.Commit(); err != nil {
		r.logger.Error("idempotency release failed", "key", key, "error", err)
	}
}

// Reap reclaims entries older than the retention TTL for one tenant.
func (r *Registry) Reap(ctx context.Context, tenantID string) (int64, error) {
	sess, err := r.store.Begin(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	n, err := sess.ReapIdempotencyKeys(ctx, r.ttl)
	if err != nil {
		_ = sess.Rollback()
		return 0, err
	}
	return n, sess.Commit()
}

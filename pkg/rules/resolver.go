package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/store"
)

// invalidateChannel carries cross-replica cache invalidation. The payload
// is the tenant id whose layers changed.
const invalidateChannel = "reconcile:rules:invalidate"

// cacheTTL bounds staleness across replicas that miss an invalidation.
const cacheTTL = 60 * time.Second

// Query identifies the rule-set lookup for one invoice.
type Query struct {
	VendorID       string
	VendorCategory string
	AmountCents    int64
	Currency       string
}

type cacheEntry struct {
	rows       []*store.ToleranceRow
	versionSum int64
	expires    time.Time
}

// Resolver merges tolerance layers into effective rule sets. Loaded
// layers are cached per tenant with a short TTL and the merge is
// recomputed per query, so predicates that cut finer than the cache key
// cannot serve stale results. Edits invalidate via pub/sub when redis is
// configured.
type Resolver struct {
	env    *cel.Env
	redis  *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]cacheEntry
	programs map[string]cel.Program
}

// NewResolver builds a resolver. rdb may be nil; invalidation then relies
// on the TTL alone.
func NewResolver(rdb *redis.Client, logger *slog.Logger) (*Resolver, error) {
	env, err := cel.NewEnv(
		cel.Variable("vendor_id", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("amount_cents", cel.IntType),
		cel.Variable("currency", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build cel env: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		env:      env,
		redis:    rdb,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		programs: make(map[string]cel.Program),
	}, nil
}

// Listen consumes invalidation events until ctx is cancelled. No-op
// without redis.
func (r *Resolver) Listen(ctx context.Context) {
	if r.redis == nil {
		return
	}
	sub := r.redis.Subscribe(ctx, invalidateChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.Forget(msg.Payload)
		}
	}
}

// Invalidate drops the tenant's cached rule sets locally and broadcasts
// to other replicas.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) {
	r.Forget(tenantID)
	if r.redis == nil {
		return
	}
	if err := r.redis.Publish(ctx, invalidateChannel, tenantID).Err(); err != nil {
		r.logger.Warn("rule cache invalidation broadcast failed",
			"tenant", tenantID, "error", err)
	}
}

// Forget drops the tenant's cached layers.
func (r *Resolver) Forget(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, tenantID)
}

// Resolve returns the effective rule set for the query, merging layers in
// precedence order and validating the result.
func (r *Resolver) Resolve(ctx context.Context, sess *store.Session, q Query) (RuleSet, error) {
	rows, err := r.layers(ctx, sess)
	if err != nil {
		return RuleSet{}, err
	}
	rs := Default()
	for _, scope := range []store.ToleranceScope{
		store.ScopeGlobal, store.ScopeAmountBand, store.ScopeVendorCategory, store.ScopeVendor,
	} {
		for _, row := range rows {
			if row.Scope != scope || !scopeMatches(row, q) {
				continue
			}
			ok, err := r.applies(row, q)
			if err != nil {
				return RuleSet{}, err
			}
			if ok {
				overlay(&rs, row)
			}
		}
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// layers returns the tenant's tolerance rows, served from cache while the
// version sum is unchanged and the TTL has not lapsed.
func (r *Resolver) layers(ctx context.Context, sess *store.Session) ([]*store.ToleranceRow, error) {
	versionSum, err := sess.ToleranceVersionSum(ctx)
	if err != nil {
		return nil, err
	}
	tenant := sess.Tenant()
	r.mu.Lock()
	if e, ok := r.cache[tenant]; ok && e.versionSum == versionSum && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.rows, nil
	}
	r.mu.Unlock()

	rows, err := sess.Tolerances(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[tenant] = cacheEntry{rows: rows, versionSum: versionSum, expires: time.Now().Add(cacheTTL)}
	r.mu.Unlock()
	return rows, nil
}

func scopeMatches(row *store.ToleranceRow, q Query) bool {
	switch row.Scope {
	case store.ScopeGlobal:
		return true
	case store.ScopeVendor:
		return row.ScopeKey == q.VendorID
	case store.ScopeVendorCategory:
		return row.ScopeKey != "" && row.ScopeKey == q.VendorCategory
	case store.ScopeAmountBand:
		lo, hi, err := parseBand(row.ScopeKey)
		if err != nil {
			return false
		}
		return q.AmountCents >= lo && (hi == 0 || q.AmountCents < hi)
	}
	return false
}

// parseBand reads a "lo-hi" cents range; an empty hi means open-ended.
func parseBand(key string) (lo, hi int64, err error) {
	loStr, hiStr, found := strings.Cut(key, "-")
	if !found {
		return 0, 0, fmt.Errorf("rules: band %q missing separator", key)
	}
	lo, err = strconv.ParseInt(loStr, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if hiStr == "" {
		return lo, 0, nil
	}
	hi, err = strconv.ParseInt(hiStr, 10, 64)
	return lo, hi, err
}

// applies evaluates the row's optional applicability predicate.
func (r *Resolver) applies(row *store.ToleranceRow, q Query) (bool, error) {
	expr := strings.TrimSpace(row.Applicability)
	if expr == "" {
		return true, nil
	}
	prog, err := r.program(expr)
	if err != nil {
		return false, contracts.WrapError(contracts.KindToleranceUnresolvable,
			fmt.Sprintf("invalid applicability predicate on %s layer", row.Scope), err)
	}
	out, _, err := prog.Eval(map[string]any{
		"vendor_id":    q.VendorID,
		"category":     q.VendorCategory,
		"amount_cents": q.AmountCents,
		"currency":     q.Currency,
	})
	if err != nil {
		return false, contracts.WrapError(contracts.KindToleranceUnresolvable,
			fmt.Sprintf("applicability predicate failed on %s layer", row.Scope), err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, contracts.NewErrorf(contracts.KindToleranceUnresolvable,
			"applicability predicate on %s layer is not boolean", row.Scope)
	}
	return b, nil
}

func (r *Resolver) program(expr string) (cel.Program, error) {
	r.mu.Lock()
	if p, ok := r.programs[expr]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prog, err := r.env.Program(ast)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.programs[expr] = prog
	r.mu.Unlock()
	return prog, nil
}

func overlay(rs *RuleSet, row *store.ToleranceRow) {
	if row.PriceTolPct != nil {
		rs.PriceTolPct = *row.PriceTolPct
	}
	if row.PriceTolCents != nil {
		rs.PriceTolCents = *row.PriceTolCents
	}
	if row.QtyTolPct != nil {
		rs.QtyTolPct = *row.QtyTolPct
	}
	if row.QtyTolAbs != nil {
		rs.QtyTolAbs = *row.QtyTolAbs
	}
	if row.DateTolDays != nil {
		rs.DateTolDays = *row.DateTolDays
	}
	if row.OverDeliveryPct != nil {
		rs.OverDeliveryPct = *row.OverDeliveryPct
	}
	if row.AutoApprove != nil {
		rs.AutoApprove = *row.AutoApprove
	}
	if row.ManualReview != nil {
		rs.ManualReview = *row.ManualReview
	}
	if len(row.Weights) > 0 {
		if v, ok := row.Weights["ref"]; ok {
			rs.Weights.Reference = v
		}
		if v, ok := row.Weights["amt"]; ok {
			rs.Weights.Amount = v
		}
		if v, ok := row.Weights["ven"]; ok {
			rs.Weights.Vendor = v
		}
		if v, ok := row.Weights["date"]; ok {
			rs.Weights.Date = v
		}
		if v, ok := row.Weights["line"]; ok {
			rs.Weights.Line = v
		}
	}
}

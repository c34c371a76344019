package contracts

import (
	"context"
	"time"
)

// RequestContext is the explicit per-request identity and control surface
// threaded through every component call. The store's Begin(tenant) is the
// sole gate that establishes tenancy on a connection; everything else only
// reads these fields.
type RequestContext struct {
	TenantID      string
	UserID        string
	Role          string
	CorrelationID string
	Deadline      time.Time
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestFrom extracts the RequestContext, if present.
func RequestFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

package api

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/idempotency"
	"github.com/ledgerline/reconcile/pkg/store"
)

// maxBodyBytes bounds JSON request bodies. CSV uploads bypass this via
// their own limit in the ingest pipeline.
const maxBodyBytes = 1 << 20

// responseCapture wraps http.ResponseWriter to record what the handler
// wrote, so the registry can replay it to retries.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// RequireIdempotency ensures mutating requests carry an Idempotency-Key
// and are processed exactly once per (tenant, key). Retries replay the
// stored response; the same key with a different payload conflicts.
func RequireIdempotency(reg *idempotency.Registry, st *store.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			rc, _ := contracts.RequestFrom(r.Context())
			key := r.Header.Get("Idempotency-Key")
			if err := idempotency.ValidateKey(key); err != nil {
				WriteError(w, r, logger, err)
				return
			}

			// Uploads are fingerprinted by key and route alone; buffering
			// a 50MB file to hash it would defeat the streaming pipeline.
			var body []byte
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
				if err != nil {
					WriteError(w, r, logger, contracts.WrapError(
						contracts.KindValidationFailed, "unreadable request body", err))
					return
				}
				if len(body) > maxBodyBytes {
					WriteError(w, r, logger, contracts.NewError(
						contracts.KindValidationFailed, "request body too large"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			claim, err := reg.Claim(r.Context(), rc.TenantID, key, fingerprint)
			if err != nil {
				WriteError(w, r, logger, err)
				return
			}
			if claim.Outcome == idempotency.OutcomeReplay {
				w.Header().Set("Idempotency-Replayed", "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(claim.StatusCode)
				_, _ = w.Write(claim.Response)
				return
			}

			pending := &idempotency.Pending{Key: key}
			r = r.WithContext(idempotency.WithPending(r.Context(), pending))
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// 5xx responses release the claim so the client may retry;
			// everything else is recorded for replay.
			if capture.statusCode >= 500 {
				reg.Release(r.Context(), rc.TenantID, key)
				return
			}
			// single-transaction handlers complete the claim inside
			// their own session; the fallback below covers operations
			// whose effects span transactions
			if pending.Completed() {
				return
			}
			sess, err := st.Begin(r.Context(), rc.TenantID)
			if err != nil {
				logger.Error("idempotency record not saved", "key", key, "error", err)
				return
			}
			defer sess.Rollback()
			if err := reg.Complete(r.Context(), sess, key, capture.statusCode, capture.body.Bytes()); err == nil {
				if err := sess.Commit(); err != nil {
					logger.Error("idempotency record not saved", "key", key, "error", err)
				}
			} else {
				logger.Error("idempotency record not saved", "key", key, "error", err)
			}
		})
	}
}

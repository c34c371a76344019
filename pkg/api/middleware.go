package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationID assigns every request an id, honoring one supplied by
// the caller, and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(correlationHeader, id)
		rc, _ := contracts.RequestFrom(r.Context())
		rc.CorrelationID = id
		next.ServeHTTP(w, r.WithContext(contracts.WithRequestContext(r.Context(), rc)))
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			rc, _ := contracts.RequestFrom(r.Context())
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"tenant_id", rc.TenantID,
				"correlation_id", rc.CorrelationID)
		})
	}
}

// Identity establishes the caller's tenant and user. With a signing
// secret configured, a Bearer token is required and must carry tenant_id
// (sub doubles as the user id). Without one — development mode — the
// X-Tenant-ID header is trusted directly.
func Identity(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, _ := contracts.RequestFrom(r.Context())
			if secret == "" {
				rc.TenantID = r.Header.Get("X-Tenant-ID")
				rc.UserID = r.Header.Get("X-User-ID")
			} else {
				raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if raw == "" {
					WriteError(w, r, logger, contracts.NewError(
						contracts.KindTenantViolation, "missing bearer token"))
					return
				}
				claims := jwt.MapClaims{}
				_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(secret), nil
				})
				if err != nil {
					WriteError(w, r, logger, contracts.WrapError(
						contracts.KindTenantViolation, "invalid token", err))
					return
				}
				rc.TenantID, _ = claims["tenant_id"].(string)
				rc.UserID, _ = claims["sub"].(string)
				rc.Role, _ = claims["role"].(string)
			}
			if rc.TenantID == "" {
				WriteError(w, r, logger, contracts.NewError(
					contracts.KindTenantViolation, "no tenant identity on request"))
				return
			}
			next.ServeHTTP(w, r.WithContext(contracts.WithRequestContext(r.Context(), rc)))
		})
	}
}

// GlobalRateLimiter manages per-IP rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a limiter allowing rps requests/second
// with the given burst, and starts the stale-visitor sweeper.
func NewGlobalRateLimiter(rps, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

// getVisitor returns the limiter for an IP, creating it on first sight.
func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale entries to bound memory. Checks every
// minute, removes entries idle longer than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP limit.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

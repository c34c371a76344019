package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

func TestIdentityRequiredWithoutTenant(t *testing.T) {
	ts := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/invoices", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var pd ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pd))
	assert.Equal(t, problemBase+"tenant_violation", pd.Type)
}

func TestJWTIdentity(t *testing.T) {
	const secret = "test-signing-secret"
	ts := newTestServer(t, func(d *Deps) { d.AuthSecret = secret })

	sign := func(key string, claims jwt.MapClaims) string {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return raw
	}
	get := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/vendors", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get(sign(secret, jwt.MapClaims{"tenant_id": "acme", "sub": "alice", "role": "reviewer"}))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// missing token
	resp = get("")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// wrong secret
	resp = get(sign("other-secret", jwt.MapClaims{"tenant_id": "acme", "sub": "alice"}))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// valid signature without a tenant claim
	resp = get(sign(secret, jwt.MapClaims{"sub": "alice"}))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// the dev headers are ignored once a secret is configured
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/vendors", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIdempotencyKeyRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/vendors",
		strings.NewReader(`{"legal_name":"ACME Inc"}`))
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var pd ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pd))
	assert.Equal(t, problemBase+"idempotency_key_required", pd.Type)
}

func TestIdempotencyReplay(t *testing.T) {
	ts := newTestServer(t, nil)
	c := newClient(t, ts, "acme", "alice")

	const body = `{"legal_name":"ACME Inc"}`
	key := map[string]string{"Idempotency-Key": "create-acme-1"}

	first := c.request(http.MethodPost, "/api/v1/vendors", strings.NewReader(body), key)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	var created contracts.Vendor
	require.NoError(t, json.NewDecoder(first.Body).Decode(&created))
	first.Body.Close()
	assert.Empty(t, first.Header.Get("Idempotency-Replayed"))

	second := c.request(http.MethodPost, "/api/v1/vendors", strings.NewReader(body), key)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotency-Replayed"))
	var replayed contracts.Vendor
	require.NoError(t, json.NewDecoder(second.Body).Decode(&replayed))
	second.Body.Close()
	assert.Equal(t, created.ID, replayed.ID)

	// the retry created nothing
	var listed pageEnvelope
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/vendors", nil, &listed))
	assert.Equal(t, 1, listed.Total)
}

func TestIdempotencyConflictOnDifferentBody(t *testing.T) {
	ts := newTestServer(t, nil)
	c := newClient(t, ts, "acme", "alice")
	key := map[string]string{"Idempotency-Key": "create-acme-1"}

	resp := c.request(http.MethodPost, "/api/v1/vendors",
		strings.NewReader(`{"legal_name":"ACME Inc"}`), key)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.request(http.MethodPost, "/api/v1/vendors",
		strings.NewReader(`{"legal_name":"Globex LLC"}`), key)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var pd ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pd))
	assert.Equal(t, problemBase+"idempotency_conflict", pd.Type)
}

// The same key is scoped per tenant, so two tenants may reuse it.
func TestIdempotencyKeyScopedByTenant(t *testing.T) {
	ts := newTestServer(t, nil)
	a := newClient(t, ts, "acme", "alice")
	b := newClient(t, ts, "globex", "gus")
	key := map[string]string{"Idempotency-Key": "shared-key"}

	resp := a.request(http.MethodPost, "/api/v1/vendors",
		strings.NewReader(`{"legal_name":"ACME Inc"}`), key)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = b.request(http.MethodPost, "/api/v1/vendors",
		strings.NewReader(`{"legal_name":"Globex LLC"}`), key)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotency-Replayed"))
}

func TestRateLimitReturns429(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) {
		d.RateRPS = 1
		d.RateBurst = 2
	})

	get := func() *http.Response {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}
	require.Equal(t, http.StatusOK, get().StatusCode)
	require.Equal(t, http.StatusOK, get().StatusCode)

	third := get()
	assert.Equal(t, http.StatusTooManyRequests, third.StatusCode)
	assert.Equal(t, "5", third.Header.Get("Retry-After"))
}

func TestCorrelationIDPropagation(t *testing.T) {
	ts := newTestServer(t, nil)

	// a caller-supplied id is echoed and lands in the problem doc
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/invoices/nope", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set(correlationHeader, "corr-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "corr-123", resp.Header.Get(correlationHeader))
	var pd ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pd))
	assert.Equal(t, "corr-123", pd.CorrelationID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// otherwise one is generated
	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get(correlationHeader))
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenAuthScoping(t *testing.T) {
	auth := NewTokenAuth(4) // low cost keeps the test fast
	require.NoError(t, auth.Issue("auditor-1", "proj-a", "zf_scoped"))
	require.NoError(t, auth.Issue("admin-1", "", "zf_unscoped"))

	var gotOperator, gotProject string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = OperatorFrom(r.Context())
		gotProject = ProjectFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer zf_bogus")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Scoped token against its own project.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer zf_scoped")
	req.Header.Set("X-Project-ID", "proj-a")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "auditor-1", gotOperator)
	assert.Equal(t, "proj-a", gotProject)

	// Scoped token against another project.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer zf_scoped")
	req.Header.Set("X-Project-ID", "proj-b")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unscoped token reaches any project.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer zf_unscoped")
	req.Header.Set("X-Project-ID", "proj-b")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-1", gotOperator)
	assert.Empty(t, gotProject)
}

func TestTokenAuthRejectsForeignPrefix(t *testing.T) {
	auth := NewTokenAuth(4)
	require.NoError(t, auth.Issue("auditor-1", "", "zf_good"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer sk_other_vendor")
	auth.Middleware(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 5})
	defer rl.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("op:proj"), "call %d inside the limit", i)
	}
	// Over the per-minute line but inside the burst allowance.
	assert.False(t, rl.Allow("op:proj"))
	// Other keys keep their own windows.
	assert.True(t, rl.Allow("op:other"))
}

func TestRateLimiterMiddlewareOnlyLimitsMutations(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	defer rl.Close()
	h := rl.Middleware(okHandler())

	post := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/cases", nil)
		req.Header.Set(headerProject, "proj-a")
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, post())
	code := post()
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Reads never hit the limiter.
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/cases", nil)
		req.Header.Set(headerProject, "proj-a")
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterStats(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	defer rl.Close()
	rl.Allow("a:b")

	stats := rl.Stats()
	assert.Equal(t, 1, stats["active_windows"])
	assert.Equal(t, 60, stats["max_calls_per_min"])
}

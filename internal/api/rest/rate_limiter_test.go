package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRateLimiter(client, RateLimitConfig{RequestsPerSecond: 2})
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }

	ctx := context.Background()
	first := limiter.CheckLimit(ctx, "user:a")
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	assert.True(t, limiter.CheckLimit(ctx, "user:a").Allowed)

	denied := limiter.CheckLimit(ctx, "user:a")
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, time.Second, denied.RetryAfter)

	// Separate keys and separate windows are counted independently.
	assert.True(t, limiter.CheckLimit(ctx, "user:b").Allowed)
	limiter.now = func() time.Time { return fixed.Add(time.Second) }
	assert.True(t, limiter.CheckLimit(ctx, "user:a").Allowed)
}

func TestRateLimiter_FallsBackWhenRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	limiter := NewRateLimiter(client, RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	assert.True(t, limiter.CheckLimit(context.Background(), "k").Allowed)
	assert.False(t, limiter.CheckLimit(context.Background(), "k").Allowed)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(nil, RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	h := userMiddleware(limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set(UserHeader, user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("alice").Code)

	rec := call("alice")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusNoContent, call("bob").Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

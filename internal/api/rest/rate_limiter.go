package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds requests per caller
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// KeyPrefix namespaces the redis counters.
	KeyPrefix string
}

// RateLimitResult contains rate limit check results
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter counts requests in one second windows in redis. Without a
// client, or when redis fails, it falls back to a per key token bucket.
type RateLimiter struct {
	client *redis.Client
	config RateLimitConfig
	local  sync.Map
	now    func() time.Time
}

// NewRateLimiter creates a limiter; client may be nil
func NewRateLimiter(client *redis.Client, config RateLimitConfig) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerSecond
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "guardian:ratelimit"
	}
	return &RateLimiter{client: client, config: config, now: time.Now}
}

// CheckLimit checks if a request for key should be allowed
func (l *RateLimiter) CheckLimit(ctx context.Context, key string) *RateLimitResult {
	if l.client == nil {
		return l.checkLocal(key)
	}

	now := l.now()
	window := now.Truncate(time.Second).Unix()
	redisKey := fmt.Sprintf("%s:%s:%d", l.config.KeyPrefix, key, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.checkLocal(key)
	}

	count := incr.Val()
	allowed := count <= int64(l.config.RequestsPerSecond)
	remaining := l.config.RequestsPerSecond - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     l.config.RequestsPerSecond,
		Remaining: remaining,
		ResetAt:   time.Unix(window+1, 0),
	}
	if !allowed {
		result.RetryAfter = result.ResetAt.Sub(now)
	}
	return result
}

func (l *RateLimiter) checkLocal(key string) *RateLimitResult {
	v, _ := l.local.LoadOrStore(key, rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst))
	limiter := v.(*rate.Limiter)

	allowed := limiter.Allow()
	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     l.config.RequestsPerSecond,
		Remaining: int(limiter.Tokens()),
		ResetAt:   l.now().Add(time.Second),
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !allowed {
		result.RetryAfter = time.Second
	}
	return result
}

// Middleware rejects callers over the limit with 429
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := l.CheckLimit(r.Context(), limitKey(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retry := int(result.RetryAfter.Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Code:    "RATE_LIMIT_EXCEEDED",
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitKey prefers the caller identity over the client address
func limitKey(r *http.Request) string {
	if id, _ := UserIDFromContext(r.Context()); id != "" {
		return "user:" + id
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

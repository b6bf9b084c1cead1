package shared

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// idleEvictAfter is how long a bucket must go unused before it is dropped. A
// bucket refills completely within a minute, so dropping it later loses no
// state.
const idleEvictAfter = 2 * time.Minute

// RateLimiter provides per-IP rate limiting with optional Redis backend.
// Without Redis (or when Redis errors) a token bucket per IP is used; idle
// buckets are swept so the map stays bounded by the active client set.
type RateLimiter struct {
	rpm       int
	redis     *redis.Client
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	lastSweep time.Time
	now       func() time.Time
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rpm int, redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		rpm:      rpm,
		redis:    redisClient,
		limiters: map[string]*ipLimiter{},
		now:      time.Now,
	}
}

// key for the current minute window
func minuteKey(ip string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", ip, now.Unix()/60)
}

// Allow returns whether the request is allowed and remaining quota (best-effort)
func (r *RateLimiter) Allow(ctx context.Context, ip string) (bool, int) {
	if r.rpm <= 0 {
		return true, r.rpm
	}
	if r.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		key := minuteKey(ip, r.now())
		n, err := r.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fallback to in-memory on error
			return r.allowInMem(ip)
		}
		// Ensure expiry ~65 seconds for the rolling window minute
		if n == 1 {
			_ = r.redis.Expire(ctx, key, 65*time.Second).Err()
		}
		return int(n) <= r.rpm, r.rpm - int(n)
	}
	return r.allowInMem(ip)
}

func (r *RateLimiter) allowInMem(ip string) (bool, int) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) >= idleEvictAfter {
		r.sweepIdle(now)
	}
	entry, ok := r.limiters[ip]
	if !ok {
		entry = &ipLimiter{lim: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.rpm)}
		r.limiters[ip] = entry
	}
	entry.lastSeen = now

	allowed := entry.lim.AllowN(now, 1)
	return allowed, int(entry.lim.TokensAt(now))
}

// sweepIdle drops buckets unused for idleEvictAfter. Callers hold r.mu.
func (r *RateLimiter) sweepIdle(now time.Time) {
	for ip, entry := range r.limiters {
		if now.Sub(entry.lastSeen) >= idleEvictAfter {
			delete(r.limiters, ip)
		}
	}
	r.lastSweep = now
}

// GetClientIP extracts client IP from headers or RemoteAddr
func GetClientIP(r *http.Request) string {
	// Try common proxy headers
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Use the first IP in the list
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

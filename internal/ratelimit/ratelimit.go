package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TokenBucket implements token bucket rate limiting
type TokenBucket struct {
	capacity   float64 // maximum tokens
	tokens     float64 // current tokens
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(capacity, refillRate int, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now,
	}
}

// Allow consumes one token if available
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// sweepThreshold is the bucket count above which new clients trigger a
// sweep of idle buckets.
const sweepThreshold = 1024

// RateLimiter keeps one token bucket per client. Buckets idle long enough
// to have refilled completely are dropped once the map grows past
// sweepThreshold; a returning client gets an equivalent full bucket.
type RateLimiter struct {
	buckets   map[string]*TokenBucket
	mu        sync.RWMutex
	now       func() time.Time
	lastSweep time.Time

	rps   int
	burst int
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// client with the given burst. A burst below 1 is raised to rps.
func NewRateLimiter(rps, burst int) *RateLimiter {
	if burst < 1 {
		burst = rps
	}
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		now:     time.Now,
		rps:     rps,
		burst:   burst,
	}
}

// Allow checks if a request from the given client is allowed
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()

	rl.mu.RLock()
	bucket, exists := rl.buckets[client]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		if bucket, exists = rl.buckets[client]; !exists {
			if len(rl.buckets) >= sweepThreshold {
				rl.sweepLocked(now)
			}
			bucket = NewTokenBucket(rl.burst, rl.rps, now)
			rl.buckets[client] = bucket
		}
		rl.mu.Unlock()
	}

	return bucket.Allow(now)
}

// idleTTL is how long a bucket takes to refill from empty to full.
func (rl *RateLimiter) idleTTL() time.Duration {
	if rl.rps <= 0 {
		return time.Second
	}
	return time.Duration(float64(rl.burst) / float64(rl.rps) * float64(time.Second))
}

// sweepLocked drops buckets untouched for at least idleTTL. It runs at
// most once per max(idleTTL, 1s). Caller holds rl.mu for writing.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	ttl := rl.idleTTL()
	interval := ttl
	if interval < time.Second {
		interval = time.Second
	}
	if !rl.lastSweep.IsZero() && now.Sub(rl.lastSweep) < interval {
		return
	}
	rl.lastSweep = now

	for client, b := range rl.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if idle >= ttl {
			delete(rl.buckets, client)
		}
	}
}

// Len reports how many client buckets are held.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// ClientKey identifies the caller of r by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

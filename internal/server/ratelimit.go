package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Buckets idle longer than this are dropped by the sweeper.
const bucketIdleTTL = 10 * time.Minute

// clientBuckets holds one token bucket per caller IP. Audit reads and
// proposal mutations share the same budget: the chain endpoints are cheap
// but the multisig ones take per-proposal locks, so a single runaway client
// must not starve the rest.
type clientBuckets struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	seen    map[string]time.Time
	rps     rate.Limit
	burst   int
}

func newClientBuckets(rps, burst int) *clientBuckets {
	cb := &clientBuckets{
		buckets: make(map[string]*rate.Limiter),
		seen:    make(map[string]time.Time),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go cb.sweep()
	return cb
}

func (cb *clientBuckets) allow(ip string) bool {
	cb.mu.Lock()
	lim, ok := cb.buckets[ip]
	if !ok {
		lim = rate.NewLimiter(cb.rps, cb.burst)
		cb.buckets[ip] = lim
	}
	cb.seen[ip] = time.Now()
	cb.mu.Unlock()
	return lim.Allow()
}

func (cb *clientBuckets) sweep() {
	ticker := time.NewTicker(bucketIdleTTL / 2)
	defer ticker.Stop()
	for range ticker.C {
		cb.mu.Lock()
		for ip, last := range cb.seen {
			if time.Since(last) > bucketIdleTTL {
				delete(cb.buckets, ip)
				delete(cb.seen, ip)
			}
		}
		cb.mu.Unlock()
	}
}

// RateLimiter returns middleware enforcing a per-IP token bucket of rps
// steady-state requests per second with the given burst ceiling.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	cb := newClientBuckets(rps, burst)
	return func(c *gin.Context) {
		if !cb.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

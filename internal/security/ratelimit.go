package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements two-tier token bucket rate limiting: one bucket
// per client IP bounding that client's total request rate across every
// route it touches, and one bucket per (client IP, route) pair bounding
// how hard a single client can drive one specific backend. A request is
// admitted only when both buckets it draws from have room, so a client
// spread across several routes can't exceed its IP-wide budget. Both tiers
// use the same rate and burst, so requests to one route can use up the
// IP-wide budget that the same client's other routes draw on.
// Stale buckets are evicted automatically to bound memory.
type RateLimiter struct {
	perIP      map[string]*bucket
	perRoute   map[string]*bucket
	mu         sync.Mutex
	r          rate.Limit
	burst      int
	ttl        time.Duration // evict entries not seen within this window
	maxEntries int           // cap on number of tracked buckets, per map
	cancel     context.CancelFunc
}

// NewRateLimiter creates a new rate limiter.
// r is the rate (events per second), burst is the maximum burst size,
// applied identically to every IP-wide and route-scoped bucket.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		perIP:      make(map[string]*bucket),
		perRoute:   make(map[string]*bucket),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxEntries: 10000,
		cancel:     cancel,
	}
	go rl.cleanup(ctx) // background goroutine to evict stale entries
	return rl
}

// Allow checks whether a request from ip to routeName may proceed. An
// empty routeName (redirects, or traffic that matched no route) draws
// only against ip's own bucket; a non-empty routeName also draws against
// that (ip, routeName) pair's bucket, and both must have room.
func (rl *RateLimiter) Allow(ip, routeName string) bool {
	ipBucket := rl.acquire(rl.perIP, ip)
	if ipBucket == nil {
		return false // reject to prevent unbounded map growth
	}
	if routeName == "" {
		return ipBucket.limiter.Allow()
	}

	routeBucket := rl.acquire(rl.perRoute, ip+"|"+routeName)
	if routeBucket == nil {
		return false
	}

	// Check the narrower bucket first so a request a route-specific limit
	// was always going to refuse doesn't also burn an IP-wide token.
	if !routeBucket.limiter.Allow() {
		return false
	}
	return ipBucket.limiter.Allow()
}

func (rl *RateLimiter) acquire(m map[string]*bucket, key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := m[key]
	if !exists {
		if len(m) >= rl.maxEntries {
			return nil
		}
		b = &bucket{limiter: rate.NewLimiter(rl.r, rl.burst)}
		m[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Stop shuts down the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// UpdateRate changes the rate limit parameters. Existing buckets are
// cleared so they pick up the new rate on next access.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	// Clear existing buckets so they get recreated with the new rate.
	rl.perIP = make(map[string]*bucket)
	rl.perRoute = make(map[string]*bucket)
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			evictStale(rl.perIP, rl.ttl)
			evictStale(rl.perRoute, rl.ttl)
			rl.mu.Unlock()
		}
	}
}

func evictStale(m map[string]*bucket, ttl time.Duration) {
	for key, b := range m {
		if time.Since(b.lastSeen) > ttl {
			delete(m, key)
		}
	}
}

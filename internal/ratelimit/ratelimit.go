package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-source connection rate limiting before a socket reaches the handshake gate.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu      sync.Mutex
	sources map[string]*sourceLimiter
	perIP   rate.Limit
	burst   int
	now     func() time.Time
}

// New returns nil when perSecond is not positive, which disables limiting.
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		sources: make(map[string]*sourceLimiter),
		perIP:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// AllowConnection reports whether ip may open another connection right now.
func (rl *RateLimiter) AllowConnection(ip string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	now := rl.now()
	src, exists := rl.sources[ip]
	if !exists {
		src = &sourceLimiter{limiter: rate.NewLimiter(rl.perIP, rl.burst)}
		rl.sources[ip] = src
	}
	src.lastSeen = now
	rl.mu.Unlock()
	return src.limiter.AllowN(now, 1)
}

// Sweep drops limiters for sources not seen within idle. It returns how many were removed.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	removed := 0
	for ip, src := range rl.sources {
		if src.lastSeen.Before(cutoff) {
			delete(rl.sources, ip)
			removed++
		}
	}
	return removed
}

// Tracked is the number of sources currently holding a limiter.
func (rl *RateLimiter) Tracked() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sources)
}

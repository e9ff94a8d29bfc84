package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter combines an optional global limit with per-key limits (per remote IP for logins,
// per proxy name for user connections). A rate of 0 disables that layer.
type RateLimiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perKey  map[string]*rate.Limiter
	keyRate rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter allowing globalRate events/s overall and perKeyRate events/s per
// key, each with the given burst.
func NewRateLimiter(globalRate, perKeyRate float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		perKey:  make(map[string]*rate.Limiter),
		keyRate: rate.Limit(perKeyRate),
		burst:   burst,
	}
	if globalRate > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return rl
}

// Allow reports whether one more event for key may happen now, consuming a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.keyRate <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.perKey[key]
	if !ok {
		lim = rate.NewLimiter(rl.keyRate, rl.burst)
		rl.perKey[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Forget drops the per-key state for key.
func (rl *RateLimiter) Forget(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.perKey, key)
	rl.mu.Unlock()
}

// CleanupExpired removes limiters for keys that are no longer active.
func (rl *RateLimiter) CleanupExpired(active map[string]bool) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.perKey {
		if !active[key] {
			delete(rl.perKey, key)
		}
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perKey)
}

package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerMinute = 10
	limiterIdleTTL       = 10 * time.Minute
	maxTrackedUsers      = 10000
)

// RateLimiter keeps one token bucket per user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per user per minute with a burst
// of the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		now:      time.Now,
	}
}

// Allow reports whether user may start another turn now.
func (rl *RateLimiter) Allow(user string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.limiters[user]
	if !ok {
		if len(rl.limiters) >= maxTrackedUsers {
			rl.cleanup(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[user] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// cleanup drops users idle for longer than limiterIdleTTL. Must be called
// with rl.mu held.
func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for u, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, u)
		}
	}
}

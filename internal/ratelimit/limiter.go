package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-caller rate limits, keyed by username.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerMinute sustained per
// caller with the given burst.
func NewLimiter(requestsPerMinute, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) get(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[caller]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[caller] = limiter
	}
	return limiter
}

// Allow reports whether the caller may make a request right now.
func (l *Limiter) Allow(caller string) bool {
	return l.get(caller).Allow()
}

// Tokens returns the caller's available tokens.
func (l *Limiter) Tokens(caller string) float64 {
	return l.get(caller).Tokens()
}

package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a simple in-memory rate limiter using a sliding window
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, maxReqs int) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
	}

	// Cleanup goroutine to remove old entries
	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	reqs := rl.requests[key]

	// Remove requests outside the window
	filtered := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}

	if len(filtered) >= rl.maxReqs {
		rl.requests[key] = filtered
		return false
	}

	rl.requests[key] = append(filtered, now)
	return true
}

// cleanup periodically removes stale keys to prevent unbounded growth
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window * 2)

		for key, reqs := range rl.requests {
			live := reqs[:0]
			for _, t := range reqs {
				if t.After(cutoff) {
					live = append(live, t)
				}
			}
			if len(live) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = live
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware rejects requests over the limit with 429
func RateLimitMiddleware(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIPKey extracts the client IP from the request for rate limiting
func GetIPKey(r *http.Request) string {
	// X-Forwarded-For first (for proxies), first IP if multiple
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return "ip:" + strings.TrimSpace(ips[0])
	}
	return "ip:" + r.RemoteAddr
}

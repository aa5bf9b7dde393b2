package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Idle buckets are swept periodically so the per-IP map does not grow
// without bound under client address churn.
const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

// ipRateLimiter hands out one token bucket per client IP. The login
// endpoint gets its own instance with a much tighter budget than the
// general command surface.
type ipRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*ipBucket
	stopCh  chan struct{}
}

type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter creates a limiter allowing limit requests per second
// with the given burst per IP, and starts its background sweeper.
func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	rl := &ipRateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*ipBucket),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// allow reports whether one more request from ip fits in its bucket,
// creating the bucket on first sight.
func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.lim.Allow()
}

// stop terminates the background sweeper.
func (rl *ipRateLimiter) stop() {
	close(rl.stopCh)
}

func (rl *ipRateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops buckets that have been idle longer than limiterIdleAfter.
func (rl *ipRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-limiterIdleAfter)
	removed := 0
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter sweep", "removed", removed, "remaining", len(rl.buckets))
	}
}

// rateLimit wraps next with per-IP limiting. Rejected requests receive
// 429 Too Many Requests with a Retry-After hint.
func rateLimit(limiter *ipRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. The RealIP middleware has
// already rewritten RemoteAddr from forwarding headers when the server
// sits behind a reverse proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

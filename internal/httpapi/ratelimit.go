package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle    = 10 * time.Minute
	limiterCleanup = 5 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per client IP token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter allows perSec requests per second per IP with the given
// burst. perSec <= 0 disables limiting.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	r := rate.Limit(perSec)
	if perSec <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		r:        r,
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if v, ok := rl.limiters[ip]; ok {
		v.lastSeen = now
		return v.limiter
	}
	l := rate.NewLimiter(rl.r, rl.burst)
	rl.limiters[ip] = &ipLimiter{limiter: l, lastSeen: now}
	return l
}

// Sweep drops limiters idle for longer than limiterIdle and returns how
// many remain.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, v := range rl.limiters {
		if now.Sub(v.lastSeen) > limiterIdle {
			delete(rl.limiters, ip)
		}
	}
	return len(rl.limiters)
}

// Limit rejects requests over the per-IP budget with 429.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.r != rate.Inf && !rl.get(realIP(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// realIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// connection address.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

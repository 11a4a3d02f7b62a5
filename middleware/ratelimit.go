package middleware

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
	"golang.org/x/time/rate"
)

const (
	rateLimitRequests = 100
	rateLimitWindow   = 60 * time.Second
	// idle limiters are dropped after this long to bound the map
	limiterIdleTTL = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client-IP token bucket of 100 requests per 60 s.
// Exceeding the budget returns 429 with a Retry-After hint.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{clients: map[string]*clientLimiter{}}
	go rl.evictLoop()
	return rl
}

func (rl *RateLimiter) Limit(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		lim := rl.limiterFor(clientIP(r))
		res := lim.Reserve()
		if !res.OK() || res.Delay() > 0 {
			retryAfter := 1
			if res.OK() {
				retryAfter = int(math.Ceil(res.Delay().Seconds()))
				res.Cancel()
			}
			errors.WriteHTTPTooManyRequests(w, retryAfter, "Rate limit exceeded")
			return
		}

		next(w, r, ps)
	}
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rateLimitRequests)/rateLimitWindow.Seconds()), rateLimitRequests),
		}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(limiterIdleTTL)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-limiterIdleTTL)
		rl.mu.Lock()
		for ip, c := range rl.clients {
			if c.lastSeen.Before(cutoff) {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

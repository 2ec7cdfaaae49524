package ratelimit

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
}

// DefaultCallbackConfig allows a browser a few retries and redirects while
// stopping a local process from hammering the callback listener.
func DefaultCallbackConfig() Config {
	return Config{
		Rate:  5,
		Burst: 10,
	}
}

// IPRateLimiter keeps one token bucket per client IP. The callback listener
// lives only for a single login, so entries are never expired.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   Config
}

func New(cfg Config) *IPRateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
	}
}

func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst)
		rl.limiters[ip] = l
	}
	return l.Allow()
}

// Middleware rejects requests over the limit with 429. onReject, if set, is
// called for every rejected request.
func (rl *IPRateLimiter) Middleware(onReject func(c *gin.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			if onReject != nil {
				onReject(c)
			}
			c.String(http.StatusTooManyRequests, "Rate limit exceeded, please try again later")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Len returns the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

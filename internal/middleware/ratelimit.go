package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/temcen/bookrex/internal/config"
)

const limiterIdleTTL = time.Hour

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ClientRateLimiter hands out one token bucket per client IP.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

func NewClientRateLimiter(cfg config.RateLimitConfig) *ClientRateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RequestsPerSecond))
	}
	return &ClientRateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    max(burst, 1),
		now:      time.Now,
	}
}

func (rl *ClientRateLimiter) get(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[client] = entry
	}
	entry.lastAccess = rl.now()
	return entry.limiter
}

// Allow consumes one token for client.
func (rl *ClientRateLimiter) Allow(client string) bool {
	return rl.get(client).AllowN(rl.now(), 1)
}

// Remaining reports the whole tokens left for client.
func (rl *ClientRateLimiter) Remaining(client string) int {
	return max(int(rl.get(client).TokensAt(rl.now())), 0)
}

// Cleanup drops limiters idle for longer than an hour.
func (rl *ClientRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := rl.now().Add(-limiterIdleTTL)
	for client, entry := range rl.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(rl.limiters, client)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *ClientRateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

func (rl *ClientRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func RateLimit(limiter *ClientRateLimiter, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		allowed := limiter.Allow(client)

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(client)))

		if !allowed {
			logger.WithFields(logrus.Fields{
				"client_ip": client,
				"path":      c.Request.URL.Path,
			}).Warn("Rate limit exceeded")

			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded. Please try again later.")
			return
		}

		c.Next()
	}
}

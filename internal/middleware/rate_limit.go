// internal/middleware/rate_limit.go
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/chainpay/chainpay-backend/internal/utils"
)

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per caller. Authenticated traffic is
// keyed by the presented credential so merchants behind a shared NAT do not
// throttle each other; anonymous traffic falls back to the client IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	fill    rate.Limit
	burst   int
}

func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientBucket),
		fill:    r,
		burst:   b,
	}
	go rl.evictIdle()
	return rl
}

func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-3 * time.Minute)
		rl.mu.Lock()
		for key, client := range rl.clients {
			if client.lastSeen.Before(cutoff) {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) take(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[key]
	if !ok {
		client = &clientBucket{bucket: rate.NewLimiter(rl.fill, rl.burst)}
		rl.clients[key] = client
	}
	client.lastSeen = time.Now()
	return client.bucket
}

// limitKey buckets by credential before identity is verified; an invalid key
// still gets its own bucket, which is fine, the point is isolation.
func limitKey(c *gin.Context) string {
	if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
		return "key:" + utils.HashString(apiKey)[:16]
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "tok:" + utils.HashString(auth[7:])[:16]
	}
	return "ip:" + c.ClientIP()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.take(limitKey(c)).Allow() {
			c.Header("Retry-After", "1")
			utils.ErrorResponse(c, http.StatusTooManyRequests, "RATE_LIMITED",
				"Rate limit exceeded. Please try again later.", nil)
			c.Abort()
			return
		}

		c.Next()
	}
}

// Default rate limiters
var (
	generalLimiter = NewRateLimiter(rate.Every(time.Second), 10) // 10 requests per second
	authLimiter    = NewRateLimiter(rate.Every(time.Minute), 5)  // 5 token exchanges per minute
	probeLimiter   = NewRateLimiter(rate.Every(time.Minute), 10) // 10 webhook test probes per minute
)

func GeneralRateLimit() gin.HandlerFunc {
	return generalLimiter.Middleware()
}

func AuthRateLimit() gin.HandlerFunc {
	return authLimiter.Middleware()
}

func WebhookTestRateLimit() gin.HandlerFunc {
	return probeLimiter.Middleware()
}

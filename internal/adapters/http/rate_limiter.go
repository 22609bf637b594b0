package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ClientRateLimiter keeps one token bucket per client token.
type ClientRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewClientRateLimiter allows limit requests per interval with bursts of
// the same size.
func NewClientRateLimiter(limit int, interval time.Duration) *ClientRateLimiter {
	return &ClientRateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Every(interval / time.Duration(limit)),
		burst:   limit,
	}
}

func (rl *ClientRateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[client]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[client] = b
	}
	rl.mu.Unlock()
	return b.Allow()
}

// Middleware rejects mutations from a client that exceeded its budget.
func (rl *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.GetString(clientTokenKey)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

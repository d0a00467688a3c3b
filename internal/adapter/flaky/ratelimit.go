package flaky

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ClientHeader identifies the caller for rate limiting. Requests without it
// share one bucket keyed by remote IP.
const ClientHeader = "X-Client-ID"

// RateLimiter allows one request per client every rate.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	rate time.Duration
	now  func() time.Time
}

// NewRateLimiter creates limiter with given rate.
func NewRateLimiter(rate time.Duration) *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), rate: rate, now: time.Now}
}

// Allow reports whether client may proceed and, if not, how long it has to
// wait.
func (r *RateLimiter) Allow(client string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if t, ok := r.last[client]; ok {
		if wait := r.rate - now.Sub(t); wait > 0 {
			return wait, false
		}
	}
	r.last[client] = now
	return 0, true
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in whole seconds.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetHeader(ClientHeader)
		if client == "" {
			client = c.ClientIP()
		}
		if wait, ok := r.Allow(client); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

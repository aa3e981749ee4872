package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/response"
)

// RateLimit returns a per-client token-bucket limiter keyed on client IP
// and route. In-memory, so it protects a single instance; a shared
// limiter belongs in front of the fleet.
func RateLimit(requestsPerMinute int, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = requestsPerMinute
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	// Drop buckets idle for longer than their refill horizon.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-3 * time.Minute)
			mu.Lock()
			for key, entry := range clients {
				if entry.lastSeen.Before(cutoff) {
					delete(clients, key)
				}
			}
			mu.Unlock()
		}
	}()

	limit := rate.Limit(float64(requestsPerMinute) / 60.0)

	return func(c *gin.Context) {
		if requestsPerMinute <= 0 {
			c.Next()
			return
		}

		key := c.ClientIP() + "|" + c.FullPath()

		mu.Lock()
		entry, ok := clients[key]
		if !ok {
			entry = &client{limiter: rate.NewLimiter(limit, burst)}
			clients[key] = entry
		}
		entry.lastSeen = time.Now()
		allowed := entry.limiter.Allow()
		mu.Unlock()

		if !allowed {
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}

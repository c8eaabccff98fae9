package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatstream/internal/common"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimit throttles each client IP to r requests per second with the given
// burst. Idle clients are forgotten after limiterIdleTTL.
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	var (
		mu        sync.Mutex
		clients   = map[string]*clientLimiter{}
		lastSweep = time.Now()
	)

	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()

		mu.Lock()
		if now.Sub(lastSweep) > limiterIdleTTL {
			for k, cl := range clients {
				if now.Sub(cl.lastSeen) > limiterIdleTTL {
					delete(clients, k)
				}
			}
			lastSweep = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{lim: rate.NewLimiter(r, burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		allowed := cl.lim.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", "60")
			common.AbortFail(c, http.StatusTooManyRequests, 42900, "too many requests")
			return
		}
		c.Next()
	}
}

package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/yeisme/indexsync/pkg/configs"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = 1024
)

// RateLimitMiddleware 返回一个基于配置的限流中间件.
// Key 为 global 时共享一个令牌桶，ip 或 header:<name> 时按维度分桶.
func RateLimitMiddleware(cfg configs.APIRateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled || cfg.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	burst := max(cfg.Burst, 1)
	keyMode := strings.ToLower(strings.TrimSpace(cfg.Key))

	if keyMode == "global" || keyMode == "" {
		limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)

		return func(c *gin.Context) {
			if !limiter.Allow() {
				tooMany(c)
				return
			}

			c.Next()
		}
	}

	buckets := newLimiterSet(rate.Limit(cfg.RPS), burst)

	return func(c *gin.Context) {
		key := clientIP(c)

		if h, ok := strings.CutPrefix(keyMode, "header:"); ok {
			if v := c.GetHeader(h); v != "" {
				key = v
			}
		}

		if key == "" {
			key = "unknown"
		}

		if !buckets.get(key, time.Now()).Allow() {
			tooMany(c)
			return
		}

		c.Next()
	}
}

func tooMany(c *gin.Context) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet 按键分桶，每隔 limiterSweepEvery 次访问清理闲置的桶.
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	hits    int
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, buckets: make(map[string]*bucket)}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits++
	if s.hits%limiterSweepEvery == 0 {
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(s.buckets, k)
			}
		}
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}

	b.lastSeen = now

	return b.limiter
}

func clientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}

	return host
}

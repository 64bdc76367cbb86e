package security

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/redis/go-redis/v9"

	"github.com/commitdiary/stepper/pkg/logging"
)

// RateLimitConfig holds request rate limiting configuration
type RateLimitConfig struct {
	Enabled    bool
	Window     time.Duration
	MaxPerIP   int
	MaxPerUser int
	SkipHealth bool

	// RedisClient shares counters across API instances. Without it the
	// limiter counts in process.
	RedisClient *redis.Client
	KeyPrefix   string
}

// RateLimiter enforces fixed-window request limits per client IP and per
// userId
type RateLimiter struct {
	config     RateLimitConfig
	localCache *sync.Map
	logger     *logging.Logger
	now        func() time.Time
}

type windowCounter struct {
	mutex  sync.Mutex
	count  int
	window time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, logger *logging.Logger) *RateLimiter {
	if config.Window <= 0 {
		config.Window = 15 * time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "stepper:ratelimit:"
	}
	return &RateLimiter{
		config:     config,
		localCache: &sync.Map{},
		logger:     logger,
		now:        time.Now,
	}
}

// IPMiddleware limits every request by client IP
func (rl *RateLimiter) IPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled || rl.config.MaxPerIP <= 0 ||
			(rl.config.SkipHealth && IsHealthPath(c.Request.URL.Path)) {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if allowed, retryAfter := rl.enforce(c, "ip:"+clientIP, rl.config.MaxPerIP); !allowed {
			rl.logger.Warn("Rate limit exceeded (IP)", "ip", clientIP, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many requests",
				"message":    "You have exceeded the rate limit. Please try again later.",
				"retryAfter": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// UserMiddleware limits report requests by the userId in the JSON body. The
// body is cached on the context, so handlers must bind with
// ShouldBindBodyWith.
func (rl *RateLimiter) UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled || rl.config.MaxPerUser <= 0 {
			c.Next()
			return
		}

		var body struct {
			UserID string `json:"userId"`
		}
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil || body.UserID == "" {
			c.Next()
			return
		}

		if allowed, retryAfter := rl.enforce(c, "user:"+body.UserID, rl.config.MaxPerUser); !allowed {
			rl.logger.Warn("Rate limit exceeded (User)", "userId", body.UserID, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many requests",
				"message":    "You have exceeded the rate limit for your user. Please try again later.",
				"retryAfter": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// enforce counts the request and sets the rate limit headers. Counter errors
// fail open.
func (rl *RateLimiter) enforce(c *gin.Context, key string, max int) (bool, int) {
	allowed, remaining, resetTime, err := rl.checkLimit(c.Request.Context(), key, max)
	if err != nil {
		rl.logger.Warn("Rate limit check failed", "key", key, "error", err)
		return true, 0
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(max))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	if allowed {
		return true, 0
	}
	retryAfter := int(math.Ceil(resetTime.Sub(rl.now()).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	return false, retryAfter
}

func (rl *RateLimiter) checkLimit(ctx context.Context, key string, max int) (bool, int, time.Time, error) {
	fullKey := rl.config.KeyPrefix + key
	windowStart := rl.now().Truncate(rl.config.Window)
	resetTime := windowStart.Add(rl.config.Window)

	var count int
	if rl.config.RedisClient != nil {
		windowKey := fmt.Sprintf("%s:%d", fullKey, windowStart.Unix())
		pipe := rl.config.RedisClient.Pipeline()
		incr := pipe.Incr(ctx, windowKey)
		pipe.ExpireAt(ctx, windowKey, resetTime)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, 0, resetTime, fmt.Errorf("redis pipeline failed: %w", err)
		}
		count = int(incr.Val())
	} else {
		value, _ := rl.localCache.LoadOrStore(fullKey, &windowCounter{window: windowStart})
		counter := value.(*windowCounter)
		counter.mutex.Lock()
		if counter.window.Before(windowStart) {
			counter.count = 0
			counter.window = windowStart
		}
		counter.count++
		count = counter.count
		counter.mutex.Unlock()
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= max, remaining, resetTime, nil
}

// Sweep drops in-process counters whose window has passed
func (rl *RateLimiter) Sweep() int {
	windowStart := rl.now().Truncate(rl.config.Window)
	removed := 0
	rl.localCache.Range(func(key, value interface{}) bool {
		counter := value.(*windowCounter)
		counter.mutex.Lock()
		stale := counter.window.Before(windowStart)
		counter.mutex.Unlock()
		if stale {
			rl.localCache.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

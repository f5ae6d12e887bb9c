package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware is a fixed-window limiter shared across API replicas.
// Each caller gets one bucket for the whole API, keyed by user when
// authenticated, otherwise by IP. Redis failures let the request through.
func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := rateLimitKey(c)

		ctx := c.UserContext()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Next() // fail open
		}

		if count == 1 {
			rdb.Expire(ctx, key, window)
		}

		if count > int64(limit) {
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", int(window.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}

// LocalRateLimitMiddleware is the in-process token bucket used when Redis is
// not configured.
func LocalRateLimitMiddleware(perMinute int) fiber.Handler {
	limiter := newLocalLimiter(perMinute, time.Now)

	return func(c *fiber.Ctx) error {
		if !limiter.allow(clientKey(c)) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}

type localBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// localLimiter drops buckets idle for a full refill period, at which point
// they are indistinguishable from a fresh one.
type localLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*localBucket
	every     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLocalLimiter(perMinute int, now func() time.Time) *localLimiter {
	perMinute = max(perMinute, 1)
	return &localLimiter{
		buckets:   make(map[string]*localBucket),
		every:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		idle:      time.Minute,
		lastSweep: now(),
		now:       now,
	}
}

func (l *localLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func rateLimitKey(c *fiber.Ctx) string {
	return "rl:api:" + clientKey(c)
}

func clientKey(c *fiber.Ctx) string {
	if claims := GetClaims(c); claims != nil {
		return "u:" + claims.UserID.String()
	}
	return "ip:" + c.IP()
}

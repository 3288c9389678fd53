package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter gates per-recipient delivery on a channel. Allow must be
// cheap: it is called on the escalation hot path.
type RateLimiter interface {
	Allow(ctx context.Context, channel, recipient string, perHour int) bool
}

// ============================================================================
// REDIS LIMITER
// ============================================================================

// RedisLimiter counts sends in hourly windows shared across server
// instances. Failure to reach redis fails open — a missed rate limit is
// cheaper than a missed escalation.
type RedisLimiter struct {
	rdb *redis.Client
}

var _ RateLimiter = (*RedisLimiter)(nil)

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Allow(ctx context.Context, channel, recipient string, perHour int) bool {
	if perHour <= 0 {
		return true
	}
	key := fmt.Sprintf("ratelimit:%s:%s:%d", channel, recipient, time.Now().Unix()/3600)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		l.rdb.Expire(ctx, key, time.Hour)
	}
	return count <= int64(perHour)
}

// ============================================================================
// IN-PROCESS LIMITER
// ============================================================================

// LocalLimiter keeps a token bucket per (channel, recipient). Used when no
// redis is configured and in tests.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ RateLimiter = (*LocalLimiter)(nil)

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, channel, recipient string, perHour int) bool {
	if perHour <= 0 {
		return true
	}
	key := channel + ":" + recipient

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"

	"github.com/pario-ai/llmbatch/pkg/logx"
)

// Limiter enforces a minimum spacing between request starts.
type Limiter interface {
	// Wait blocks until the next request may start or ctx is done.
	Wait(ctx context.Context) error
}

// LocalLimiter spaces requests within one process.
type LocalLimiter struct {
	lim *rate.Limiter
}

// NewLocalLimiter allows one request per minDelay with no burst.
func NewLocalLimiter(minDelay time.Duration) *LocalLimiter {
	return &LocalLimiter{lim: rate.NewLimiter(rate.Every(minDelay), 1)}
}

// Wait implements Limiter. When the next slot lies past the ctx deadline it
// blocks until ctx is done and returns ctx.Err().
func (l *LocalLimiter) Wait(ctx context.Context) error {
	err := l.lim.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Allower is the subset of *redis_rate.Limiter used by RedisLimiter.
type Allower interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RedisLimiter spaces requests across every process sharing key.
type RedisLimiter struct {
	allower Allower
	key     string
	limit   redis_rate.Limit
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRedisLimiter allows one request per minDelay under key. Pass
// redis_rate.NewLimiter(client) as allower.
func NewRedisLimiter(allower Allower, key string, minDelay time.Duration) *RedisLimiter {
	return &RedisLimiter{
		allower: allower,
		key:     "llmbatch:rate:" + key,
		limit:   redis_rate.Limit{Rate: 1, Burst: 1, Period: minDelay},
		sleep:   sleepCtx,
	}
}

// Wait implements Limiter. If Redis is unreachable the request proceeds
// unthrottled and a warning is logged.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.allower.Allow(ctx, l.key, l.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logx.Warn().Err(err).Str("key", l.key).Msg("distributed rate limiter unavailable, proceeding")
			return nil
		}
		if res.Allowed > 0 {
			return nil
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

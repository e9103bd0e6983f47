// Package ratelimit implements the limiters consulted before provider API
// calls so that many concurrent poll loops do not exhaust a provider's quota.
package ratelimit

import (
	gocontext "context"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/jclouds/legacy-jclouds-sub040/context"
)

const (
	redisPoolMaxActive   = 2
	redisPoolMaxIdle     = 1
	redisPoolIdleTimeout = 3 * time.Minute

	dynamicConfigCacheTTL = 10 * time.Second
)

// RateLimiter checks if a call can be let through and returns true if it can.
//
// The name should be the same for all calls that should be affected by the
// same rate limit. The maxCalls and per arguments must be the same for all
// calls that use the same name.
//
// The rate limiter lets through maxCalls calls in a fixed window of length
// per. The call should only be made if (true, nil) is returned; (false, nil)
// means the window is full and the caller should wait and try again.
type RateLimiter interface {
	RateLimit(ctx gocontext.Context, name string, maxCalls uint64, per time.Duration) (bool, error)
}

type dynamicLimit struct {
	maxCalls  uint64
	per       time.Duration
	expiresAt time.Time
}

type redisRateLimiter struct {
	pool   *redis.Pool
	prefix string

	dynamicConfig bool

	mu      sync.Mutex
	dynamic map[string]dynamicLimit
}

type nullRateLimiter struct{}

func newRedisPool(redisURL string) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL)
		},
		TestOnBorrow: func(c redis.Conn, _ time.Time) error {
			_, err := c.Do("PING")
			return err
		},
		MaxIdle:     redisPoolMaxIdle,
		MaxActive:   redisPoolMaxActive,
		IdleTimeout: redisPoolIdleTimeout,
		Wait:        true,
	}
}

// NewRateLimiter creates a RateLimiter backed by Redis. The prefix namespaces
// the keys so several deployments can share one Redis. With dynamicConfig
// set, limits stored under <prefix>:<name>:max_calls and
// <prefix>:<name>:duration override the ones passed to RateLimit.
func NewRateLimiter(redisURL, prefix string, dynamicConfig bool) RateLimiter {
	return &redisRateLimiter{
		pool:          newRedisPool(redisURL),
		prefix:        prefix,
		dynamicConfig: dynamicConfig,
		dynamic:       map[string]dynamicLimit{},
	}
}

// NewNullRateLimiter creates a RateLimiter that lets every call through.
func NewNullRateLimiter() RateLimiter {
	return nullRateLimiter{}
}

func (rl *redisRateLimiter) RateLimit(ctx gocontext.Context, name string, maxCalls uint64, per time.Duration) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "Redis.RateLimit")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("name", name))

	poolCheckoutStart := time.Now()

	conn, err := rl.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	context.TimeSince(ctx, "rate-limit.redis-pool-wait", poolCheckoutStart)

	if rl.dynamicConfig {
		maxCalls, per, err = rl.limitFor(ctx, conn, name, maxCalls, per)
		if err != nil {
			return false, err
		}
	}

	window := int64(per.Seconds())
	if window < 1 {
		window = 1
	}

	now := time.Now().Unix()
	key := fmt.Sprintf("%s:%s:%d", rl.prefix, name, now-(now%window))

	cur, err := redis.Uint64(conn.Do("GET", key))
	if err != nil && err != redis.ErrNil {
		return false, err
	}
	if err == nil && cur >= maxCalls {
		return false, nil
	}

	if _, err := conn.Do("WATCH", key); err != nil {
		return false, err
	}

	for _, cmd := range [][]interface{}{
		{"MULTI"},
		{"INCR", key},
		{"EXPIRE", key, window},
	} {
		if err := conn.Send(cmd[0].(string), cmd[1:]...); err != nil {
			return false, err
		}
	}

	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, err
	}

	// a nil reply means the WATCHed key changed under us
	return reply != nil, nil
}

func (rl *redisRateLimiter) limitFor(ctx gocontext.Context, conn redis.Conn, name string, maxCalls uint64, per time.Duration) (uint64, time.Duration, error) {
	rl.mu.Lock()
	cached, ok := rl.dynamic[name]
	rl.mu.Unlock()

	if ok && time.Now().Before(cached.expiresAt) {
		return cached.maxCalls, cached.per, nil
	}

	dynMaxCalls, err := redis.Uint64(conn.Do("GET", fmt.Sprintf("%s:%s:max_calls", rl.prefix, name)))
	switch {
	case err == nil:
		maxCalls = dynMaxCalls
	case err != redis.ErrNil:
		return 0, 0, err
	}

	dynDuration, err := redis.String(conn.Do("GET", fmt.Sprintf("%s:%s:duration", rl.prefix, name)))
	switch {
	case err == nil:
		if d, perr := time.ParseDuration(dynDuration); perr == nil {
			per = d
		}
	case err != redis.ErrNil:
		return 0, 0, err
	}

	rl.mu.Lock()
	rl.dynamic[name] = dynamicLimit{
		maxCalls:  maxCalls,
		per:       per,
		expiresAt: time.Now().Add(dynamicConfigCacheTTL),
	}
	rl.mu.Unlock()

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":      "ratelimit/redis",
		"name":      name,
		"max_calls": maxCalls,
		"duration":  per,
	}).Debug("refreshed dynamic config")

	return maxCalls, per, nil
}

func (rl nullRateLimiter) RateLimit(ctx gocontext.Context, name string, maxCalls uint64, per time.Duration) (bool, error) {
	return true, nil
}

package ratelimit

import (
	gocontext "context"
	"fmt"

	"github.com/gomodule/redigo/redis"
	"github.com/pborman/uuid"
)

// ConcurrencyLimiter caps how many holders of a named slot exist at once
// across processes. Acquire returns a token that must be passed to Release.
type ConcurrencyLimiter interface {
	Acquire(ctx gocontext.Context, name string) (token string, ok bool, err error)
	Release(ctx gocontext.Context, name, token string) error
}

type redisConcurrencyLimiter struct {
	pool   *redis.Pool
	prefix string
}

type nullConcurrencyLimiter struct{}

// NewConcurrencyLimiter creates a ConcurrencyLimiter backed by Redis. The
// limit for a name is read from <prefix>:<name>:max; without that key every
// Acquire succeeds.
func NewConcurrencyLimiter(redisURL, prefix string) ConcurrencyLimiter {
	return &redisConcurrencyLimiter{
		pool:   newRedisPool(redisURL),
		prefix: prefix,
	}
}

func NewNullConcurrencyLimiter() ConcurrencyLimiter {
	return nullConcurrencyLimiter{}
}

func (cl *redisConcurrencyLimiter) keys(name string) (setKey, maxKey string) {
	base := fmt.Sprintf("%s:%s", cl.prefix, name)
	return base + ":set", base + ":max"
}

func (cl *redisConcurrencyLimiter) Acquire(ctx gocontext.Context, name string) (string, bool, error) {
	conn, err := cl.pool.GetContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	setKey, maxKey := cl.keys(name)
	token := uuid.New()

	max, err := redis.Int64(conn.Do("GET", maxKey))
	if err == redis.ErrNil {
		return token, true, nil
	} else if err != nil {
		return "", false, err
	}

	if _, err := conn.Do("WATCH", setKey); err != nil {
		return "", false, err
	}

	cur, err := redis.Int64(conn.Do("SCARD", setKey))
	if err != nil {
		return "", false, err
	}
	if cur >= max {
		_, _ = conn.Do("UNWATCH")
		return "", false, nil
	}

	if err := conn.Send("MULTI"); err != nil {
		return "", false, err
	}
	if err := conn.Send("SADD", setKey, token); err != nil {
		return "", false, err
	}

	reply, err := conn.Do("EXEC")
	if err != nil {
		return "", false, err
	}
	if reply == nil {
		return "", false, nil
	}

	return token, true, nil
}

func (cl *redisConcurrencyLimiter) Release(ctx gocontext.Context, name, token string) error {
	conn, err := cl.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	setKey, _ := cl.keys(name)
	_, err = conn.Do("SREM", setKey, token)
	return err
}

func (nullConcurrencyLimiter) Acquire(ctx gocontext.Context, name string) (string, bool, error) {
	return uuid.New(), true, nil
}

func (nullConcurrencyLimiter) Release(ctx gocontext.Context, name, token string) error {
	return nil
}

package ratelimit

import (
	gocontext "context"
	"sync/atomic"
	"time"

	"github.com/cenk/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
)

const maxRateLimitErrors = 5

// APILimiter blocks provider API calls until the named limit lets them
// through.
type APILimiter struct {
	limiter  RateLimiter
	name     string
	maxCalls uint64
	per      time.Duration

	queueDepth int64
}

// NewAPILimiter returns an APILimiter for the given limit. A nil limiter or
// zero maxCalls lets every call through.
func NewAPILimiter(limiter RateLimiter, name string, maxCalls uint64, per time.Duration) *APILimiter {
	if limiter == nil || maxCalls == 0 {
		limiter = NewNullRateLimiter()
	}
	if per <= 0 {
		per = time.Second
	}

	return &APILimiter{
		limiter:  limiter,
		name:     name,
		maxCalls: maxCalls,
		per:      per,
	}
}

// Wait returns once a call may be made. Errors from the limiter are retried
// a few times before being returned.
func (l *APILimiter) Wait(ctx gocontext.Context) error {
	depth := atomic.AddInt64(&l.queueDepth, 1)
	defer atomic.AddInt64(&l.queueDepth, -1)
	metrics.Gauge("jclouds.rate-limit."+l.name+".queue", depth)

	startWait := time.Now()
	defer metrics.TimeSince("jclouds.rate-limit", startWait)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = l.per
	b.MaxElapsedTime = 0
	b.Reset()

	errCount := 0
	for {
		ok, err := l.limiter.RateLimit(ctx, l.name, l.maxCalls, l.per)
		if err != nil {
			errCount++
			if errCount >= maxRateLimitErrors {
				return errors.Wrap(err, "rate limiter failed repeatedly")
			}

			context.LoggerFromContext(ctx).WithFields(logrus.Fields{
				"self": "ratelimit/api",
				"err":  err,
				"name": l.name,
			}).Warn("rate limiter error, retrying")
		} else if ok {
			return nil
		}

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(ctx.Err(), "waiting for rate limit")
		}
	}
}

// Package poll implements the bounded retry loop used to wait for cloud
// resources and asynchronous jobs to reach a target state.
package poll

import (
	gocontext "context"
	"time"

	"github.com/cenk/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
)

const defaultMultiplier = 1.5

// Check reports whether the polled subject has reached its target state. An
// error aborts polling unless it is a transient error and the Config allows
// retrying it.
type Check func(ctx gocontext.Context) (bool, error)

// Config bounds a poll loop.
//
// A MaxWait of zero means the check is evaluated exactly once, without any
// sleeping. When MaxPeriod is greater than Period the interval between checks
// grows by Multiplier after every check until it reaches MaxPeriod; otherwise
// checks happen every Period.
type Config struct {
	MaxWait      time.Duration
	Period       time.Duration
	MaxPeriod    time.Duration
	Multiplier   float64
	InitialDelay time.Duration

	// TransientRetries is how many transient check errors are tolerated
	// before the error is returned. Zero surfaces the first one.
	TransientRetries int
}

// Constant returns a Config that checks every period for up to maxWait.
func Constant(maxWait, period time.Duration) Config {
	return Config{MaxWait: maxWait, Period: period, MaxPeriod: period}
}

// Exponential returns a Config whose interval starts at period and grows up
// to maxPeriod.
func Exponential(maxWait, period, maxPeriod time.Duration) Config {
	return Config{MaxWait: maxWait, Period: period, MaxPeriod: maxPeriod, Multiplier: defaultMultiplier}
}

// Once returns a Config that evaluates the check a single time.
func Once() Config {
	return Config{}
}

func (c Config) backOff() backoff.BackOff {
	period := c.Period
	if period <= 0 {
		period = time.Second
	}

	if c.MaxPeriod <= period {
		return backoff.NewConstantBackOff(period)
	}

	multiplier := c.Multiplier
	if multiplier <= 1 {
		multiplier = defaultMultiplier
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = period
	b.MaxInterval = c.MaxPeriod
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	// the deadline is enforced by Until
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Until evaluates check until it returns true or cfg.MaxWait has elapsed.
// Running out of time is not an error: Until returns false and the caller
// decides how to report it. A cancelled context stops the loop with the
// context's error.
func Until(ctx gocontext.Context, cfg Config, check Check) (bool, error) {
	logger := context.LoggerFromContext(ctx).WithField("self", "poll")

	if cfg.MaxWait <= 0 {
		metrics.Mark("jclouds.poll.tick")
		return check(ctx)
	}

	startedAt := time.Now()
	deadline := startedAt.Add(cfg.MaxWait)

	if cfg.InitialDelay > 0 {
		delay := cfg.InitialDelay
		if delay > cfg.MaxWait {
			delay = cfg.MaxWait
		}

		logger.WithField("duration", delay).Debug("sleeping before first check")
		if err := sleep(ctx, delay); err != nil {
			return false, err
		}
	}

	b := cfg.backOff()
	transientErrs := 0

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, errors.Wrap(err, "polling cancelled")
		}

		metrics.Mark("jclouds.poll.tick")
		ok, err := check(ctx)
		if err != nil {
			if !jcerrors.IsTransient(err) || transientErrs >= cfg.TransientRetries {
				return false, err
			}

			transientErrs++
			logger.WithFields(logrus.Fields{
				"err":     err,
				"attempt": attempt,
				"retries": transientErrs,
			}).Warn("transient error while polling, retrying")
		} else if ok {
			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"elapsed": time.Since(startedAt),
			}).Debug("check succeeded")
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.Mark("jclouds.poll.timeout")
			logger.WithFields(logrus.Fields{
				"attempts": attempt,
				"max_wait": cfg.MaxWait,
			}).Debug("gave up polling")
			return false, nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop || wait > remaining {
			wait = remaining
		}

		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"duration": wait,
		}).Debug("sleeping before next check")

		if err := sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

func sleep(ctx gocontext.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "polling cancelled")
	}
}

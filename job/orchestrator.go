package job

import (
	gocontext "context"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
	"github.com/jclouds/legacy-jclouds-sub040/poll"
)

const defaultParallelism = 4

// Orchestrator waits for jobs to complete and decodes their results. Polls
// are read-only; the call that started the job is never repeated.
type Orchestrator struct {
	fetcher     Fetcher
	registry    *Registry
	cfg         poll.Config
	parallelism int

	inflight *singleflight.Group
}

type Option func(*Orchestrator)

// WithDedupe makes concurrent Await calls for the same handle share a
// single poll loop. The shared loop ignores cancellation of any one caller;
// a cancelled caller stops waiting on its own.
func WithDedupe() Option {
	return func(o *Orchestrator) {
		o.inflight = &singleflight.Group{}
	}
}

// WithParallelism bounds how many handles AwaitAll polls at once.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

func NewOrchestrator(fetcher Fetcher, registry *Registry, cfg poll.Config, opts ...Option) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}

	o := &Orchestrator{
		fetcher:     fetcher,
		registry:    registry,
		cfg:         cfg,
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Config() poll.Config {
	return o.cfg
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Await polls handle until the job reaches a terminal status and returns
// its decoded result.
//
// A job that failed is returned as a *errors.ProviderError. Running out of
// time is returned as a *errors.TimeoutError, in which case the job may
// still be running.
func (o *Orchestrator) Await(ctx gocontext.Context, handle Handle) (*Result, error) {
	if o.inflight == nil {
		return o.await(ctx, handle)
	}

	// the shared loop outlives any single waiter and is bounded by MaxWait
	ch := o.inflight.DoChan(string(handle), func() (interface{}, error) {
		return o.await(gocontext.WithoutCancel(ctx), handle)
	})

	select {
	case res := <-ch:
		if res.Shared {
			context.LoggerFromContext(ctx).WithFields(logrus.Fields{
				"self": "job/orchestrator",
				"job":  handle,
			}).Debug("shared in-flight await")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "stopped waiting for job %s", handle)
	}
}

func (o *Orchestrator) await(ctx gocontext.Context, handle Handle) (*Result, error) {
	if _, ok := context.UUIDFromContext(ctx); !ok {
		ctx = context.FromUUID(ctx, uuid.NewRandom().String())
	}
	ctx = context.FromJobHandle(ctx, string(handle))

	ctx, span := trace.StartSpan(ctx, "Orchestrator.Await")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("job_handle", string(handle)))

	logger := context.LoggerFromContext(ctx).WithField("self", "job/orchestrator")
	startedAt := time.Now()
	defer context.TimeSince(ctx, "job.await", startedAt)

	ok, err := poll.Until(ctx, o.cfg, func(ctx gocontext.Context) (bool, error) {
		return JobComplete(o.fetcher)(ctx, handle)
	})
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnavailable, Message: err.Error()})
		return nil, errors.Wrapf(err, "error awaiting job %s", handle)
	}

	if !ok {
		elapsed := time.Since(startedAt)
		metrics.Mark("jclouds.job.timeout")
		span.SetStatus(trace.Status{Code: trace.StatusCodeDeadlineExceeded, Message: "job did not complete"})
		logger.WithFields(logrus.Fields{
			"max_wait": o.cfg.MaxWait,
			"elapsed":  elapsed,
		}).Error("job did not complete in time")
		return nil, &jcerrors.TimeoutError{Handle: string(handle), Bound: o.cfg.MaxWait, Elapsed: elapsed}
	}

	job, err := o.fetcher.JobResult(ctx, handle)
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnavailable, Message: err.Error()})
		return nil, errors.Wrapf(err, "couldn't get result of job %s", handle)
	}

	result, err := o.registry.Dispatch(ctx, job)
	if err == nil && job.Status == StatusFailed {
		err = jcerrors.NewProviderError(fmt.Sprintf("%d", job.ResultCode), fmt.Sprintf("job %s failed", handle))
	}
	if err != nil {
		if jcerrors.IsProviderFailure(err) {
			metrics.Mark("jclouds.job.failed")
			span.SetStatus(trace.Status{Code: trace.StatusCodeAborted, Message: err.Error()})
			logger.WithField("err", err).Error("job failed")
			return nil, err
		}
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"command": job.Command,
		"type":    result.Type,
		"shape":   result.Shape,
		"elapsed": time.Since(startedAt),
	}).Info("job completed")

	return result, nil
}

// AwaitCompletion waits for handle and discards the decoded result.
func (o *Orchestrator) AwaitCompletion(ctx gocontext.Context, handle Handle) error {
	_, err := o.Await(ctx, handle)
	return err
}

// AwaitAll waits for every handle, polling several at once. Results are in
// the order of handles. The first error cancels the remaining waits.
func (o *Orchestrator) AwaitAll(ctx gocontext.Context, handles []Handle) ([]*Result, error) {
	results := make([]*Result, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)

	for i, handle := range handles {
		i, handle := i, handle
		g.Go(func() error {
			result, err := o.Await(gctx, handle)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AwaitAs waits for handle and returns its result as a T. A result of any
// other type is returned as a *errors.UnrecognizedResultError holding the
// job.
func AwaitAs[T any](ctx gocontext.Context, o *Orchestrator, handle Handle) (T, error) {
	var zero T

	result, err := o.Await(ctx, handle)
	if err != nil {
		return zero, err
	}

	v, ok := result.Value.(T)
	if !ok {
		metrics.Mark("jclouds.job.unrecognized")
		context.LoggerFromContext(ctx).WithFields(logrus.Fields{
			"self":  "job/orchestrator",
			"job":   handle,
			"shape": result.Shape,
			"type":  result.Type,
		}).Warn("job result is not of the expected type")
		return zero, &jcerrors.UnrecognizedResultError{Job: result.Job, Want: fmt.Sprintf("%T", zero)}
	}
	return v, nil
}

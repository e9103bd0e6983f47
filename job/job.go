// Package job turns the handle of an asynchronous provider job into its
// typed result or a typed failure.
package job

import (
	gocontext "context"
	"fmt"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	"github.com/jclouds/legacy-jclouds-sub040/poll"
)

// Handle identifies an asynchronous job. Providers return it immediately
// from the call that started the mutation.
type Handle string

func (h Handle) String() string { return string(h) }

// Status is the tri-state outcome of a job. The numeric values match the
// CloudStack jobstatus field.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition will happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// AsyncJob is a read of a job. Result is the untyped key/value mapping
// holding either the single typed result or an errorcode/errortext pair.
type AsyncJob struct {
	ID         Handle
	Command    string
	Status     Status
	ResultCode int
	ResultType string
	Result     *simplejson.Json
}

// StatusFetcher reads the current status of a job.
type StatusFetcher interface {
	JobStatus(ctx gocontext.Context, handle Handle) (Status, error)
}

// ResultFetcher reads a job including its result payload. It is called once,
// after the job reached a terminal status.
type ResultFetcher interface {
	JobResult(ctx gocontext.Context, handle Handle) (*AsyncJob, error)
}

type Fetcher interface {
	StatusFetcher
	ResultFetcher
}

// JobComplete reports whether the job reached SUCCEEDED or FAILED.
func JobComplete(fetcher StatusFetcher) func(gocontext.Context, Handle) (bool, error) {
	return func(ctx gocontext.Context, handle Handle) (bool, error) {
		status, err := fetcher.JobStatus(ctx, handle)
		if err != nil {
			return false, errors.Wrapf(err, "couldn't get status of job %s", handle)
		}

		context.LoggerFromContext(ctx).WithFields(logrus.Fields{
			"self":   "job/complete",
			"job":    handle,
			"status": status,
		}).Debug("checked job status")

		return status.Terminal(), nil
	}
}

func NewJobComplete(fetcher StatusFetcher, cfg poll.Config) *poll.RetryablePredicate[Handle] {
	return poll.NewRetryablePredicate(JobComplete(fetcher), cfg)
}

package jclouds

import (
	gocontext "context"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/backend"
	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
	"github.com/jclouds/legacy-jclouds-sub040/poll"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ssh"
)

// ErrNoJobSupport is returned when waiting for a job on a provider whose
// mutations do not return job handles.
var ErrNoJobSupport = fmt.Errorf("provider does not support asynchronous jobs")

// ErrNoSSH is returned when running a script without an SSH dialer.
var ErrNoSSH = fmt.Errorf("no SSH key configured")

// Outcome describes a finished wait.
type Outcome struct {
	Kind      string        `json:"kind"`
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	State     string        `json:"state,omitempty"`

	ResultKey  string      `json:"result_key,omitempty"`
	ResultType string      `json:"result_type,omitempty"`
	Shape      string      `json:"shape,omitempty"`
	Value      interface{} `json:"value,omitempty"`
}

// Awaiter runs the waits offered by the command line and the HTTP API
// against one provider.
type Awaiter struct {
	Provider     backend.Provider
	Orchestrator *job.Orchestrator
	// Dialer connects to nodes for RunScript. It is nil when no SSH key is
	// configured.
	Dialer ssh.Dialer

	cfg *config.Config
}

// NewAwaiter builds an Awaiter. Job waits are only available when provider
// is a backend.JobProvider.
func NewAwaiter(cfg *config.Config, provider backend.Provider) *Awaiter {
	a := &Awaiter{Provider: provider, cfg: cfg}

	if jp, ok := provider.(backend.JobProvider); ok {
		opts := []job.Option{job.WithParallelism(cfg.AwaitParallelism)}
		if cfg.DedupeJobs {
			opts = append(opts, job.WithDedupe())
		}
		a.Orchestrator = job.NewOrchestrator(jp, jp.ResultRegistry(), cfg.JobPollConfig(), opts...)
	}

	return a
}

func (a *Awaiter) context(ctx gocontext.Context, operation, id string) gocontext.Context {
	ctx = context.FromUUID(ctx, uuid.NewRandom().String())
	ctx = context.FromProvider(ctx, a.cfg.ProviderName)
	ctx = context.FromOperation(ctx, operation)
	return context.FromResourceID(ctx, id)
}

func timedOut(ctx gocontext.Context, id string, cfg poll.Config, startedAt time.Time) error {
	elapsed := time.Since(startedAt)
	metrics.Mark("jclouds.await.timeout")
	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":     "awaiter",
		"max_wait": cfg.MaxWait,
		"elapsed":  elapsed,
	}).Error("resource did not reach target state in time")

	return &jcerrors.TimeoutError{
		Handle:  id,
		Bound:   cfg.MaxWait,
		Elapsed: elapsed,
	}
}

// AwaitJob waits for the job behind handle and decodes its result.
func (a *Awaiter) AwaitJob(ctx gocontext.Context, handle string) (*Outcome, error) {
	if a.Orchestrator == nil {
		return nil, ErrNoJobSupport
	}

	ctx = a.context(ctx, "await-job", handle)
	startedAt := time.Now()

	result, err := a.Orchestrator.Await(ctx, job.Handle(handle))
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Kind:       "job",
		ID:         handle,
		StartedAt:  startedAt,
		Elapsed:    time.Since(startedAt),
		ResultKey:  result.Key,
		ResultType: result.Type,
		Shape:      result.Shape.String(),
		Value:      result.Value,
	}
	if result.Job != nil {
		out.State = result.Job.Status.String()
	}
	return out, nil
}

// AwaitNode waits for the node to be running, or to be gone when terminated
// is set.
func (a *Awaiter) AwaitNode(ctx gocontext.Context, id string, terminated bool) (*Outcome, error) {
	operation, cfg := "await-node", a.cfg.NodeRunningPollConfig()
	check := predicate.NewNodeRunning(a.Provider, cfg)
	if terminated {
		operation, cfg = "await-node-terminated", a.cfg.NodeTerminatedPollConfig()
		check = predicate.NewNodeTerminated(a.Provider, cfg)
	}

	ctx = a.context(ctx, operation, id)
	startedAt := time.Now()
	ref := predicate.NewRef(predicate.Node{ID: id})

	ok, err := check.Apply(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, timedOut(ctx, id, cfg, startedAt)
	}

	node := ref.Load()
	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":  "awaiter",
		"state": node.State,
	}).Info("node reached target state")

	return &Outcome{
		Kind:      "node",
		ID:        id,
		StartedAt: startedAt,
		Elapsed:   time.Since(startedAt),
		State:     string(node.State),
		Value:     node,
	}, nil
}

func (a *Awaiter) AwaitImage(ctx gocontext.Context, id string) (*Outcome, error) {
	cfg := a.cfg.ImageAvailablePollConfig()
	ctx = a.context(ctx, "await-image", id)
	startedAt := time.Now()
	ref := predicate.NewRef(predicate.Image{ID: id})

	ok, err := predicate.NewImageAvailable(a.Provider, cfg).Apply(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, timedOut(ctx, id, cfg, startedAt)
	}

	image := ref.Load()
	return &Outcome{
		Kind:      "image",
		ID:        id,
		StartedAt: startedAt,
		Elapsed:   time.Since(startedAt),
		State:     string(image.State),
		Value:     image,
	}, nil
}

// AwaitTask waits for a provider task to succeed. Tasks are bounded by the
// job timeout.
func (a *Awaiter) AwaitTask(ctx gocontext.Context, id string) (*Outcome, error) {
	cfg := a.cfg.JobPollConfig()
	ctx = a.context(ctx, "await-task", id)
	startedAt := time.Now()

	ok, err := predicate.NewTaskSuccess(a.Provider, cfg).Apply(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, timedOut(ctx, id, cfg, startedAt)
	}

	return &Outcome{
		Kind:      "task",
		ID:        id,
		StartedAt: startedAt,
		Elapsed:   time.Since(startedAt),
		State:     string(predicate.TaskStatusSuccess),
	}, nil
}

// RunScript waits for the node to be running, runs script on it and waits
// for the script to finish within the script-complete timeout.
func (a *Awaiter) RunScript(ctx gocontext.Context, nodeID string, script ssh.InitScript) (*Outcome, error) {
	if a.Dialer == nil {
		return nil, ErrNoSSH
	}

	nodeCfg := a.cfg.NodeRunningPollConfig()
	ctx = a.context(ctx, "run-script", nodeID)
	startedAt := time.Now()
	ref := predicate.NewRef(predicate.Node{ID: nodeID})

	ok, err := predicate.NewNodeRunning(a.Provider, nodeCfg).Apply(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, timedOut(ctx, nodeID, nodeCfg, startedAt)
	}

	node := ref.Load()
	address := nodeAddress(node)
	if address == "" {
		return nil, fmt.Errorf("node %s has no address", nodeID)
	}

	conn, err := a.Dialer.Dial(address, a.cfg.SSHUser)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	result, err := ssh.RunInitScript(ctx, conn, script, a.cfg.ScriptCompletePollConfig())
	if err != nil {
		return nil, err
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":      "awaiter",
		"address":   address,
		"exit_code": result.ExitCode,
	}).Info("script finished")

	return &Outcome{
		Kind:      "script",
		ID:        nodeID,
		StartedAt: startedAt,
		Elapsed:   time.Since(startedAt),
		State:     fmt.Sprintf("exit %d", result.ExitCode),
		Value:     result,
	}, nil
}

func nodeAddress(node predicate.Node) string {
	if len(node.PublicAddrs) > 0 {
		return node.PublicAddrs[0]
	}
	if len(node.PrivateAddrs) > 0 {
		return node.PrivateAddrs[0]
	}
	return ""
}

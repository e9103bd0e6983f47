package backend

import (
	gocontext "context"
	"strconv"
	"strings"
	"sync"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"

	"github.com/jclouds/legacy-jclouds-sub040/cloudstack"
	"github.com/jclouds/legacy-jclouds-sub040/config"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

func init() {
	Register("fake", "Fake", map[string]string{
		"NODE_STATES":   "comma-separated node states returned by successive reads (default RUNNING)",
		"IMAGE_STATES":  "comma-separated image states returned by successive reads (default AVAILABLE)",
		"TASK_STATUSES": "comma-separated task statuses returned by successive reads (default success)",
		"JOB_STATUSES":  "comma-separated job statuses (0 pending, 1 succeeded, 2 failed) (default 1)",
		"JOB_RESULT":    "JSON job result returned once a job is terminal",
		"MISSING":       "comma-separated ids reported as not found",
	}, newFakeProvider)
}

// fakeProvider replays scripted states. Every id advances through the script
// on its own and stays on the last entry.
type fakeProvider struct {
	nodeStates   []string
	imageStates  []string
	taskStatuses []string
	jobStatuses  []job.Status
	jobResult    *simplejson.Json
	missing      map[string]bool

	limiter  *ratelimit.APILimiter
	registry *job.Registry

	mutex sync.Mutex
	reads map[string]int
}

func newFakeProvider(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	p := &fakeProvider{
		nodeStates:   splitList(stringOr(cfg, "NODE_STATES", string(predicate.NodeStateRunning))),
		imageStates:  splitList(stringOr(cfg, "IMAGE_STATES", string(predicate.ImageStateAvailable))),
		taskStatuses: splitList(stringOr(cfg, "TASK_STATUSES", string(predicate.TaskStatusSuccess))),
		missing:      map[string]bool{},
		limiter:      limiter,
		registry:     cloudstack.DefaultResultRegistry(),
		reads:        map[string]int{},
	}

	for _, s := range splitList(stringOr(cfg, "JOB_STATUSES", "1")) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid job status %q", s)
		}
		p.jobStatuses = append(p.jobStatuses, job.Status(n))
	}
	if len(p.jobStatuses) == 0 {
		return nil, errors.New("JOB_STATUSES must not be empty")
	}

	if cfg.IsSet("JOB_RESULT") {
		result, err := simplejson.NewJson([]byte(cfg.Get("JOB_RESULT")))
		if err != nil {
			return nil, errors.Wrap(err, "invalid JOB_RESULT")
		}
		p.jobResult = result
	}

	for _, id := range splitList(cfg.Get("MISSING")) {
		p.missing[id] = true
	}

	return p, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *fakeProvider) next(ctx gocontext.Context, kind, id string, n int) (int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	if p.missing[id] {
		return 0, errors.Wrapf(jcerrors.ErrNotFound, "%s %s", kind, id)
	}
	if n == 0 {
		return 0, errors.Errorf("no %s states scripted", kind)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := kind + "/" + id
	i := p.reads[key]
	p.reads[key]++
	if i >= n {
		i = n - 1
	}
	return i, nil
}

func (p *fakeProvider) GetNode(ctx gocontext.Context, id string) (*predicate.Node, error) {
	i, err := p.next(ctx, "node", id, len(p.nodeStates))
	if err != nil {
		return nil, err
	}

	state := p.nodeStates[i]
	return &predicate.Node{
		ID:            id,
		Name:          "fake-" + id,
		State:         predicate.NodeState(strings.ToUpper(state)),
		ProviderState: state,
		PrivateAddrs:  []string{"127.0.0.1"},
	}, nil
}

func (p *fakeProvider) GetImage(ctx gocontext.Context, id string) (*predicate.Image, error) {
	i, err := p.next(ctx, "image", id, len(p.imageStates))
	if err != nil {
		return nil, err
	}

	state := p.imageStates[i]
	return &predicate.Image{
		ID:            id,
		Name:          "fake-" + id,
		State:         predicate.ImageState(strings.ToUpper(state)),
		ProviderState: state,
	}, nil
}

func (p *fakeProvider) GetTask(ctx gocontext.Context, id string) (*predicate.Task, error) {
	i, err := p.next(ctx, "task", id, len(p.taskStatuses))
	if err != nil {
		return nil, err
	}

	task := &predicate.Task{
		ID:        id,
		Operation: "fake",
		Status:    predicate.TaskStatus(strings.ToLower(p.taskStatuses[i])),
	}
	if task.Status == predicate.TaskStatusError {
		task.ErrorText = "fake task failed"
	}
	return task, nil
}

func (p *fakeProvider) JobStatus(ctx gocontext.Context, handle job.Handle) (job.Status, error) {
	i, err := p.next(ctx, "job", string(handle), len(p.jobStatuses))
	if err != nil {
		return job.StatusPending, err
	}
	return p.jobStatuses[i], nil
}

func (p *fakeProvider) JobResult(ctx gocontext.Context, handle job.Handle) (*job.AsyncJob, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if p.missing[string(handle)] {
		return nil, errors.Wrapf(jcerrors.ErrNotFound, "job %s", handle)
	}

	p.mutex.Lock()
	i := p.reads["job/"+string(handle)] - 1
	p.mutex.Unlock()

	if i < 0 {
		i = 0
	}
	if i >= len(p.jobStatuses) {
		i = len(p.jobStatuses) - 1
	}

	return &job.AsyncJob{
		ID:      handle,
		Command: "fake",
		Status:  p.jobStatuses[i],
		Result:  p.jobResult,
	}, nil
}

func (p *fakeProvider) ResultRegistry() *job.Registry {
	return p.registry
}

package backend

import (
	gocontext "context"
	"net/http"
	"strconv"

	"github.com/jclouds/legacy-jclouds-sub040/cloudstack"
	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

var defaultCloudStackHTTPTimeout = "30s"

func init() {
	Register("cloudstack", "CloudStack", map[string]string{
		"ENDPOINT":     "[REQUIRED] API endpoint, e.g. https://cloud.example.com/client/api",
		"API_KEY":      "[REQUIRED] API key",
		"SECRET_KEY":   "[REQUIRED] secret key used to sign requests",
		"HTTP_TIMEOUT": "timeout of a single API request (default " + defaultCloudStackHTTPTimeout + ")",
	}, newCloudStackProvider)
}

type cloudStackProvider struct {
	*cloudstack.Client

	registry *job.Registry
}

func newCloudStackProvider(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	if !cfg.IsSet("ENDPOINT") {
		return nil, ErrMissingEndpointConfig
	}
	if err := requireKeys(cfg, "API_KEY", "SECRET_KEY"); err != nil {
		return nil, err
	}

	timeout, err := cfg.GetDuration("HTTP_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}

	opts := []cloudstack.ClientOption{cloudstack.WithAPILimiter(limiter)}
	if timeout > 0 {
		opts = append(opts, cloudstack.WithHTTPClient(&http.Client{Timeout: timeout}))
	}

	client, err := cloudstack.NewClient(cfg.Get("ENDPOINT"), cfg.Get("API_KEY"), cfg.Get("SECRET_KEY"), opts...)
	if err != nil {
		return nil, err
	}

	return &cloudStackProvider{
		Client:   client,
		registry: cloudstack.DefaultResultRegistry(),
	}, nil
}

func (p *cloudStackProvider) ResultRegistry() *job.Registry {
	return p.registry
}

// GetTask reads an asynchronous job as a task. The job's command is the
// task's operation.
func (p *cloudStackProvider) GetTask(ctx gocontext.Context, id string) (*predicate.Task, error) {
	j, err := p.JobResult(ctx, job.Handle(id))
	if err != nil {
		return nil, err
	}

	task := &predicate.Task{
		ID:        string(j.ID),
		Operation: j.Command,
	}

	switch j.Status {
	case job.StatusSucceeded:
		task.Status = predicate.TaskStatusSuccess
	case job.StatusFailed:
		task.Status = predicate.TaskStatusError
		if j.Result != nil {
			task.ErrorCode = j.Result.Get("errorcode").MustString()
			if task.ErrorCode == "" {
				if code, err := j.Result.Get("errorcode").Int(); err == nil && code != 0 {
					task.ErrorCode = strconv.Itoa(code)
				}
			}
			task.ErrorText = j.Result.Get("errortext").MustString()
		}
	default:
		task.Status = predicate.TaskStatusRunning
	}

	return task, nil
}

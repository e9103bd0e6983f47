package backend

import (
	gocontext "context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

var (
	defaultGCEZone = "us-central1-f"

	gceCustomHTTPTransport     http.RoundTripper
	gceCustomHTTPTransportLock sync.Mutex
)

func init() {
	Register("gce", "Google Compute Engine", map[string]string{
		"ACCOUNT_JSON": "account JSON config (file name or JSON body), default is the application default credentials",
		"PROJECT_ID":   "[REQUIRED] GCE project id",
		"ZONE":         fmt.Sprintf("zone name (default %q)", defaultGCEZone),
		"ENDPOINT":     "override the compute API base path, e.g. for an emulator",
	}, newGCEProvider)
}

type gceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

type gceProvider struct {
	client    *compute.Service
	projectID string
	zone      string
	limiter   *ratelimit.APILimiter
}

func newGCEProvider(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	if err := requireKeys(cfg, "PROJECT_ID"); err != nil {
		return nil, err
	}

	client, err := buildGoogleComputeService(cfg)
	if err != nil {
		return nil, err
	}

	return &gceProvider{
		client:    client,
		projectID: cfg.Get("PROJECT_ID"),
		zone:      stringOr(cfg, "ZONE", defaultGCEZone),
		limiter:   limiter,
	}, nil
}

func buildGoogleComputeService(cfg *config.ProviderConfig) (*compute.Service, error) {
	ctx := gocontext.Background()

	var (
		client *http.Client
		err    error
	)

	switch {
	case cfg.IsSet("ACCOUNT_JSON"):
		a, err := loadGoogleAccountJSON(cfg.Get("ACCOUNT_JSON"))
		if err != nil {
			return nil, err
		}

		jwtConfig := jwt.Config{
			Email:      a.ClientEmail,
			PrivateKey: []byte(a.PrivateKey),
			Scopes:     []string{compute.ComputeReadonlyScope},
			TokenURL:   "https://accounts.google.com/o/oauth2/token",
		}
		client = jwtConfig.Client(oauth2.NoContext)
	case cfg.IsSet("ENDPOINT"):
		client = &http.Client{}
	default:
		client, err = google.DefaultClient(ctx, compute.ComputeReadonlyScope)
		if err != nil {
			return nil, errors.Wrap(err, "couldn't find default google credentials")
		}
	}

	gceCustomHTTPTransportLock.Lock()
	if gceCustomHTTPTransport != nil {
		client.Transport = gceCustomHTTPTransport
	}
	gceCustomHTTPTransportLock.Unlock()

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.IsSet("ENDPOINT") {
		opts = append(opts, option.WithEndpoint(cfg.Get("ENDPOINT")))
	}

	return compute.NewService(ctx, opts...)
}

func loadGoogleAccountJSON(filenameOrJSON string) (*gceAccountJSON, error) {
	var (
		bytes []byte
		err   error
	)

	if strings.HasPrefix(strings.TrimSpace(filenameOrJSON), "{") {
		bytes = []byte(filenameOrJSON)
	} else {
		bytes, err = os.ReadFile(filenameOrJSON)
		if err != nil {
			return nil, err
		}
	}

	a := &gceAccountJSON{}
	err = json.Unmarshal(bytes, a)
	return a, err
}

func gceError(err error, what string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return errors.Wrap(jcerrors.ErrNotFound, what)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return jcerrors.NewTransientError(errors.Wrapf(err, "couldn't get %s", what))
		}
	}
	return errors.Wrapf(err, "couldn't get %s", what)
}

func gceNodeState(status string) predicate.NodeState {
	switch status {
	case "PROVISIONING", "STAGING", "STOPPING", "SUSPENDING", "REPAIRING":
		return predicate.NodeStatePending
	case "RUNNING":
		return predicate.NodeStateRunning
	case "SUSPENDED", "TERMINATED", "STOPPED":
		return predicate.NodeStateSuspended
	default:
		return predicate.NodeStateUnrecognized
	}
}

func gceImageState(status string) predicate.ImageState {
	switch status {
	case "PENDING":
		return predicate.ImageStatePending
	case "READY":
		return predicate.ImageStateAvailable
	case "DELETING":
		return predicate.ImageStateDeleted
	case "FAILED":
		return predicate.ImageStateError
	default:
		return predicate.ImageStateUnrecognized
	}
}

func (p *gceProvider) GetNode(ctx gocontext.Context, id string) (*predicate.Node, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	inst, err := p.client.Instances.Get(p.projectID, p.zone, id).Context(ctx).Do()
	if err != nil {
		return nil, gceError(err, "instance "+id)
	}

	node := &predicate.Node{
		ID:            inst.Name,
		Name:          inst.Name,
		State:         gceNodeState(inst.Status),
		ProviderState: inst.Status,
		StatusDetail:  inst.StatusMessage,
	}
	for _, ni := range inst.NetworkInterfaces {
		if ni.NetworkIP != "" {
			node.PrivateAddrs = append(node.PrivateAddrs, ni.NetworkIP)
		}
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				node.PublicAddrs = append(node.PublicAddrs, ac.NatIP)
			}
		}
	}

	return node, nil
}

// GetImage accepts either an image name in the configured project or
// "<project>/<name>".
func (p *gceProvider) GetImage(ctx gocontext.Context, id string) (*predicate.Image, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	project, name := p.projectID, id
	if parts := strings.SplitN(id, "/", 2); len(parts) == 2 {
		project, name = parts[0], parts[1]
	}

	image, err := p.client.Images.Get(project, name).Context(ctx).Do()
	if err != nil {
		return nil, gceError(err, "image "+id)
	}

	return &predicate.Image{
		ID:            id,
		Name:          image.Name,
		State:         gceImageState(image.Status),
		ProviderState: image.Status,
	}, nil
}

// GetTask reads a zone operation as a task. An operation that is DONE
// carries its failure in the operation's error list.
func (p *gceProvider) GetTask(ctx gocontext.Context, id string) (*predicate.Task, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	op, err := p.client.ZoneOperations.Get(p.projectID, p.zone, id).Context(ctx).Do()
	if err != nil {
		return nil, gceError(err, "operation "+id)
	}

	task := &predicate.Task{
		ID:        op.Name,
		Operation: op.OperationType,
	}

	switch op.Status {
	case "PENDING":
		task.Status = predicate.TaskStatusQueued
	case "RUNNING":
		task.Status = predicate.TaskStatusRunning
	case "DONE":
		task.Status = predicate.TaskStatusSuccess
		if op.Error != nil && len(op.Error.Errors) > 0 {
			task.Status = predicate.TaskStatusError
			task.ErrorCode = op.Error.Errors[0].Code
			msgs := []string{}
			for _, e := range op.Error.Errors {
				msgs = append(msgs, e.Message)
			}
			task.ErrorText = strings.Join(msgs, "; ")
		} else if op.HttpErrorStatusCode >= 400 {
			task.Status = predicate.TaskStatusError
			task.ErrorCode = strconv.FormatInt(op.HttpErrorStatusCode, 10)
			task.ErrorText = op.HttpErrorMessage
		}
	default:
		task.Status = predicate.TaskStatusRunning
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":     "backend/gce_provider",
		"op":       op.Name,
		"status":   op.Status,
		"progress": op.Progress,
	}).Debug("fetched zone operation")

	return task, nil
}

package backend

import (
	gocontext "context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rackspace/gophercloud"
	"github.com/rackspace/gophercloud/openstack"
	"github.com/rackspace/gophercloud/openstack/compute/v2/images"
	"github.com/rackspace/gophercloud/openstack/compute/v2/servers"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

var defaultOSRegion = "RegionOne"

func init() {
	Register("openstack", "OpenStack", map[string]string{
		"ENDPOINT":    "[REQUIRED] Keystone/Identity Service Endpoint",
		"TENANT_NAME": "[REQUIRED] Openstack tenant name",
		"OS_USERNAME": "[REQUIRED] Openstack user name",
		"OS_PASSWORD": "[REQUIRED] Openstack user password",
		"OS_DOMAIN":   "Openstack domain name, only used with keystone v3",
		"OS_REGION":   fmt.Sprintf("Openstack region (default %s)", defaultOSRegion),
	}, newOpenStackProvider)
}

type openStackProvider struct {
	client  *gophercloud.ServiceClient
	limiter *ratelimit.APILimiter
}

func newOpenStackProvider(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	if !cfg.IsSet("ENDPOINT") {
		return nil, ErrMissingEndpointConfig
	}
	if err := requireKeys(cfg, "TENANT_NAME", "OS_USERNAME", "OS_PASSWORD"); err != nil {
		return nil, err
	}

	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.Get("ENDPOINT"),
		Username:         cfg.Get("OS_USERNAME"),
		Password:         cfg.Get("OS_PASSWORD"),
		TenantName:       cfg.Get("TENANT_NAME"),
		AllowReauth:      true,
	}
	if strings.HasSuffix(strings.TrimSuffix(cfg.Get("ENDPOINT"), "/"), "/v3") {
		opts.DomainName = cfg.Get("OS_DOMAIN")
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't authenticate with keystone")
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: stringOr(cfg, "OS_REGION", defaultOSRegion),
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't find the compute endpoint")
	}

	return &openStackProvider{client: client, limiter: limiter}, nil
}

func openStackError(err error, what string) error {
	var uerr *gophercloud.UnexpectedResponseCodeError
	if errors.As(err, &uerr) {
		switch {
		case uerr.Actual == 404:
			return errors.Wrap(jcerrors.ErrNotFound, what)
		case uerr.Actual >= 500:
			return jcerrors.NewTransientError(errors.Wrapf(err, "couldn't get %s", what))
		}
	}
	return errors.Wrapf(err, "couldn't get %s", what)
}

func openStackNodeState(status string) predicate.NodeState {
	switch status {
	case "BUILD", "REBUILD", "REBOOT", "HARD_REBOOT", "RESIZE", "VERIFY_RESIZE",
		"REVERT_RESIZE", "PASSWORD", "MIGRATING":
		return predicate.NodeStatePending
	case "ACTIVE":
		return predicate.NodeStateRunning
	case "SHUTOFF", "SUSPENDED", "PAUSED", "SHELVED", "SHELVED_OFFLOADED":
		return predicate.NodeStateSuspended
	case "DELETED", "SOFT_DELETED":
		return predicate.NodeStateTerminated
	case "ERROR":
		return predicate.NodeStateError
	default:
		return predicate.NodeStateUnrecognized
	}
}

func openStackImageState(status string) predicate.ImageState {
	switch status {
	case "SAVING", "QUEUED":
		return predicate.ImageStatePending
	case "ACTIVE":
		return predicate.ImageStateAvailable
	case "DELETED":
		return predicate.ImageStateDeleted
	case "ERROR", "KILLED":
		return predicate.ImageStateError
	default:
		return predicate.ImageStateUnrecognized
	}
}

// serverAddrs splits the addresses of a server into public and private ones.
// Floating addresses are public, as is every address on a network named
// "public" when the type extension is absent.
func serverAddrs(server *servers.Server) (public, private []string) {
	networks := []string{}
	for network := range server.Addresses {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	for _, network := range networks {
		entries, ok := server.Addresses[network].([]interface{})
		if !ok {
			continue
		}
		for _, entry := range entries {
			fields, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			addr, _ := fields["addr"].(string)
			if addr == "" {
				continue
			}

			kind, _ := fields["OS-EXT-IPS:type"].(string)
			if kind == "floating" || (kind == "" && network == "public") {
				public = append(public, addr)
			} else {
				private = append(private, addr)
			}
		}
	}

	if server.AccessIPv4 != "" && !contains(public, server.AccessIPv4) {
		public = append(public, server.AccessIPv4)
	}
	return public, private
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (p *openStackProvider) GetNode(ctx gocontext.Context, id string) (*predicate.Node, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	server, err := servers.Get(p.client, id).Extract()
	if err != nil {
		return nil, openStackError(err, "server "+id)
	}

	public, private := serverAddrs(server)
	node := &predicate.Node{
		ID:            server.ID,
		Name:          server.Name,
		State:         openStackNodeState(server.Status),
		ProviderState: server.Status,
		PublicAddrs:   public,
		PrivateAddrs:  private,
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":     "backend/openstack_provider",
		"id":       id,
		"status":   server.Status,
		"progress": server.Progress,
	}).Debug("fetched server")

	return node, nil
}

func (p *openStackProvider) GetImage(ctx gocontext.Context, id string) (*predicate.Image, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	image, err := images.Get(p.client, id).Extract()
	if err != nil {
		return nil, openStackError(err, "image "+id)
	}

	return &predicate.Image{
		ID:            image.ID,
		Name:          image.Name,
		State:         openStackImageState(image.Status),
		ProviderState: image.Status,
	}, nil
}

// GetTask is not supported; compute mutations on OpenStack are observed
// through the state of the server itself.
func (p *openStackProvider) GetTask(ctx gocontext.Context, id string) (*predicate.Task, error) {
	return nil, ErrTasksUnsupported
}

// Package backend holds the provider backends whose status fetchers feed the
// node, image and task predicates.
package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

var (
	backendRegistry      = map[string]*Backend{}
	backendRegistryMutex sync.Mutex

	// ErrMissingEndpointConfig is returned if the provider config was missing
	// an 'ENDPOINT' configuration, but one is required.
	ErrMissingEndpointConfig = fmt.Errorf("expected config key endpoint")

	// ErrTasksUnsupported is returned by GetTask of providers without a task
	// resource.
	ErrTasksUnsupported = fmt.Errorf("provider has no tasks")
)

// Provider reads the state of nodes, images and tasks from a cloud.
type Provider interface {
	predicate.NodeGetter
	predicate.ImageGetter
	predicate.TaskGetter
}

// JobProvider is a Provider whose mutations return asynchronous job handles.
type JobProvider interface {
	Provider
	job.Fetcher

	// ResultRegistry decodes the results of the provider's jobs.
	ResultRegistry() *job.Registry
}

// ProviderFunc builds a Provider. limiter is waited on before every API call.
type ProviderFunc func(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error)

// Backend wraps up an alias, backend provider help, and a factory func for a
// given backend provider
type Backend struct {
	Alias             string
	HumanReadableName string
	ProviderHelp      map[string]string
	ProviderFunc      ProviderFunc
}

// Register adds a backend to the registry!
func Register(alias, humanReadableName string, providerHelp map[string]string, providerFunc ProviderFunc) {
	backendRegistryMutex.Lock()
	defer backendRegistryMutex.Unlock()

	backendRegistry[alias] = &Backend{
		Alias:             alias,
		HumanReadableName: humanReadableName,
		ProviderHelp:      providerHelp,
		ProviderFunc:      providerFunc,
	}
}

// NewBackendProvider looks up a backend by its alias and returns a provider via
// the factory func on the registered *Backend
func NewBackendProvider(alias string, cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	backendRegistryMutex.Lock()
	b, ok := backendRegistry[alias]
	backendRegistryMutex.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend provider: %s", alias)
	}

	if limiter == nil {
		limiter = ratelimit.NewAPILimiter(nil, alias, 0, 0)
	}

	return b.ProviderFunc(cfg, limiter)
}

// EachBackend calls a given function for each registered backend
func EachBackend(f func(*Backend)) {
	backendRegistryMutex.Lock()
	defer backendRegistryMutex.Unlock()

	backendAliases := []string{}
	for backendAlias := range backendRegistry {
		backendAliases = append(backendAliases, backendAlias)
	}

	sort.Strings(backendAliases)

	for _, backendAlias := range backendAliases {
		f(backendRegistry[backendAlias])
	}
}

func requireKeys(cfg *config.ProviderConfig, keys ...string) error {
	missing := []string{}
	for _, key := range keys {
		if !cfg.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func stringOr(cfg *config.ProviderConfig, key, def string) string {
	if cfg.IsSet(key) {
		return cfg.Get(key)
	}
	return def
}

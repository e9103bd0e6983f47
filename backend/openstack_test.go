package backend

import (
	gocontext "context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rackspace/gophercloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

func openStackTestServer(t *testing.T) (*openStackProvider, *httptest.Server) {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/abc", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "token", req.Header.Get("X-Auth-Token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"server": {
			"id": "abc",
			"name": "web-1",
			"status": "ACTIVE",
			"progress": 100,
			"addresses": {
				"private": [
					{"addr": "10.0.0.5", "version": 4, "OS-EXT-IPS:type": "fixed"},
					{"addr": "198.51.100.5", "version": 4, "OS-EXT-IPS:type": "floating"}
				]
			}
		}}`)
	})
	mux.HandleFunc("/servers/broken", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/images/img", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"image": {"id": "img", "name": "base", "status": "SAVING", "progress": 40}}`)
	})

	ts := httptest.NewServer(mux)
	client := &gophercloud.ServiceClient{
		ProviderClient: &gophercloud.ProviderClient{TokenID: "token"},
		Endpoint:       ts.URL + "/",
	}

	return &openStackProvider{client: client, limiter: ratelimit.NewAPILimiter(nil, "openstack", 0, 0)}, ts
}

func TestNewOpenStackProvider_RequiresConfig(t *testing.T) {
	_, err := NewBackendProvider("openstack", config.NewProviderConfig(map[string]string{}), nil)
	assert.Equal(t, ErrMissingEndpointConfig, err)

	_, err = NewBackendProvider("openstack", config.NewProviderConfig(map[string]string{
		"ENDPOINT":    "http://keystone.example.com/v2.0",
		"OS_USERNAME": "user",
	}), nil)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "TENANT_NAME")
	assert.Contains(t, err.Error(), "OS_PASSWORD")
}

func TestOpenStackNodeState(t *testing.T) {
	for status, expected := range map[string]predicate.NodeState{
		"BUILD":     predicate.NodeStatePending,
		"REBOOT":    predicate.NodeStatePending,
		"ACTIVE":    predicate.NodeStateRunning,
		"SHUTOFF":   predicate.NodeStateSuspended,
		"SUSPENDED": predicate.NodeStateSuspended,
		"DELETED":   predicate.NodeStateTerminated,
		"ERROR":     predicate.NodeStateError,
		"UNKNOWN":   predicate.NodeStateUnrecognized,
	} {
		assert.Equal(t, expected, openStackNodeState(status), status)
	}
}

func TestOpenStackProvider_GetNode(t *testing.T) {
	p, ts := openStackTestServer(t)
	defer ts.Close()

	node, err := p.GetNode(gocontext.TODO(), "abc")
	require.Nil(t, err)
	assert.Equal(t, "web-1", node.Name)
	assert.Equal(t, predicate.NodeStateRunning, node.State)
	assert.Equal(t, []string{"198.51.100.5"}, node.PublicAddrs)
	assert.Equal(t, []string{"10.0.0.5"}, node.PrivateAddrs)
}

func TestOpenStackProvider_GetNode_Errors(t *testing.T) {
	p, ts := openStackTestServer(t)
	defer ts.Close()

	_, err := p.GetNode(gocontext.TODO(), "missing")
	assert.True(t, jcerrors.IsNotFound(err))

	_, err = p.GetNode(gocontext.TODO(), "broken")
	assert.True(t, jcerrors.IsTransient(err))
}

func TestOpenStackProvider_GetImage(t *testing.T) {
	p, ts := openStackTestServer(t)
	defer ts.Close()

	image, err := p.GetImage(gocontext.TODO(), "img")
	require.Nil(t, err)
	assert.Equal(t, predicate.ImageStatePending, image.State)
	assert.Equal(t, "SAVING", image.ProviderState)
}

func TestOpenStackProvider_GetTask(t *testing.T) {
	p, ts := openStackTestServer(t)
	defer ts.Close()

	_, err := p.GetTask(gocontext.TODO(), "x")
	assert.Equal(t, ErrTasksUnsupported, err)
}

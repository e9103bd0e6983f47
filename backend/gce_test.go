package backend

import (
	gocontext "context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
)

type gceTestResponse struct {
	Status int
	Body   string
}

type gceTestRequestLog struct {
	sync.Mutex
	Paths []string
}

type gceTestTransport struct {
	reqs *gceTestRequestLog
}

func (t *gceTestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.reqs.Lock()
	t.reqs.Paths = append(t.reqs.Paths, req.URL.Path)
	t.reqs.Unlock()
	return http.DefaultTransport.RoundTrip(req)
}

func gceTestSetup(t *testing.T, resp map[string]*gceTestResponse) (*gceProvider, *gceTestRequestLog, func()) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r, ok := resp[req.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error": {"code": 404, "message": "not found"}}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(r.Status)
		io.WriteString(w, r.Body)
	}))

	reqs := &gceTestRequestLog{}

	gceCustomHTTPTransportLock.Lock()
	gceCustomHTTPTransport = &gceTestTransport{reqs: reqs}
	gceCustomHTTPTransportLock.Unlock()

	p, err := NewBackendProvider("gce", config.NewProviderConfig(map[string]string{
		"PROJECT_ID": "proj",
		"ZONE":       "zone-a",
		"ENDPOINT":   server.URL + "/",
	}), nil)

	gceCustomHTTPTransportLock.Lock()
	gceCustomHTTPTransport = nil
	gceCustomHTTPTransportLock.Unlock()

	require.Nil(t, err)
	return p.(*gceProvider), reqs, server.Close
}

func TestNewGCEProvider_RequiresProject(t *testing.T) {
	_, err := NewBackendProvider("gce", config.NewProviderConfig(map[string]string{}), nil)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "PROJECT_ID")
}

func TestLoadGoogleAccountJSON(t *testing.T) {
	a, err := loadGoogleAccountJSON(`{"client_email": "me@example.com", "private_key": "pk"}`)
	require.Nil(t, err)
	assert.Equal(t, "me@example.com", a.ClientEmail)
	assert.Equal(t, "pk", a.PrivateKey)

	_, err = loadGoogleAccountJSON("/does/not/exist.json")
	assert.NotNil(t, err)
}

func TestGCEProvider_GetNode(t *testing.T) {
	p, reqs, done := gceTestSetup(t, map[string]*gceTestResponse{
		"/projects/proj/zones/zone-a/instances/box": {
			Status: 200,
			Body: `{
				"name": "box",
				"status": "STAGING",
				"networkInterfaces": [
					{"networkIP": "10.1.0.2", "accessConfigs": [{"natIP": "192.0.2.10"}]}
				]
			}`,
		},
	})
	defer done()

	node, err := p.GetNode(gocontext.TODO(), "box")
	require.Nil(t, err)
	assert.Equal(t, predicate.NodeStatePending, node.State)
	assert.Equal(t, "STAGING", node.ProviderState)
	assert.Equal(t, []string{"192.0.2.10"}, node.PublicAddrs)
	assert.Equal(t, []string{"10.1.0.2"}, node.PrivateAddrs)
	assert.Equal(t, []string{"/projects/proj/zones/zone-a/instances/box"}, reqs.Paths)

	_, err = p.GetNode(gocontext.TODO(), "gone")
	assert.True(t, jcerrors.IsNotFound(err))
}

func TestGCEProvider_GetImage(t *testing.T) {
	p, _, done := gceTestSetup(t, map[string]*gceTestResponse{
		"/projects/proj/global/images/mine": {
			Status: 200,
			Body:   `{"name": "mine", "status": "READY"}`,
		},
		"/projects/other/global/images/theirs": {
			Status: 200,
			Body:   `{"name": "theirs", "status": "FAILED"}`,
		},
	})
	defer done()

	image, err := p.GetImage(gocontext.TODO(), "mine")
	require.Nil(t, err)
	assert.Equal(t, predicate.ImageStateAvailable, image.State)

	image, err = p.GetImage(gocontext.TODO(), "other/theirs")
	require.Nil(t, err)
	assert.Equal(t, predicate.ImageStateError, image.State)
	assert.Equal(t, "other/theirs", image.ID)
}

func TestGCEProvider_GetTask(t *testing.T) {
	p, _, done := gceTestSetup(t, map[string]*gceTestResponse{
		"/projects/proj/zones/zone-a/operations/op-running": {
			Status: 200,
			Body:   `{"name": "op-running", "operationType": "insert", "status": "RUNNING", "progress": 50}`,
		},
		"/projects/proj/zones/zone-a/operations/op-done": {
			Status: 200,
			Body:   `{"name": "op-done", "operationType": "insert", "status": "DONE"}`,
		},
		"/projects/proj/zones/zone-a/operations/op-failed": {
			Status: 200,
			Body: `{"name": "op-failed", "operationType": "insert", "status": "DONE",
				"error": {"errors": [{"code": "QUOTA_EXCEEDED", "message": "Quota 'CPUS' exceeded."}]}}`,
		},
		"/projects/proj/zones/zone-a/operations/op-flaky": {
			Status: 503,
			Body:   `{"error": {"code": 503, "message": "backend error"}}`,
		},
	})
	defer done()

	task, err := p.GetTask(gocontext.TODO(), "op-running")
	require.Nil(t, err)
	assert.Equal(t, predicate.TaskStatusRunning, task.Status)
	assert.Equal(t, "insert", task.Operation)

	task, err = p.GetTask(gocontext.TODO(), "op-done")
	require.Nil(t, err)
	assert.Equal(t, predicate.TaskStatusSuccess, task.Status)

	task, err = p.GetTask(gocontext.TODO(), "op-failed")
	require.Nil(t, err)
	assert.Equal(t, predicate.TaskStatusError, task.Status)
	assert.Equal(t, "QUOTA_EXCEEDED", task.ErrorCode)
	assert.Equal(t, "Quota 'CPUS' exceeded.", task.ErrorText)

	_, err = p.GetTask(gocontext.TODO(), "op-flaky")
	assert.True(t, jcerrors.IsTransient(err))
}

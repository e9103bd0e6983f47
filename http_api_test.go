package jclouds

import (
	gocontext "context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

func apiTestServer(t *testing.T, settings map[string]string, auth string) *httptest.Server {
	a := NewAwaiter(testConfig(), testProvider(t, settings))
	return httptest.NewServer(NewAPIHandler(a, auth, 0, nil).Handler())
}

func apiGet(t *testing.T, url string) (int, map[string]interface{}) {
	resp, err := http.Get(url)
	require.Nil(t, err)
	defer resp.Body.Close()

	body := map[string]interface{}{}
	require.Nil(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestAPIHandler_HealthCheck(t *testing.T) {
	ts := apiTestServer(t, map[string]string{}, "user:pass")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.Nil(t, err)
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	require.Nil(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestAPIHandler_CheckAuth(t *testing.T) {
	ts := apiTestServer(t, map[string]string{}, "ops:first deploy:second")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/info")
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	for _, tc := range []struct {
		user, pass string
		status     int
	}{
		{"ops", "first", http.StatusOK},
		{"deploy", "second", http.StatusOK},
		{"ops", "second", http.StatusForbidden},
	} {
		req, err := http.NewRequest("GET", ts.URL+"/info", nil)
		require.Nil(t, err)
		req.SetBasicAuth(tc.user, tc.pass)

		resp, err := http.DefaultClient.Do(req)
		require.Nil(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, "%s:%s", tc.user, tc.pass)
	}
}

func TestAPIHandler_GetInfo(t *testing.T) {
	ts := apiTestServer(t, map[string]string{}, "")
	defer ts.Close()

	status, body := apiGet(t, ts.URL+"/info")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "fake", body["provider"])
	assert.Equal(t, true, body["jobs"])
	assert.Equal(t, VersionString, body["version"])
}

func TestAPIHandler_AwaitJob(t *testing.T) {
	ts := apiTestServer(t, map[string]string{
		"JOB_STATUSES": "0,1",
		"JOB_RESULT":   `{"virtualmachine": {"id": "vm-1", "state": "Running"}}`,
	}, "")
	defer ts.Close()

	status, body := apiGet(t, ts.URL+"/jobs/42")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "job", body["kind"])
	assert.Equal(t, "42", body["id"])
	assert.Equal(t, "virtualmachine", body["result_key"])
	assert.NotNil(t, body["value"])
}

func TestAPIHandler_AwaitJob_Failed(t *testing.T) {
	ts := apiTestServer(t, map[string]string{
		"JOB_STATUSES": "2",
		"JOB_RESULT":   `{"errorcode": 530, "errortext": "no capacity"}`,
	}, "")
	defer ts.Close()

	status, body := apiGet(t, ts.URL+"/jobs/42")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "no capacity", body["error"])
}

func TestAPIHandler_AwaitJob_Unsupported(t *testing.T) {
	a := NewAwaiter(testConfig(), statusOnlyProvider{testProvider(t, map[string]string{})})
	ts := httptest.NewServer(NewAPIHandler(a, "", 0, nil).Handler())
	defer ts.Close()

	status, _ := apiGet(t, ts.URL+"/jobs/42")
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestAPIHandler_AwaitNode(t *testing.T) {
	ts := apiTestServer(t, map[string]string{
		"NODE_STATES": "PENDING,RUNNING,TERMINATED",
		"MISSING":     "gone",
	}, "")
	defer ts.Close()

	status, body := apiGet(t, ts.URL+"/nodes/n1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "RUNNING", body["state"])

	status, body = apiGet(t, ts.URL+"/nodes/gone?state=terminated")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "TERMINATED", body["state"])

	status, _ = apiGet(t, ts.URL+"/nodes/gone")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = apiGet(t, ts.URL+"/nodes/n1?state=sideways")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "sideways")
}

func TestAPIHandler_AwaitNode_Error(t *testing.T) {
	ts := apiTestServer(t, map[string]string{"NODE_STATES": "PENDING,ERROR"}, "")
	defer ts.Close()

	status, body := apiGet(t, ts.URL+"/nodes/n1")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], "ERROR")
}

func TestAPIHandler_AwaitImageAndTask(t *testing.T) {
	ts := apiTestServer(t, map[string]string{
		"IMAGE_STATES":  "PENDING,AVAILABLE",
		"TASK_STATUSES": "running,success",
	}, "")
	defer ts.Close()

	status, body := apiGet(t, ts.URL+"/images/img")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AVAILABLE", body["state"])

	status, body = apiGet(t, ts.URL+"/tasks/t1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["state"])
}

func TestAPIHandler_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.ImageAvailableTimeout = 20 * time.Millisecond

	a := NewAwaiter(cfg, testProvider(t, map[string]string{"IMAGE_STATES": "PENDING"}))
	ts := httptest.NewServer(NewAPIHandler(a, "", 0, nil).Handler())
	defer ts.Close()

	status, _ := apiGet(t, ts.URL+"/images/img")
	assert.Equal(t, http.StatusGatewayTimeout, status)
}

type refusingLimiter struct {
	acquired, released int32
}

func (l *refusingLimiter) Acquire(ctx gocontext.Context, name string) (string, bool, error) {
	atomic.AddInt32(&l.acquired, 1)
	return "", false, nil
}

func (l *refusingLimiter) Release(ctx gocontext.Context, name, token string) error {
	atomic.AddInt32(&l.released, 1)
	return nil
}

func TestAPIHandler_ConcurrencyLimited(t *testing.T) {
	limiter := &refusingLimiter{}
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{}))
	ts := httptest.NewServer(NewAPIHandler(a, "", 0, limiter).Handler())
	defer ts.Close()

	status, _ := apiGet(t, ts.URL+"/nodes/n1")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&limiter.acquired))
	assert.Equal(t, int32(0), atomic.LoadInt32(&limiter.released))
}

func TestAPIHandler_MaxAwaits(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{}))
	api := NewAPIHandler(a, "", 1, ratelimit.NewNullConcurrencyLimiter())
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	require.True(t, api.awaits.TryAcquire(1))

	status, _ := apiGet(t, ts.URL+"/nodes/n1")
	assert.Equal(t, http.StatusTooManyRequests, status)

	api.awaits.Release(1)

	status, _ = apiGet(t, ts.URL+"/nodes/n1")
	assert.Equal(t, http.StatusOK, status)
}

func TestStatusForError(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
	}{
		{ErrNoJobSupport, http.StatusNotImplemented},
		{fmt.Errorf("wrapped: %w", jcerrors.ErrNotFound), http.StatusNotFound},
		{&jcerrors.TimeoutError{Handle: "1"}, http.StatusGatewayTimeout},
		{&jcerrors.TerminalStateError{Resource: "node", ID: "1", State: "ERROR"}, http.StatusConflict},
		{jcerrors.NewProviderError("530", "boom"), http.StatusBadGateway},
		{&jcerrors.UnrecognizedResultError{Want: "vm"}, http.StatusBadGateway},
		{jcerrors.NewTransientError(fmt.Errorf("flaky")), http.StatusServiceUnavailable},
		{gocontext.Canceled, http.StatusServiceUnavailable},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.status, statusForError(tc.err), "%v", tc.err)
	}
}

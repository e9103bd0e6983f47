package cloudstack

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/poll"
)

func init() {
	logrus.SetLevel(logrus.FatalLevel)
}

const (
	testAPIKey = "key"
	testSecret = "secret"
)

type fakeHandler func(params map[string]string) (int, string)

type fakeJob struct {
	statuses []int
	result   string
	code     int
	polls    int
}

// fakeCloudStack answers signed API calls from canned handlers and keeps the
// async jobs it started.
type fakeCloudStack struct {
	t *testing.T

	mu       sync.Mutex
	calls    []string
	methods  map[string]string
	handlers map[string]fakeHandler
	jobs     map[string]*fakeJob
	nextJob  int
}

func newFakeCloudStack(t *testing.T) (*fakeCloudStack, *httptest.Server) {
	fc := &fakeCloudStack{
		t:        t,
		methods:  map[string]string{},
		handlers: map[string]fakeHandler{},
		jobs:     map[string]*fakeJob{},
		nextJob:  100,
	}
	ts := httptest.NewServer(fc)
	t.Cleanup(ts.Close)
	return fc, ts
}

func (fc *fakeCloudStack) handle(command string, h fakeHandler) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.handlers[command] = h
}

// startJob registers a job that walks through statuses and then reports
// result. With no statuses the job has already succeeded.
func (fc *fakeCloudStack) startJob(result string, statuses ...int) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if len(statuses) == 0 {
		statuses = []int{int(job.StatusSucceeded)}
	}
	fc.nextJob++
	id := fmt.Sprintf("%d", fc.nextJob)
	fc.jobs[id] = &fakeJob{statuses: statuses, result: result}
	return id
}

func (fc *fakeCloudStack) addJob(id string, j *fakeJob) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.jobs[id] = j
}

// asyncHandler starts a job with result for every call.
func (fc *fakeCloudStack) asyncHandler(result string) fakeHandler {
	return func(map[string]string) (int, string) {
		return http.StatusOK, fmt.Sprintf(`{"jobid":"%s"}`, fc.startJob(result))
	}
}

func (fc *fakeCloudStack) method(command string) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.methods[command]
}

func (fc *fakeCloudStack) commands() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	out := make([]string, 0, len(fc.calls))
	for _, c := range fc.calls {
		if c != "queryAsyncJobResult" {
			out = append(out, c)
		}
	}
	return out
}

func (fc *fakeCloudStack) count(command string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	n := 0
	for _, c := range fc.calls {
		if c == command {
			n++
		}
	}
	return n
}

func (fc *fakeCloudStack) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	form := req.Form
	signature := form.Get("signature")
	form.Del("signature")
	if signature == "" || signature != sign(encodeValues(form), testSecret) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errorresponse":{"errorcode":401,"errortext":"unable to verify user credentials"}}`)
		return
	}

	command := form.Get("command")
	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}

	fc.mu.Lock()
	fc.calls = append(fc.calls, command)
	fc.methods[command] = req.Method
	h, ok := fc.handlers[command]
	fc.mu.Unlock()

	var (
		status int
		inner  string
	)
	switch {
	case ok:
		status, inner = h(params)
	case command == "queryAsyncJobResult":
		status, inner = fc.queryJob(params["jobid"])
	default:
		status, inner = 432, fmt.Sprintf(`{"errorcode":432,"errortext":"The given command:%s does not exist"}`, command)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"%sresponse":%s}`, strings.ToLower(command), inner)
}

func (fc *fakeCloudStack) queryJob(id string) (int, string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	j, ok := fc.jobs[id]
	if !ok {
		return 530, fmt.Sprintf(`{"errorcode":530,"errortext":"Unable to find job by id %s"}`, id)
	}

	i := j.polls
	if i >= len(j.statuses) {
		i = len(j.statuses) - 1
	}
	status := j.statuses[i]
	j.polls++

	if status == int(job.StatusPending) {
		return http.StatusOK, fmt.Sprintf(`{"jobid":"%s","jobstatus":0,"jobprocstatus":0}`, id)
	}
	body := fmt.Sprintf(`{"jobid":"%s","jobstatus":%d,"jobresultcode":%d,"jobresulttype":"object"`, id, status, j.code)
	if j.result != "" {
		body += `,"jobresult":` + j.result
	}
	return http.StatusOK, body + "}"
}

func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	c, err := NewClient(ts.URL+"/client/api", testAPIKey, testSecret)
	require.Nil(t, err)
	return c
}

func newTestOrchestrator(c *Client) *job.Orchestrator {
	return job.NewOrchestrator(c, DefaultResultRegistry(), poll.Constant(2*time.Second, 5*time.Millisecond))
}

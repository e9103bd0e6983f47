package jclouds

import (
	gocontext "context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ssh"
)

func TestNewAwaiter_JobSupport(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{}))
	assert.NotNil(t, a.Orchestrator)

	a = NewAwaiter(testConfig(), statusOnlyProvider{testProvider(t, map[string]string{})})
	assert.Nil(t, a.Orchestrator)

	_, err := a.AwaitJob(gocontext.TODO(), "1")
	assert.Equal(t, ErrNoJobSupport, err)
}

func TestAwaiter_AwaitJob(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{
		"JOB_STATUSES": "0,0,1",
		"JOB_RESULT":   `{"virtualmachine": {"id": "vm-1", "state": "Running"}}`,
	}))

	out, err := a.AwaitJob(gocontext.TODO(), "42")
	require.Nil(t, err)
	assert.Equal(t, "job", out.Kind)
	assert.Equal(t, "42", out.ID)
	assert.Equal(t, "virtualmachine", out.ResultKey)
	assert.Equal(t, job.ShapeTyped.String(), out.Shape)
	assert.Equal(t, job.StatusSucceeded.String(), out.State)
	assert.NotNil(t, out.Value)
}

func TestAwaiter_AwaitJob_Failed(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{
		"JOB_STATUSES": "2",
		"JOB_RESULT":   `{"errorcode": 530, "errortext": "no capacity"}`,
	}))

	_, err := a.AwaitJob(gocontext.TODO(), "42")
	require.NotNil(t, err)
	assert.True(t, jcerrors.IsProviderFailure(err))
	assert.Contains(t, err.Error(), "no capacity")
}

func TestAwaiter_AwaitJob_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond

	a := NewAwaiter(cfg, testProvider(t, map[string]string{"JOB_STATUSES": "0"}))

	_, err := a.AwaitJob(gocontext.TODO(), "42")
	assert.True(t, jcerrors.IsTimeout(err))
}

func TestAwaiter_AwaitNode(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{
		"NODE_STATES": "PENDING,RUNNING",
	}))

	out, err := a.AwaitNode(gocontext.TODO(), "n1", false)
	require.Nil(t, err)
	assert.Equal(t, "node", out.Kind)
	assert.Equal(t, string(predicate.NodeStateRunning), out.State)

	node, ok := out.Value.(predicate.Node)
	require.True(t, ok)
	assert.Equal(t, "fake-n1", node.Name)
}

func TestAwaiter_AwaitNode_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.NodeRunningTimeout = 20 * time.Millisecond

	a := NewAwaiter(cfg, testProvider(t, map[string]string{"NODE_STATES": "PENDING"}))

	_, err := a.AwaitNode(gocontext.TODO(), "n1", false)
	require.True(t, jcerrors.IsTimeout(err))

	te := err.(*jcerrors.TimeoutError)
	assert.Equal(t, "n1", te.Handle)
	assert.Equal(t, 20*time.Millisecond, te.Bound)
}

func TestAwaiter_AwaitNode_Error(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{"NODE_STATES": "ERROR"}))

	_, err := a.AwaitNode(gocontext.TODO(), "n1", false)
	assert.True(t, jcerrors.IsTerminalState(err))
}

func TestAwaiter_AwaitNodeTerminated(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{
		"NODE_STATES": "RUNNING,TERMINATED",
		"MISSING":     "gone",
	}))

	out, err := a.AwaitNode(gocontext.TODO(), "n1", true)
	require.Nil(t, err)
	assert.Equal(t, string(predicate.NodeStateTerminated), out.State)

	out, err = a.AwaitNode(gocontext.TODO(), "gone", true)
	require.Nil(t, err)
	assert.Equal(t, string(predicate.NodeStateTerminated), out.State)
}

func TestAwaiter_AwaitImage(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{
		"IMAGE_STATES": "PENDING,AVAILABLE",
	}))

	out, err := a.AwaitImage(gocontext.TODO(), "img")
	require.Nil(t, err)
	assert.Equal(t, string(predicate.ImageStateAvailable), out.State)

	a = NewAwaiter(testConfig(), testProvider(t, map[string]string{"MISSING": "img"}))
	_, err = a.AwaitImage(gocontext.TODO(), "img")
	assert.True(t, jcerrors.IsNotFound(err))
}

func TestAwaiter_AwaitTask(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{
		"TASK_STATUSES": "queued,running,success",
	}))

	out, err := a.AwaitTask(gocontext.TODO(), "t1")
	require.Nil(t, err)
	assert.Equal(t, "task", out.Kind)
	assert.Equal(t, string(predicate.TaskStatusSuccess), out.State)

	a = NewAwaiter(testConfig(), testProvider(t, map[string]string{"TASK_STATUSES": "running,error"}))
	_, err = a.AwaitTask(gocontext.TODO(), "t1")
	require.True(t, jcerrors.IsProviderFailure(err))
	assert.Contains(t, err.Error(), "fake task failed")
}

func TestAwaiter_Cancelled(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{"NODE_STATES": "PENDING"}))

	ctx, cancel := gocontext.WithCancel(gocontext.TODO())
	cancel()

	_, err := a.AwaitNode(ctx, "n1", false)
	assert.NotNil(t, err)
}

type scriptDialer struct {
	conn    *scriptConnection
	address string
	user    string
}

func (d *scriptDialer) Dial(address, username string) (ssh.Connection, error) {
	d.address, d.user = address, username
	return d.conn, nil
}

// scriptConnection finishes every script with exit code 0 unless hang is set.
type scriptConnection struct {
	mu      sync.Mutex
	hang    bool
	uploads map[string][]byte
	closed  bool
}

func (c *scriptConnection) UploadFile(path string, data []byte, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads[path] = data
	return nil
}

func (c *scriptConnection) RunCommand(command string, output io.Writer) (uint8, error) {
	switch {
	case strings.HasPrefix(command, "test -s ") && c.hang:
		return 1, nil
	case strings.HasPrefix(command, "cat ") && strings.HasSuffix(command, ".exit"):
		fmt.Fprintln(output, "0")
	case strings.HasPrefix(command, "cat ") && strings.HasSuffix(command, ".log"):
		fmt.Fprint(output, "provisioned\n")
	}
	return 0, nil
}

func (c *scriptConnection) Close() error {
	c.closed = true
	return nil
}

func TestAwaiter_RunScript(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{"NODE_STATES": "PENDING,RUNNING"}))
	dialer := &scriptDialer{conn: &scriptConnection{uploads: map[string][]byte{}}}
	a.Dialer = dialer

	out, err := a.RunScript(gocontext.TODO(), "n1", ssh.InitScript{Name: "setup", Body: []byte("true")})
	require.Nil(t, err)

	assert.Equal(t, "script", out.Kind)
	assert.Equal(t, "exit 0", out.State)
	assert.Equal(t, "provisioned\n", out.Value.(*ssh.ScriptResult).Log)
	assert.Equal(t, "127.0.0.1", dialer.address)
	assert.Equal(t, "root", dialer.user)
	assert.Equal(t, []byte("true"), dialer.conn.uploads["/tmp/setup"])
	assert.True(t, dialer.conn.closed)
}

func TestAwaiter_RunScript_BoundedByScriptCompleteTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ScriptCompleteTimeout = 20 * time.Millisecond

	a := NewAwaiter(cfg, testProvider(t, map[string]string{}))
	a.Dialer = &scriptDialer{conn: &scriptConnection{hang: true, uploads: map[string][]byte{}}}

	_, err := a.RunScript(gocontext.TODO(), "n1", ssh.InitScript{Name: "slow"})
	require.NotNil(t, err)

	var terr *jcerrors.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 20*time.Millisecond, terr.Bound)
	assert.Equal(t, "/tmp/slow", terr.Handle)
}

func TestAwaiter_RunScript_NoSSH(t *testing.T) {
	a := NewAwaiter(testConfig(), testProvider(t, map[string]string{}))

	_, err := a.RunScript(gocontext.TODO(), "n1", ssh.InitScript{})
	assert.Equal(t, ErrNoSSH, err)
}

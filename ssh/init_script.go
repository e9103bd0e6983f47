package ssh

import (
	"bytes"
	gocontext "context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
	"github.com/jclouds/legacy-jclouds-sub040/poll"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
)

const defaultScriptDir = "/tmp"

// InitScript is a script to run on a node after it boots.
type InitScript struct {
	Name string
	Body []byte
	// Dir defaults to /tmp.
	Dir string
}

// ScriptResult is what a finished init script left behind.
type ScriptResult struct {
	ExitCode int
	Log      string
}

type scriptPaths struct {
	script, exit, log string
}

func (s InitScript) paths() scriptPaths {
	dir := s.Dir
	if dir == "" {
		dir = defaultScriptDir
	}
	name := s.Name
	if name == "" {
		name = "jclouds-init-" + uuid.NewRandom().String()
	}

	base := path.Join(dir, name)
	return scriptPaths{script: base, exit: base + ".exit", log: base + ".log"}
}

// startCommand runs the script detached. The exit code lands in a temporary
// file first and is renamed into place so the marker is never seen empty.
func (p scriptPaths) startCommand() string {
	return fmt.Sprintf("nohup sh -c '%s; echo $? > %s.tmp && mv %s.tmp %s' > %s 2>&1 < /dev/null &",
		p.script, p.exit, p.exit, p.exit, p.log)
}

// RunInitScript uploads script, starts it in the background and waits until
// it has written its exit code. It returns a *errors.TimeoutError when the
// script does not finish within cfg.MaxWait.
func RunInitScript(ctx gocontext.Context, conn Connection, script InitScript, cfg poll.Config) (*ScriptResult, error) {
	p := script.paths()
	ctx = context.FromResourceID(ctx, p.script)
	logger := context.LoggerFromContext(ctx).WithField("self", "ssh/init_script")
	startedAt := time.Now()

	if err := conn.UploadFile(p.script, script.Body, 0755); err != nil {
		return nil, errors.Wrap(err, "couldn't upload init script")
	}

	exitCode, err := conn.RunCommand(p.startCommand(), &bytes.Buffer{})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't start init script")
	}
	if exitCode != 0 {
		return nil, errors.Errorf("starting init script exited with %d", exitCode)
	}

	logger.WithField("max_wait", cfg.MaxWait).Info("started init script")

	ok, err := predicate.NewScriptStatusReturnsZero(cfg).Apply(ctx, predicate.Script{
		Runner:  conn,
		Command: "test -s " + p.exit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error waiting for init script")
	}
	if !ok {
		metrics.Mark("jclouds.ssh.init-script.timeout")
		return nil, &jcerrors.TimeoutError{Handle: p.script, Bound: cfg.MaxWait, Elapsed: time.Since(startedAt)}
	}

	out := &bytes.Buffer{}
	if _, err := conn.RunCommand("cat "+p.exit, out); err != nil {
		return nil, errors.Wrap(err, "couldn't read init script exit code")
	}
	code, err := strconv.Atoi(strings.TrimSpace(out.String()))
	if err != nil {
		return nil, errors.Wrapf(err, "init script left an unreadable exit code %q", out.String())
	}

	logBuf := &bytes.Buffer{}
	if _, err := conn.RunCommand("cat "+p.log, logBuf); err != nil {
		logger.WithField("err", err).Warn("couldn't read init script log")
	}

	context.TimeSince(ctx, "ssh.init-script", startedAt)
	logger.WithFields(logrus.Fields{
		"exit_code": code,
		"elapsed":   time.Since(startedAt),
	}).Info("init script finished")

	return &ScriptResult{ExitCode: code, Log: logBuf.String()}, nil
}

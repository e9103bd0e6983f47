// Package predicate contains the status checks used to wait for nodes,
// images, remote scripts and provider tasks to reach a target state.
//
// Every check refreshes state from the provider before evaluating. A check
// returns false while the resource is still transitioning, true once the
// target state is reached, and an error when it observes a state from which
// the target can no longer be reached.
package predicate

import (
	"bytes"
	gocontext "context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/poll"
)

// NodeRunning reports whether the node held by ref is running. A missing
// node, or one in an error or terminated state, fails the check.
func NodeRunning(getter NodeGetter) func(gocontext.Context, *Ref[Node]) (bool, error) {
	return func(ctx gocontext.Context, ref *Ref[Node]) (bool, error) {
		id := ref.Load().ID
		logger := context.LoggerFromContext(ctx).WithFields(logrus.Fields{
			"self":    "predicate/node_running",
			"node_id": id,
		})

		node, err := getter.GetNode(ctx, id)
		if err != nil {
			return false, errors.Wrapf(err, "couldn't get node %s", id)
		}
		ref.Store(*node)

		logger.WithField("state", node.State).Debug("checked node state")

		switch node.State {
		case NodeStateRunning:
			return true, nil
		case NodeStateError, NodeStateTerminated:
			return false, &jcerrors.TerminalStateError{
				Resource: "node",
				ID:       id,
				State:    string(node.State),
				Detail:   node.StatusDetail,
			}
		default:
			return false, nil
		}
	}
}

// NodeTerminated reports whether the node held by ref is gone. A node that
// can no longer be found counts as terminated.
func NodeTerminated(getter NodeGetter) func(gocontext.Context, *Ref[Node]) (bool, error) {
	return func(ctx gocontext.Context, ref *Ref[Node]) (bool, error) {
		id := ref.Load().ID

		node, err := getter.GetNode(ctx, id)
		if jcerrors.IsNotFound(err) {
			current := ref.Load()
			current.State = NodeStateTerminated
			ref.Store(current)
			return true, nil
		}
		if err != nil {
			return false, errors.Wrapf(err, "couldn't get node %s", id)
		}
		ref.Store(*node)

		context.LoggerFromContext(ctx).WithFields(logrus.Fields{
			"self":    "predicate/node_terminated",
			"node_id": id,
			"state":   node.State,
		}).Debug("checked node state")

		return node.State == NodeStateTerminated, nil
	}
}

// ImageAvailable reports whether the image held by ref can be used. Deleted
// and errored images fail the check.
func ImageAvailable(getter ImageGetter) func(gocontext.Context, *Ref[Image]) (bool, error) {
	return func(ctx gocontext.Context, ref *Ref[Image]) (bool, error) {
		id := ref.Load().ID

		image, err := getter.GetImage(ctx, id)
		if err != nil {
			return false, errors.Wrapf(err, "couldn't get image %s", id)
		}
		ref.Store(*image)

		context.LoggerFromContext(ctx).WithFields(logrus.Fields{
			"self":     "predicate/image_available",
			"image_id": id,
			"state":    image.State,
		}).Debug("checked image state")

		switch image.State {
		case ImageStateAvailable:
			return true, nil
		case ImageStateDeleted, ImageStateError:
			return false, &jcerrors.TerminalStateError{
				Resource: "image",
				ID:       id,
				State:    string(image.State),
				Detail:   image.StatusDetail,
			}
		default:
			return false, nil
		}
	}
}

// Script is a status command run over a CommandRunner.
type Script struct {
	Runner  CommandRunner
	Command string
}

// ScriptStatusReturnsZero runs the status command and reports whether it
// exited zero. A failure to run the command at all is returned as an error.
func ScriptStatusReturnsZero(ctx gocontext.Context, script Script) (bool, error) {
	buf := &bytes.Buffer{}

	exitCode, err := script.Runner.RunCommand(script.Command, buf)
	if err != nil {
		return false, errors.Wrap(err, "couldn't run status command")
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":      "predicate/script_status",
		"command":   script.Command,
		"exit_code": exitCode,
		"output":    buf.String(),
	}).Debug("ran status command")

	return exitCode == 0, nil
}

// TaskSuccess reports whether the task with the given id succeeded. A task
// that ended in error is returned as a provider error carrying its message;
// a cancelled or aborted task is returned as a terminal state error.
func TaskSuccess(getter TaskGetter) func(gocontext.Context, string) (bool, error) {
	return func(ctx gocontext.Context, id string) (bool, error) {
		task, err := getter.GetTask(ctx, id)
		if err != nil {
			return false, errors.Wrapf(err, "couldn't get task %s", id)
		}

		context.LoggerFromContext(ctx).WithFields(logrus.Fields{
			"self":    "predicate/task_success",
			"task_id": id,
			"status":  task.Status,
		}).Debug("checked task status")

		switch task.Status {
		case TaskStatusSuccess:
			return true, nil
		case TaskStatusError:
			text := task.ErrorText
			if text == "" {
				text = "task " + id + " failed"
			}
			return false, jcerrors.NewProviderError(task.ErrorCode, text)
		case TaskStatusCancelled, TaskStatusAborted:
			return false, &jcerrors.TerminalStateError{
				Resource: "task",
				ID:       id,
				State:    string(task.Status),
				Detail:   task.ErrorText,
			}
		default:
			return false, nil
		}
	}
}

func NewNodeRunning(getter NodeGetter, cfg poll.Config) *poll.RetryablePredicate[*Ref[Node]] {
	return poll.NewRetryablePredicate(NodeRunning(getter), cfg)
}

func NewNodeTerminated(getter NodeGetter, cfg poll.Config) *poll.RetryablePredicate[*Ref[Node]] {
	return poll.NewRetryablePredicate(NodeTerminated(getter), cfg)
}

func NewImageAvailable(getter ImageGetter, cfg poll.Config) *poll.RetryablePredicate[*Ref[Image]] {
	return poll.NewRetryablePredicate(ImageAvailable(getter), cfg)
}

func NewScriptStatusReturnsZero(cfg poll.Config) *poll.RetryablePredicate[Script] {
	return poll.NewRetryablePredicate(ScriptStatusReturnsZero, cfg)
}

func NewTaskSuccess(getter TaskGetter, cfg poll.Config) *poll.RetryablePredicate[string] {
	return poll.NewRetryablePredicate(TaskSuccess(getter), cfg)
}

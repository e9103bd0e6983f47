package predicate

import (
	gocontext "context"
	"io"
)

type NodeState string

const (
	NodeStatePending      NodeState = "PENDING"
	NodeStateRunning      NodeState = "RUNNING"
	NodeStateSuspended    NodeState = "SUSPENDED"
	NodeStateTerminated   NodeState = "TERMINATED"
	NodeStateError        NodeState = "ERROR"
	NodeStateUnrecognized NodeState = "UNRECOGNIZED"
)

// Node is a provider-agnostic snapshot of a compute instance.
type Node struct {
	ID            string
	Name          string
	State         NodeState
	ProviderState string
	PublicAddrs   []string
	PrivateAddrs  []string
	StatusDetail  string
}

type ImageState string

const (
	ImageStatePending      ImageState = "PENDING"
	ImageStateAvailable    ImageState = "AVAILABLE"
	ImageStateDeleted      ImageState = "DELETED"
	ImageStateError        ImageState = "ERROR"
	ImageStateUnrecognized ImageState = "UNRECOGNIZED"
)

type Image struct {
	ID            string
	Name          string
	State         ImageState
	ProviderState string
	StatusDetail  string
}

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusError     TaskStatus = "error"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusAborted   TaskStatus = "aborted"
)

// Task is a provider task (vCloud/Terremark task, GCE zone operation)
// tracking a long-running mutation.
type Task struct {
	ID        string
	Operation string
	Status    TaskStatus
	ErrorCode string
	ErrorText string
}

// NodeGetter fetches the current state of a node. A node that does not exist
// must be reported with errors.ErrNotFound.
type NodeGetter interface {
	GetNode(ctx gocontext.Context, id string) (*Node, error)
}

type ImageGetter interface {
	GetImage(ctx gocontext.Context, id string) (*Image, error)
}

type TaskGetter interface {
	GetTask(ctx gocontext.Context, id string) (*Task, error)
}

// CommandRunner runs a command on a remote host and reports its exit code.
type CommandRunner interface {
	RunCommand(command string, output io.Writer) (uint8, error)
}

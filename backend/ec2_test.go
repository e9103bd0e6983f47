package backend

import (
	gocontext "context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

type fakeEC2 struct {
	ec2iface.EC2API

	instances []*ec2.Instance
	images    []*ec2.Image
	snapshots []*ec2.Snapshot
	err       error
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx aws.Context, in *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: f.instances}},
	}, nil
}

func (f *fakeEC2) DescribeImagesWithContext(ctx aws.Context, in *ec2.DescribeImagesInput, opts ...request.Option) (*ec2.DescribeImagesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeEC2) DescribeSnapshotsWithContext(ctx aws.Context, in *ec2.DescribeSnapshotsInput, opts ...request.Option) (*ec2.DescribeSnapshotsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.DescribeSnapshotsOutput{Snapshots: f.snapshots}, nil
}

func newFakeEC2Provider(f *fakeEC2) *ec2Provider {
	return &ec2Provider{client: f, limiter: ratelimit.NewAPILimiter(nil, "ec2", 0, 0)}
}

func TestNewEC2Provider(t *testing.T) {
	p, err := NewBackendProvider("ec2", config.NewProviderConfig(map[string]string{
		"AWS_ACCESS_KEY_ID":     "id",
		"AWS_SECRET_ACCESS_KEY": "secret",
		"REGION":                "eu-west-1",
	}), nil)
	require.Nil(t, err)
	assert.IsType(t, &ec2Provider{}, p)
}

func TestEC2NodeState(t *testing.T) {
	for state, expected := range map[string]predicate.NodeState{
		"pending":       predicate.NodeStatePending,
		"running":       predicate.NodeStateRunning,
		"shutting-down": predicate.NodeStatePending,
		"stopping":      predicate.NodeStatePending,
		"stopped":       predicate.NodeStateSuspended,
		"terminated":    predicate.NodeStateTerminated,
		"bogus":         predicate.NodeStateUnrecognized,
	} {
		assert.Equal(t, expected, ec2NodeState(state), state)
	}
}

func TestEC2Provider_GetNode(t *testing.T) {
	p := newFakeEC2Provider(&fakeEC2{
		instances: []*ec2.Instance{
			{
				InstanceId:       aws.String("i-other"),
				State:            &ec2.InstanceState{Name: aws.String("pending")},
				PrivateIpAddress: aws.String("10.0.0.9"),
			},
			{
				InstanceId:       aws.String("i-abc"),
				State:            &ec2.InstanceState{Name: aws.String("running")},
				PublicIpAddress:  aws.String("203.0.113.7"),
				PrivateIpAddress: aws.String("10.0.0.7"),
				Tags:             []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String("web-1")}},
			},
		},
	})

	node, err := p.GetNode(gocontext.TODO(), "i-abc")
	require.Nil(t, err)
	assert.Equal(t, predicate.NodeStateRunning, node.State)
	assert.Equal(t, "running", node.ProviderState)
	assert.Equal(t, "web-1", node.Name)
	assert.Equal(t, []string{"203.0.113.7"}, node.PublicAddrs)
	assert.Equal(t, []string{"10.0.0.7"}, node.PrivateAddrs)
}

func TestEC2Provider_GetNode_NotFound(t *testing.T) {
	p := newFakeEC2Provider(&fakeEC2{
		err: awserr.New("InvalidInstanceID.NotFound", "The instance ID 'i-gone' does not exist", nil),
	})

	_, err := p.GetNode(gocontext.TODO(), "i-gone")
	assert.True(t, jcerrors.IsNotFound(err))

	p = newFakeEC2Provider(&fakeEC2{})
	_, err = p.GetNode(gocontext.TODO(), "i-gone")
	assert.True(t, jcerrors.IsNotFound(err))
}

func TestEC2Provider_Errors(t *testing.T) {
	p := newFakeEC2Provider(&fakeEC2{err: awserr.New("RequestLimitExceeded", "slow down", nil)})
	_, err := p.GetNode(gocontext.TODO(), "i-abc")
	assert.True(t, jcerrors.IsTransient(err))

	p = newFakeEC2Provider(&fakeEC2{err: awserr.New("UnauthorizedOperation", "nope", nil)})
	_, err = p.GetImage(gocontext.TODO(), "ami-abc")
	require.True(t, jcerrors.IsProviderFailure(err))
	assert.Contains(t, err.Error(), "UnauthorizedOperation")
}

func TestEC2Provider_GetImage(t *testing.T) {
	p := newFakeEC2Provider(&fakeEC2{
		images: []*ec2.Image{{
			ImageId:     aws.String("ami-abc"),
			Name:        aws.String("base"),
			State:       aws.String("failed"),
			StateReason: &ec2.StateReason{Message: aws.String("snapshot failed")},
		}},
	})

	image, err := p.GetImage(gocontext.TODO(), "ami-abc")
	require.Nil(t, err)
	assert.Equal(t, predicate.ImageStateError, image.State)
	assert.Equal(t, "base", image.Name)
	assert.Equal(t, "snapshot failed", image.StatusDetail)

	_, err = newFakeEC2Provider(&fakeEC2{}).GetImage(gocontext.TODO(), "ami-abc")
	assert.True(t, jcerrors.IsNotFound(err))
}

func TestEC2Provider_GetTask(t *testing.T) {
	for state, expected := range map[string]predicate.TaskStatus{
		"pending":   predicate.TaskStatusRunning,
		"completed": predicate.TaskStatusSuccess,
		"error":     predicate.TaskStatusError,
	} {
		p := newFakeEC2Provider(&fakeEC2{
			snapshots: []*ec2.Snapshot{{
				SnapshotId:   aws.String("snap-1"),
				State:        aws.String(state),
				StateMessage: aws.String("disk on fire"),
			}},
		})

		task, err := p.GetTask(gocontext.TODO(), "snap-1")
		require.Nil(t, err)
		assert.Equal(t, expected, task.Status, state)
		if expected == predicate.TaskStatusError {
			assert.Equal(t, "disk on fire", task.ErrorText)
		}
	}
}

package backend

import (
	gocontext "context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

var (
	defaultEC2Region     = "us-east-1"
	defaultEC2MaxRetries = 8
)

func init() {
	Register("ec2", "EC2", map[string]string{
		"AWS_ACCESS_KEY_ID":     "AWS Access Key ID (default: the shared credentials chain)",
		"AWS_SECRET_ACCESS_KEY": "AWS Secret Access Key",
		"REGION":                fmt.Sprintf("Region the nodes run in (default %s)", defaultEC2Region),
		"ENDPOINT":              "Override the EC2 API endpoint",
		"MAX_RETRIES":           fmt.Sprintf("Retries of throttled API calls done by the SDK (default %d)", defaultEC2MaxRetries),
	}, newEC2Provider)
}

type ec2Provider struct {
	client  ec2iface.EC2API
	limiter *ratelimit.APILimiter
}

func newEC2Provider(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	awsConfig := aws.NewConfig().
		WithCredentialsChainVerboseErrors(true).
		WithRegion(stringOr(cfg, "REGION", defaultEC2Region)).
		WithMaxRetries(defaultEC2MaxRetries)

	if cfg.IsSet("AWS_ACCESS_KEY_ID") && cfg.IsSet("AWS_SECRET_ACCESS_KEY") {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(
			cfg.Get("AWS_ACCESS_KEY_ID"), cfg.Get("AWS_SECRET_ACCESS_KEY"), ""))
	}
	if cfg.IsSet("ENDPOINT") {
		awsConfig = awsConfig.WithEndpoint(cfg.Get("ENDPOINT"))
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
		Config:            *awsConfig,
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create aws session")
	}

	return &ec2Provider{
		client:  ec2.New(awsSession),
		limiter: limiter,
	}, nil
}

// ec2Error maps the error codes of a missing resource to errors.ErrNotFound
// and throttling to a transient error.
func ec2Error(err error, what string) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return errors.Wrapf(err, "couldn't describe %s", what)
	}

	switch aerr.Code() {
	case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed",
		"InvalidAMIID.NotFound", "InvalidAMIID.Unavailable",
		"InvalidSnapshot.NotFound":
		return errors.Wrapf(jcerrors.ErrNotFound, "%s: %s", what, aerr.Message())
	case "RequestLimitExceeded", "Unavailable", "InternalError":
		return jcerrors.NewTransientError(errors.Wrapf(err, "couldn't describe %s", what))
	default:
		return jcerrors.NewProviderError(aerr.Code(), aerr.Message())
	}
}

func ec2NodeState(name string) predicate.NodeState {
	switch name {
	case ec2.InstanceStateNamePending, ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameStopping:
		return predicate.NodeStatePending
	case ec2.InstanceStateNameRunning:
		return predicate.NodeStateRunning
	case ec2.InstanceStateNameStopped:
		return predicate.NodeStateSuspended
	case ec2.InstanceStateNameTerminated:
		return predicate.NodeStateTerminated
	default:
		return predicate.NodeStateUnrecognized
	}
}

func ec2ImageState(state string) predicate.ImageState {
	switch state {
	case ec2.ImageStatePending, "transient":
		return predicate.ImageStatePending
	case ec2.ImageStateAvailable:
		return predicate.ImageStateAvailable
	case ec2.ImageStateDeregistered:
		return predicate.ImageStateDeleted
	case ec2.ImageStateFailed, ec2.ImageStateInvalid, ec2.ImageStateError:
		return predicate.ImageStateError
	default:
		return predicate.ImageStateUnrecognized
	}
}

func (p *ec2Provider) GetNode(ctx gocontext.Context, id string) (*predicate.Node, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return nil, ec2Error(err, "instance "+id)
	}

	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if aws.StringValue(inst.InstanceId) != id {
				continue
			}

			state := ""
			if inst.State != nil {
				state = aws.StringValue(inst.State.Name)
			}

			node := &predicate.Node{
				ID:            id,
				State:         ec2NodeState(state),
				ProviderState: state,
			}
			for _, tag := range inst.Tags {
				if aws.StringValue(tag.Key) == "Name" {
					node.Name = aws.StringValue(tag.Value)
				}
			}
			if inst.StateReason != nil {
				node.StatusDetail = aws.StringValue(inst.StateReason.Message)
			}
			if ip := aws.StringValue(inst.PublicIpAddress); ip != "" {
				node.PublicAddrs = append(node.PublicAddrs, ip)
			}
			if ip := aws.StringValue(inst.PrivateIpAddress); ip != "" {
				node.PrivateAddrs = append(node.PrivateAddrs, ip)
			}

			context.LoggerFromContext(ctx).WithFields(logrus.Fields{
				"self":  "backend/ec2_provider",
				"id":    id,
				"state": state,
			}).Debug("described instance")

			return node, nil
		}
	}

	return nil, errors.Wrapf(jcerrors.ErrNotFound, "instance %s", id)
}

func (p *ec2Provider) GetImage(ctx gocontext.Context, id string) (*predicate.Image, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{
		ImageIds: []*string{aws.String(id)},
	})
	if err != nil {
		return nil, ec2Error(err, "image "+id)
	}
	if len(out.Images) == 0 {
		return nil, errors.Wrapf(jcerrors.ErrNotFound, "image %s", id)
	}

	img := out.Images[0]
	state := aws.StringValue(img.State)
	image := &predicate.Image{
		ID:            id,
		Name:          aws.StringValue(img.Name),
		State:         ec2ImageState(state),
		ProviderState: state,
	}
	if img.StateReason != nil {
		image.StatusDetail = aws.StringValue(img.StateReason.Message)
	}
	return image, nil
}

// GetTask reads a snapshot as a task; snapshots are the long running EC2
// operations that report their own progress and failure.
func (p *ec2Provider) GetTask(ctx gocontext.Context, id string) (*predicate.Task, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeSnapshotsWithContext(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []*string{aws.String(id)},
	})
	if err != nil {
		return nil, ec2Error(err, "snapshot "+id)
	}
	if len(out.Snapshots) == 0 {
		return nil, errors.Wrapf(jcerrors.ErrNotFound, "snapshot %s", id)
	}

	snap := out.Snapshots[0]
	task := &predicate.Task{
		ID:        id,
		Operation: "CreateSnapshot",
	}

	switch aws.StringValue(snap.State) {
	case ec2.SnapshotStateCompleted:
		task.Status = predicate.TaskStatusSuccess
	case ec2.SnapshotStateError:
		task.Status = predicate.TaskStatusError
		task.ErrorText = aws.StringValue(snap.StateMessage)
	default:
		task.Status = predicate.TaskStatusRunning
	}

	return task, nil
}

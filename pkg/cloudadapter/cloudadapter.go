package cloudadapter

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
)

// InstanceSpec describes the VM a Worker template asks the cloud adapter
// to create.
type InstanceSpec struct {
	TemplateName string
	InstanceType string
	Region       string
	AMIPattern   string
	Tags         map[string]string
}

// InstanceDescription is the adapter's view of a running VM.
type InstanceDescription struct {
	ProviderInstanceID string
	State              string
	PublicEndpoint     string
	PrivateEndpoint    string
}

// Adapter is the Cloud Adapter SPI (C7). Implementations must treat every
// method as a suspension point with no partial side effects: either the
// provider call lands or it doesn't.
type Adapter interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (providerInstanceID string, err error)
	StartInstance(ctx context.Context, providerInstanceID string) error
	StopInstance(ctx context.Context, providerInstanceID string) error
	TerminateInstance(ctx context.Context, providerInstanceID string) error
	DescribeInstance(ctx context.Context, providerInstanceID string) (*InstanceDescription, error)
}

// EC2Client is the subset of *ec2.Client the adapter calls, narrowed for
// testability.
type EC2Client interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// EC2Adapter implements Adapter against EC2.
type EC2Adapter struct {
	client EC2Client
}

// NewEC2Adapter wraps an EC2 client.
func NewEC2Adapter(client EC2Client) *EC2Adapter {
	return &EC2Adapter{client: client}
}

// CreateInstance resolves spec.AMIPattern to the newest matching AMI and
// launches one instance of spec.InstanceType.
func (a *EC2Adapter) CreateInstance(ctx context.Context, spec InstanceSpec) (string, error) {
	amiID, err := a.resolveAMI(ctx, spec.AMIPattern)
	if err != nil {
		return "", err
	}

	tags := make([]ec2types.Tag, 0, len(spec.Tags)+1)
	tags = append(tags, ec2types.Tag{Key: aws.String("cmlfleet:template"), Value: aws.String(spec.TemplateName)})
	for k, v := range spec.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	out, err := a.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		},
	})
	if err != nil {
		return "", orcherr.Wrap(orcherr.ExternalTransient, err, "ec2 RunInstances failed for template %s", spec.TemplateName)
	}
	if len(out.Instances) == 0 {
		return "", orcherr.New(orcherr.ExternalTransient, "ec2 RunInstances returned no instances")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// resolveAMI picks the most recently created AMI whose Name matches
// pattern, the glob filter EC2's DescribeImages Filters accept natively.
func (a *EC2Adapter) resolveAMI(ctx context.Context, pattern string) (string, error) {
	out, err := a.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{{Name: aws.String("name"), Values: []string{pattern}}},
	})
	if err != nil {
		return "", orcherr.Wrap(orcherr.ExternalTransient, err, "ec2 DescribeImages failed for pattern %s", pattern)
	}
	if len(out.Images) == 0 {
		return "", orcherr.New(orcherr.ExternalPermanent, "no AMI matches pattern %s", pattern)
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// StartInstance starts a stopped instance.
func (a *EC2Adapter) StartInstance(ctx context.Context, providerInstanceID string) error {
	_, err := a.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{providerInstanceID}})
	if err != nil {
		return orcherr.Wrap(orcherr.ExternalTransient, err, "ec2 StartInstances failed for %s", providerInstanceID)
	}
	return nil
}

// StopInstance stops a running instance without terminating it.
func (a *EC2Adapter) StopInstance(ctx context.Context, providerInstanceID string) error {
	_, err := a.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{providerInstanceID}})
	if err != nil {
		return orcherr.Wrap(orcherr.ExternalTransient, err, "ec2 StopInstances failed for %s", providerInstanceID)
	}
	return nil
}

// TerminateInstance permanently destroys the instance.
func (a *EC2Adapter) TerminateInstance(ctx context.Context, providerInstanceID string) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{providerInstanceID}})
	if err != nil {
		return orcherr.Wrap(orcherr.ExternalTransient, err, "ec2 TerminateInstances failed for %s", providerInstanceID)
	}
	return nil
}

// DescribeInstance reports the instance's current state and endpoints.
func (a *EC2Adapter) DescribeInstance(ctx context.Context, providerInstanceID string) (*InstanceDescription, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{providerInstanceID}})
	if err != nil {
		return nil, orcherr.Wrap(orcherr.ExternalTransient, err, "ec2 DescribeInstances failed for %s", providerInstanceID)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, orcherr.New(orcherr.NotFound, "instance %s not found", providerInstanceID)
	}
	inst := out.Reservations[0].Instances[0]
	return &InstanceDescription{
		ProviderInstanceID: aws.ToString(inst.InstanceId),
		State:              string(inst.State.Name),
		PublicEndpoint:     aws.ToString(inst.PublicIpAddress),
		PrivateEndpoint:    aws.ToString(inst.PrivateIpAddress),
	}, nil
}

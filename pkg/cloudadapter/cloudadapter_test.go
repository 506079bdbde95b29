package cloudadapter

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2Client struct {
	images    []ec2types.Image
	runErr    error
	createdID string
	describe  *ec2.DescribeInstancesOutput
	runImage  string
}

func (f *fakeEC2Client) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runImage = aws.ToString(in.ImageId)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String(f.createdID)}}}, nil
}

func (f *fakeEC2Client) StartInstances(ctx context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2Client) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2Client) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2Client) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.describe != nil {
		return f.describe, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (f *fakeEC2Client) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func TestCreateInstancePicksNewestAMI(t *testing.T) {
	client := &fakeEC2Client{
		createdID: "i-new",
		images: []ec2types.Image{
			{ImageId: aws.String("ami-old"), CreationDate: aws.String("2025-01-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-new"), CreationDate: aws.String("2026-01-01T00:00:00.000Z")},
		},
	}
	a := NewEC2Adapter(client)

	id, err := a.CreateInstance(context.Background(), InstanceSpec{TemplateName: "cml-standard", InstanceType: "m5.xlarge", AMIPattern: "cml-*"})
	require.NoError(t, err)
	assert.Equal(t, "i-new", id)
	assert.Equal(t, "ami-new", client.runImage)
}

func TestCreateInstanceNoMatchingAMI(t *testing.T) {
	a := NewEC2Adapter(&fakeEC2Client{})
	_, err := a.CreateInstance(context.Background(), InstanceSpec{AMIPattern: "nope-*"})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.ExternalPermanent))
}

func TestDescribeInstanceNotFound(t *testing.T) {
	a := NewEC2Adapter(&fakeEC2Client{})
	_, err := a.DescribeInstance(context.Background(), "i-missing")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.NotFound))
}

func TestDescribeInstanceReturnsEndpoints(t *testing.T) {
	client := &fakeEC2Client{
		describe: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				Instances: []ec2types.Instance{{
					InstanceId:      aws.String("i-1"),
					State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
					PublicIpAddress: aws.String("1.2.3.4"),
				}},
			}},
		},
	}
	a := NewEC2Adapter(client)

	desc, err := a.DescribeInstance(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", desc.PublicEndpoint)
	assert.Equal(t, "running", desc.State)
}

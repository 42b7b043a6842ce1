package fleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/psantana5/recogpool/pkg/models"
)

// EC2API is the subset of the EC2 client used here
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// EC2Filter narrows the pool to instances built from one image and/or tagged
type EC2Filter struct {
	ImageID string
	Tag     string // "key=value"
}

// EC2Fleet manages a pool of pre-provisioned EC2 instances
type EC2Fleet struct {
	client EC2API
	filter EC2Filter
}

// NewEC2Fleet binds a client to the instances matching filter
func NewEC2Fleet(client EC2API, filter EC2Filter) (*EC2Fleet, error) {
	if filter.Tag != "" && !strings.Contains(filter.Tag, "=") {
		return nil, fmt.Errorf("fleet tag filter %q must be key=value", filter.Tag)
	}
	return &EC2Fleet{client: client, filter: filter}, nil
}

// ec2States maps pool states onto EC2 instance states. Pending counts as
// running so the autoscaler does not start more while instances boot.
func ec2States(state models.InstanceState) []string {
	if state == models.InstanceRunning {
		return []string{"pending", "running"}
	}
	return []string{"stopped"}
}

func (f *EC2Fleet) filters(state models.InstanceState) []types.Filter {
	out := []types.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: ec2States(state),
	}}
	if f.filter.ImageID != "" {
		out = append(out, types.Filter{Name: aws.String("image-id"), Values: []string{f.filter.ImageID}})
	}
	if f.filter.Tag != "" {
		key, value, _ := strings.Cut(f.filter.Tag, "=")
		out = append(out, types.Filter{Name: aws.String("tag:" + key), Values: []string{value}})
	}
	return out
}

// List describes matching instances in state, following every page
func (f *EC2Fleet) List(ctx context.Context, state models.InstanceState) ([]string, error) {
	pager := ec2.NewDescribeInstancesPaginator(f.client, &ec2.DescribeInstancesInput{
		Filters: f.filters(state),
	})

	var ids []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				ids = append(ids, aws.ToString(inst.InstanceId))
			}
		}
	}
	return sorted(ids), nil
}

// Start requests a start; instances stay pending for a while afterwards
func (f *EC2Fleet) Start(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := f.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("failed to start instances: %w", err)
	}
	return nil
}

// Stop requests a stop. It does not wait for the instances to reach stopped.
func (f *EC2Fleet) Stop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := f.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("failed to stop instances: %w", err)
	}
	return nil
}

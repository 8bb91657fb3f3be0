package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

type InstanceConfig struct {
	AMI          string            `json:"ami"`
	InstanceType string            `json:"instance_type"`
	KeyName      string            `json:"key_name,omitempty"`
	Region       string            `json:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type InstanceState struct {
	ID           string            `json:"id"`
	AMI          string            `json:"ami"`
	InstanceType string            `json:"instance_type"`
	PublicIP     string            `json:"public_ip,omitempty"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	Region       string            `json:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

func (p *Provider) planInstance(ctx context.Context, req *planReq) (*planResp, error) {
	if len(req.PriorJSON) == 0 {
		return &planResp{Action: actionCreate}, nil
	}

	var prior InstanceState
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	var desired InstanceConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	// Drift check against the live instance.
	resp, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{prior.ID},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound" {
			return &planResp{Action: actionCreate}, nil
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", prior.ID, err)
	}

	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return &planResp{Action: actionCreate}, nil
	}

	instance := resp.Reservations[0].Instances[0]
	if instance.State.Name == types.InstanceStateNameTerminated {
		return &planResp{Action: actionCreate}, nil
	}

	// The image and instance type cannot change in place.
	var changed []string
	if aws.ToString(instance.ImageId) != desired.AMI {
		changed = append(changed, "ami")
	}
	if string(instance.InstanceType) != desired.InstanceType {
		changed = append(changed, "instance_type")
	}
	if len(changed) > 0 {
		return &planResp{Action: actionReplace, ChangedAttributes: changed}, nil
	}

	if !equalStringMaps(desired.Tags, prior.Tags) {
		return &planResp{Action: actionUpdate, ChangedAttributes: []string{"tags"}}, nil
	}

	return &planResp{Action: actionNoOp}, nil
}

func (p *Provider) applyInstance(ctx context.Context, req *applyReq) (*applyResp, error) {
	var desired InstanceConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	// In-place update: only tags are mutable.
	if len(req.PriorJSON) > 0 {
		var prior InstanceState
		if err := json.Unmarshal(req.PriorJSON, &prior); err == nil && prior.ID != "" {
			if err := p.tagResource(ctx, prior.ID, desired.Tags); err != nil {
				return nil, err
			}
			prior.Tags = desired.Tags
			stateJSON, _ := json.Marshal(prior)
			return &applyResp{NewStateJSON: stateJSON}, nil
		}
	}

	runInput := &ec2.RunInstancesInput{
		ImageId:      aws.String(desired.AMI),
		InstanceType: types.InstanceType(desired.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if desired.KeyName != "" {
		runInput.KeyName = aws.String(desired.KeyName)
	}
	if len(desired.Tags) > 0 {
		runInput.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         toEC2Tags(desired.Tags),
		}}
	}

	resp, err := p.ec2Client.RunInstances(ctx, runInput)
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(resp.Instances) == 0 {
		return nil, fmt.Errorf("no instances created")
	}

	instanceID := aws.ToString(resp.Instances[0].InstanceId)

	waiter := ec2.NewInstanceRunningWaiter(p.ec2Client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("instance %s did not reach running: %w", instanceID, err)
	}

	// Re-describe once running so the IPs are populated.
	desc, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}

	instance := desc.Reservations[0].Instances[0]
	newState := InstanceState{
		ID:           instanceID,
		AMI:          desired.AMI,
		InstanceType: desired.InstanceType,
		PublicIP:     aws.ToString(instance.PublicIpAddress),
		PrivateIP:    aws.ToString(instance.PrivateIpAddress),
		Region:       p.region,
		Tags:         desired.Tags,
	}

	stateJSON, _ := json.Marshal(newState)
	return &applyResp{NewStateJSON: stateJSON}, nil
}

func (p *Provider) readInstance(ctx context.Context, req *readReq) (*readResp, error) {
	var current InstanceState
	if len(req.CurrentJSON) > 0 {
		if err := json.Unmarshal(req.CurrentJSON, &current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current state: %w", err)
		}
	}
	id := current.ID
	if id == "" {
		id = req.ID
	}
	if id == "" {
		return &readResp{Exists: false}, nil
	}

	resp, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound" {
			return &readResp{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", id, err)
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return &readResp{Exists: false}, nil
	}

	instance := resp.Reservations[0].Instances[0]
	if instance.State.Name == types.InstanceStateNameTerminated {
		return &readResp{Exists: false}, nil
	}

	current.ID = id
	current.AMI = aws.ToString(instance.ImageId)
	current.InstanceType = string(instance.InstanceType)
	current.PublicIP = aws.ToString(instance.PublicIpAddress)
	current.PrivateIP = aws.ToString(instance.PrivateIpAddress)

	stateJSON, _ := json.Marshal(current)
	return &readResp{Exists: true, NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteInstance(ctx context.Context, req *deleteReq) error {
	id := req.ID
	if id == "" && len(req.CurrentJSON) > 0 {
		var current InstanceState
		if err := json.Unmarshal(req.CurrentJSON, &current); err == nil {
			id = current.ID
		}
	}
	if id == "" {
		return nil
	}

	_, err := p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil
		}
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(p.ec2Client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, 5*time.Minute); err != nil {
		return fmt.Errorf("instance %s did not terminate: %w", id, err)
	}

	return nil
}

func (p *Provider) tagResource(ctx context.Context, id string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      toEC2Tags(tags),
	})
	if err != nil {
		return fmt.Errorf("failed to update tags for %s: %w", id, err)
	}
	return nil
}

func toEC2Tags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Package aws implements the AWS provider. Resource coverage follows
// the managed stack: an EC2 instance plus the S3 bucket and DynamoDB
// table that back remote state for other environments.
package aws

import (
	"context"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stackform-io/stackform/pkg/provider"
)

// Resource types handled by this provider.
const (
	TypeInstance = "aws:EC2.Instance"
	TypeBucket   = "aws:S3.Bucket"
	TypeTable    = "aws:DynamoDB.Table"
)

const defaultRegion = "us-east-1"

// Contract aliases keep the per-resource files terse.
type (
	planReq   = provider.PlanRequest
	planResp  = provider.PlanResponse
	applyReq  = provider.ApplyRequest
	applyResp = provider.ApplyResponse
	readReq   = provider.ReadRequest
	readResp  = provider.ReadResponse
	deleteReq = provider.DeleteRequest
)

const (
	actionNoOp    = provider.ActionNoOp
	actionCreate  = provider.ActionCreate
	actionUpdate  = provider.ActionUpdate
	actionReplace = provider.ActionReplace
)

type Provider struct {
	mu     sync.Mutex
	region string

	ec2Client *ec2.Client
	s3Client  *s3.Client
	dbClient  *dynamodb.Client
}

func New() *Provider {
	return &Provider{}
}

// ensureClients lazily initializes the AWS service clients for region.
func (p *Provider) ensureClients(ctx context.Context, region string) error {
	if region == "" {
		region = defaultRegion
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ec2Client != nil && p.region == region {
		return nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	p.region = region
	p.ec2Client = ec2.NewFromConfig(cfg)
	p.s3Client = s3.NewFromConfig(cfg)
	p.dbClient = dynamodb.NewFromConfig(cfg)
	return nil
}

func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	if err := p.ensureClients(ctx, regionOf(req.DesiredJSON, req.PriorJSON)); err != nil {
		return nil, err
	}

	switch req.Type {
	case TypeInstance:
		return p.planInstance(ctx, req)
	case TypeBucket:
		return p.planBucket(ctx, req)
	case TypeTable:
		return p.planTable(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	if err := p.ensureClients(ctx, regionOf(req.DesiredJSON, req.PriorJSON)); err != nil {
		return nil, err
	}

	switch req.Type {
	case TypeInstance:
		return p.applyInstance(ctx, req)
	case TypeBucket:
		return p.applyBucket(ctx, req)
	case TypeTable:
		return p.applyTable(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	if err := p.ensureClients(ctx, regionOf(nil, req.CurrentJSON)); err != nil {
		return nil, err
	}

	switch req.Type {
	case TypeInstance:
		return p.readInstance(ctx, req)
	case TypeBucket:
		return p.readBucket(ctx, req)
	case TypeTable:
		return p.readTable(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.ensureClients(ctx, regionOf(nil, req.CurrentJSON)); err != nil {
		return err
	}

	switch req.Type {
	case TypeInstance:
		return p.deleteInstance(ctx, req)
	case TypeBucket:
		return p.deleteBucket(ctx, req)
	case TypeTable:
		return p.deleteTable(ctx, req)
	default:
		return fmt.Errorf("unsupported resource type: %s", req.Type)
	}
}

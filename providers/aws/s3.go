package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type BucketConfig struct {
	Bucket     string            `json:"bucket"`
	Region     string            `json:"region,omitempty"`
	Versioning bool              `json:"versioning,omitempty"`
	Encrypt    bool              `json:"encrypt,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

type BucketState struct {
	ID         string            `json:"id"` // bucket name
	ARN        string            `json:"arn"`
	Region     string            `json:"region,omitempty"`
	Versioning bool              `json:"versioning,omitempty"`
	Encrypt    bool              `json:"encrypt,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

func (p *Provider) planBucket(ctx context.Context, req *planReq) (*planResp, error) {
	var desired BucketConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if len(req.PriorJSON) == 0 {
		return &planResp{Action: actionCreate}, nil
	}

	var prior BucketState
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	_, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(prior.ID)})
	if err != nil {
		if isBucketNotFound(err) {
			return &planResp{Action: actionCreate}, nil
		}
		return nil, fmt.Errorf("failed to head bucket %s: %w", prior.ID, err)
	}

	if prior.ID != desired.Bucket {
		return &planResp{Action: actionReplace, ChangedAttributes: []string{"bucket"}}, nil
	}

	var changed []string
	if prior.Versioning != desired.Versioning {
		changed = append(changed, "versioning")
	}
	if prior.Encrypt != desired.Encrypt {
		changed = append(changed, "encrypt")
	}
	if !equalStringMaps(prior.Tags, desired.Tags) {
		changed = append(changed, "tags")
	}
	if len(changed) > 0 {
		return &planResp{Action: actionUpdate, ChangedAttributes: changed}, nil
	}

	return &planResp{Action: actionNoOp}, nil
}

func (p *Provider) applyBucket(ctx context.Context, req *applyReq) (*applyResp, error) {
	var desired BucketConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	exists := len(req.PriorJSON) > 0
	if !exists {
		input := &s3.CreateBucketInput{Bucket: aws.String(desired.Bucket)}
		// us-east-1 is the API default and rejects an explicit constraint.
		if p.region != defaultRegion {
			input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
				LocationConstraint: s3types.BucketLocationConstraint(p.region),
			}
		}
		if _, err := p.s3Client.CreateBucket(ctx, input); err != nil {
			var owned *s3types.BucketAlreadyOwnedByYou
			if !errors.As(err, &owned) {
				return nil, fmt.Errorf("failed to create bucket %s: %w", desired.Bucket, err)
			}
		}
	}

	if desired.Versioning {
		_, err := p.s3Client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(desired.Bucket),
			VersioningConfiguration: &s3types.VersioningConfiguration{
				Status: s3types.BucketVersioningStatusEnabled,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enable versioning on %s: %w", desired.Bucket, err)
		}
	}

	if desired.Encrypt {
		_, err := p.s3Client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
			Bucket: aws.String(desired.Bucket),
			ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
				Rules: []s3types.ServerSideEncryptionRule{{
					ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
						SSEAlgorithm: s3types.ServerSideEncryptionAes256,
					},
				}},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enable encryption on %s: %w", desired.Bucket, err)
		}
	}

	if len(desired.Tags) > 0 {
		tagSet := make([]s3types.Tag, 0, len(desired.Tags))
		for k, v := range desired.Tags {
			tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		_, err := p.s3Client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(desired.Bucket),
			Tagging: &s3types.Tagging{TagSet: tagSet},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag bucket %s: %w", desired.Bucket, err)
		}
	}

	newState := BucketState{
		ID:         desired.Bucket,
		ARN:        "arn:aws:s3:::" + desired.Bucket,
		Region:     p.region,
		Versioning: desired.Versioning,
		Encrypt:    desired.Encrypt,
		Tags:       desired.Tags,
	}

	stateJSON, _ := json.Marshal(newState)
	return &applyResp{NewStateJSON: stateJSON}, nil
}

func (p *Provider) readBucket(ctx context.Context, req *readReq) (*readResp, error) {
	var current BucketState
	if len(req.CurrentJSON) > 0 {
		if err := json.Unmarshal(req.CurrentJSON, &current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current state: %w", err)
		}
	}
	name := current.ID
	if name == "" {
		name = req.ID
	}
	if name == "" {
		return &readResp{Exists: false}, nil
	}

	_, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err != nil {
		if isBucketNotFound(err) {
			return &readResp{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to head bucket %s: %w", name, err)
	}

	ver, err := p.s3Client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(name)})
	if err == nil {
		current.Versioning = ver.Status == s3types.BucketVersioningStatusEnabled
	}

	current.ID = name
	current.ARN = "arn:aws:s3:::" + name
	stateJSON, _ := json.Marshal(current)
	return &readResp{Exists: true, NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteBucket(ctx context.Context, req *deleteReq) error {
	name := req.ID
	if name == "" && len(req.CurrentJSON) > 0 {
		var current BucketState
		if err := json.Unmarshal(req.CurrentJSON, &current); err == nil {
			name = current.ID
		}
	}
	if name == "" {
		return nil
	}

	// The bucket must already be empty; surfacing BucketNotEmpty to the
	// operator beats silently purging objects.
	_, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil {
		if isBucketNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

func isBucketNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nb *s3types.NoSuchBucket
	if errors.As(err, &nb) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "NotFound"
}

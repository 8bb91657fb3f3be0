package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type TableConfig struct {
	Name        string            `json:"name"`
	HashKey     string            `json:"hash_key"`
	BillingMode string            `json:"billing_mode,omitempty"`
	Region      string            `json:"region,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type TableState struct {
	ID          string            `json:"id"` // table name
	ARN         string            `json:"arn"`
	HashKey     string            `json:"hash_key"`
	BillingMode string            `json:"billing_mode,omitempty"`
	Region      string            `json:"region,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

const defaultBillingMode = "PAY_PER_REQUEST"

func (p *Provider) planTable(ctx context.Context, req *planReq) (*planResp, error) {
	var desired TableConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.Name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if desired.HashKey == "" {
		return nil, fmt.Errorf("hash_key is required")
	}

	if len(req.PriorJSON) == 0 {
		return &planResp{Action: actionCreate}, nil
	}

	var prior TableState
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	out, err := p.dbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(prior.ID),
	})
	if err != nil {
		var nf *dbtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return &planResp{Action: actionCreate}, nil
		}
		return nil, fmt.Errorf("failed to describe table %s: %w", prior.ID, err)
	}

	if prior.ID != desired.Name {
		return &planResp{Action: actionReplace, ChangedAttributes: []string{"name"}}, nil
	}

	// Hash key is fixed at creation.
	for _, ks := range out.Table.KeySchema {
		if ks.KeyType == dbtypes.KeyTypeHash && aws.ToString(ks.AttributeName) != desired.HashKey {
			return &planResp{Action: actionReplace, ChangedAttributes: []string{"hash_key"}}, nil
		}
	}

	mode := desired.BillingMode
	if mode == "" {
		mode = defaultBillingMode
	}
	if prior.BillingMode != "" && prior.BillingMode != mode {
		return &planResp{Action: actionUpdate, ChangedAttributes: []string{"billing_mode"}}, nil
	}

	return &planResp{Action: actionNoOp}, nil
}

func (p *Provider) applyTable(ctx context.Context, req *applyReq) (*applyResp, error) {
	var desired TableConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	mode := desired.BillingMode
	if mode == "" {
		mode = defaultBillingMode
	}

	if len(req.PriorJSON) > 0 {
		// Only the billing mode can change in place.
		_, err := p.dbClient.UpdateTable(ctx, &dynamodb.UpdateTableInput{
			TableName:   aws.String(desired.Name),
			BillingMode: dbtypes.BillingMode(mode),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update table %s: %w", desired.Name, err)
		}
	} else {
		input := &dynamodb.CreateTableInput{
			TableName: aws.String(desired.Name),
			AttributeDefinitions: []dbtypes.AttributeDefinition{{
				AttributeName: aws.String(desired.HashKey),
				AttributeType: dbtypes.ScalarAttributeTypeS,
			}},
			KeySchema: []dbtypes.KeySchemaElement{{
				AttributeName: aws.String(desired.HashKey),
				KeyType:       dbtypes.KeyTypeHash,
			}},
			BillingMode: dbtypes.BillingMode(mode),
		}
		for k, v := range desired.Tags {
			input.Tags = append(input.Tags, dbtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
		}

		if _, err := p.dbClient.CreateTable(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", desired.Name, err)
		}

		waiter := dynamodb.NewTableExistsWaiter(p.dbClient)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(desired.Name),
		}, 5*time.Minute); err != nil {
			return nil, fmt.Errorf("table %s did not become active: %w", desired.Name, err)
		}
	}

	out, err := p.dbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(desired.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", desired.Name, err)
	}

	newState := TableState{
		ID:          desired.Name,
		ARN:         aws.ToString(out.Table.TableArn),
		HashKey:     desired.HashKey,
		BillingMode: mode,
		Region:      p.region,
		Tags:        desired.Tags,
	}

	stateJSON, _ := json.Marshal(newState)
	return &applyResp{NewStateJSON: stateJSON}, nil
}

func (p *Provider) readTable(ctx context.Context, req *readReq) (*readResp, error) {
	var current TableState
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

	out, err := p.dbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		var nf *dbtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return &readResp{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}

	current.ID = name
	current.ARN = aws.ToString(out.Table.TableArn)
	stateJSON, _ := json.Marshal(current)
	return &readResp{Exists: true, NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteTable(ctx context.Context, req *deleteReq) error {
	name := req.ID
	if name == "" && len(req.CurrentJSON) > 0 {
		var current TableState
		if err := json.Unmarshal(req.CurrentJSON, &current); err == nil {
			name = current.ID
		}
	}
	if name == "" {
		return nil
	}

	_, err := p.dbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		var nf *dbtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete table %s: %w", name, err)
	}

	waiter := dynamodb.NewTableNotExistsWaiter(p.dbClient)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	}, 5*time.Minute); err != nil {
		return fmt.Errorf("table %s was not removed: %w", name, err)
	}

	return nil
}

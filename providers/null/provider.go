// Package null implements a provider whose resources exist only in
// state. A null resource is replaced whenever its triggers change,
// which makes it a convenient probe for the plan/apply machinery.
package null

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackform-io/stackform/pkg/provider"
)

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

type Config struct {
	Triggers map[string]string `json:"triggers"`
}

type State struct {
	ID       string            `json:"id"`
	Triggers map[string]string `json:"triggers"`
}

func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	var desired Config
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if len(req.PriorJSON) == 0 {
		return &provider.PlanResponse{Action: provider.ActionCreate}, nil
	}

	var prior State
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	if !equalTriggers(desired.Triggers, prior.Triggers) {
		return &provider.PlanResponse{
			Action:            provider.ActionReplace,
			ChangedAttributes: []string{"triggers"},
		}, nil
	}

	return &provider.PlanResponse{Action: provider.ActionNoOp}, nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired Config
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	state := State{
		ID:       fmt.Sprintf("null-%s", req.Name),
		Triggers: desired.Triggers,
	}

	stateJSON, _ := json.Marshal(state)
	return &provider.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	return &provider.ReadResponse{
		Exists:       true,
		NewStateJSON: req.CurrentJSON,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	return nil
}

func equalTriggers(a, b map[string]string) bool {
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

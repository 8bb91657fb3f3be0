package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/provider"
)

// Engine sequences plan and apply for a set of resources. It never
// touches the state backend itself; the caller owns the lock/read/write
// cycle and hands the engine an in-memory state document.
type Engine struct {
	registry *provider.Registry
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{registry: registry}
}

// CreatePlan computes the changes needed to reconcile desired
// configuration with the tracked state. It performs no mutation.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources))

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Changes:  []*ir.ResourceChange{},
		Summary:  &ir.PlanSummary{},
		Outputs:  cfg.Outputs,
	}

	for _, res := range cfg.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	dag, err := BuildDAG(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Addr()] = res
	}

	configByAddr := make(map[string]*ir.Resource)
	for _, res := range cfg.Resources {
		configByAddr[res.Addr()] = res
	}

	for _, addr := range dag.CreationOrder() {
		res, ok := configByAddr[addr]
		if !ok {
			continue
		}

		prov, err := e.registry.Get(res.Provider)
		if err != nil {
			return nil, err
		}

		desiredJSON, err := json.Marshal(res.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}

		var priorJSON []byte
		if prior, ok := stateMap[addr]; ok {
			priorJSON, _ = json.Marshal(prior.Outputs)
		}

		resp, err := prov.Plan(ctx, &provider.PlanRequest{
			Type:        res.Type,
			Name:        res.Name,
			DesiredJSON: desiredJSON,
			PriorJSON:   priorJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("plan failed for %s: %w", addr, err)
		}

		if resp.Action == provider.ActionNoOp {
			plan.Summary.NoOp++
			continue
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  string(resp.Action),
			Desired: res,
		}

		if prior, ok := stateMap[addr]; ok {
			change.Prior = &ir.Resource{
				Type:       prior.Type,
				Name:       prior.Name,
				Provider:   prior.Provider,
				Properties: prior.Inputs,
			}
			change.Diff = buildPropertyDiff(prior.Inputs, res.Properties)
		} else {
			change.Diff = buildCreateDiff(res.Properties)
		}

		plan.Changes = append(plan.Changes, change)

		switch resp.Action {
		case provider.ActionCreate:
			plan.Summary.Create++
		case provider.ActionUpdate:
			plan.Summary.Update++
		case provider.ActionReplace:
			plan.Summary.Replace++
		case provider.ActionDelete:
			plan.Summary.Delete++
		}
	}

	// Resources tracked in state but absent from configuration get
	// deleted, in reverse dependency order.
	var removed []*ir.ResourceState
	for _, res := range state.Resources {
		if _, ok := configByAddr[res.Addr()]; !ok {
			removed = append(removed, res)
		}
	}
	if len(removed) > 0 {
		deletes, err := deletionChanges(removed)
		if err != nil {
			return nil, err
		}
		plan.Changes = append(plan.Changes, deletes...)
		plan.Summary.Delete += len(deletes)
	}

	return plan, nil
}

// DestroyPlan computes a deletion-only plan covering every tracked
// resource, in reverse dependency order.
func (e *Engine) DestroyPlan(ctx context.Context, state *ir.State) (*ir.Plan, error) {
	logging.Debug("creating destroy plan", "state_resources", len(state.Resources))

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Changes:  []*ir.ResourceChange{},
		Summary:  &ir.PlanSummary{},
	}

	for _, res := range state.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	deletes, err := deletionChanges(state.Resources)
	if err != nil {
		return nil, err
	}
	plan.Changes = deletes
	plan.Summary.Delete = len(deletes)

	return plan, nil
}

func deletionChanges(resources []*ir.ResourceState) ([]*ir.ResourceChange, error) {
	dag, err := BuildDAGFromState(resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build deletion graph: %w", err)
	}

	byAddr := make(map[string]*ir.ResourceState, len(resources))
	for _, res := range resources {
		byAddr[res.Addr()] = res
	}

	var changes []*ir.ResourceChange
	for _, addr := range dag.DestructionOrder() {
		res, ok := byAddr[addr]
		if !ok {
			continue
		}
		changes = append(changes, &ir.ResourceChange{
			Address: addr,
			Action:  ir.ActionDelete,
			Prior: &ir.Resource{
				Type:       res.Type,
				Name:       res.Name,
				Provider:   res.Provider,
				Properties: res.Inputs,
			},
			Diff: buildDeleteDiff(res.Inputs),
		})
	}
	return changes, nil
}

// buildPropertyDiff compares prior and desired properties.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		case fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}

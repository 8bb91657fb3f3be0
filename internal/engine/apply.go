package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/provider"
)

// ApplyEvent reports progress for one change during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed"
	Duration time.Duration
	Error    error
}

// ApplyCallback receives apply events when set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan against the providers, mutating state as
// each change lands.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan sequentially in plan order:
// creates and updates first, deletions after. Each completed change is
// recorded in state immediately, so a mid-apply failure leaves every
// already-applied change tracked; the caller must still persist the
// returned state even when err is non-nil.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	// Every persisted state gets a fresh serial, partial ones included.
	defer func() { state.Serial++ }()

	stateIndex := make(map[string]int)
	for i, res := range state.Resources {
		stateIndex[res.Addr()] = i
	}

	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == ir.ActionDelete {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	for _, change := range append(createUpdates, deletes...) {
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("apply cancelled: %w", err)
		}

		start := time.Now()
		emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})

		if err := e.applyChange(ctx, change, state, stateIndex); err != nil {
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Duration: time.Since(start), Error: err})
			return state, fmt.Errorf("apply failed for %s: %w", change.Address, err)
		}

		emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "completed", Duration: time.Since(start)})
	}

	if plan.Outputs != nil {
		state.Outputs = resolveReferences(plan.Outputs, state).(map[string]any)
	} else {
		state.Outputs = nil
	}

	return state, nil
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, state *ir.State, stateIndex map[string]int) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var name, typ, provName string
	switch {
	case change.Desired != nil:
		name, typ, provName = change.Desired.Name, change.Desired.Type, change.Desired.Provider
	case change.Prior != nil:
		name, typ, provName = change.Prior.Name, change.Prior.Type, change.Prior.Provider
	default:
		return fmt.Errorf("change for %s has neither desired nor prior resource", addr)
	}

	prov, err := e.registry.Get(provName)
	if err != nil {
		return err
	}

	var priorJSON []byte
	if idx, ok := stateIndex[addr]; ok {
		if outputs := state.Resources[idx].Outputs; outputs != nil {
			priorJSON, _ = json.Marshal(outputs)
		}
	}

	policy := DefaultRetryPolicy()

	switch change.Action {
	case ir.ActionCreate, ir.ActionUpdate, ir.ActionReplace:
		resolved := resolveReferences(change.Desired.Properties, state)
		desiredJSON, err := json.Marshal(resolved)
		if err != nil {
			return fmt.Errorf("failed to marshal properties: %w", err)
		}

		// A replace is a new remote object; the provider must not see
		// the prior identity or it will update in place.
		if change.Action == ir.ActionReplace {
			priorJSON = nil
		}

		var resp *provider.ApplyResponse
		err = RetryWithBackoff(ctx, policy, func() error {
			var applyErr error
			resp, applyErr = prov.Apply(ctx, &provider.ApplyRequest{
				Type:        typ,
				Name:        name,
				DesiredJSON: desiredJSON,
				PriorJSON:   priorJSON,
			})
			return applyErr
		}, IsTransientError)
		if err != nil {
			return err
		}

		var outputs map[string]any
		if len(resp.NewStateJSON) > 0 {
			if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
				return fmt.Errorf("failed to unmarshal provider state: %w", err)
			}
		}

		newRes := &ir.ResourceState{
			Type:         typ,
			Name:         name,
			Provider:     provName,
			Inputs:       change.Desired.Properties,
			Outputs:      outputs,
			Dependencies: dependenciesOf(change.Desired),
		}

		if idx, ok := stateIndex[addr]; ok {
			state.Resources[idx] = newRes
		} else {
			stateIndex[addr] = len(state.Resources)
			state.Resources = append(state.Resources, newRes)
		}

	case ir.ActionDelete:
		var resourceID string
		if idx, ok := stateIndex[addr]; ok {
			if id, exists := state.Resources[idx].Outputs["id"]; exists {
				resourceID = fmt.Sprintf("%v", id)
			}
		}

		err := RetryWithBackoff(ctx, policy, func() error {
			return prov.Delete(ctx, &provider.DeleteRequest{
				Type:        typ,
				ID:          resourceID,
				CurrentJSON: priorJSON,
			})
		}, IsTransientError)
		if err != nil {
			return err
		}

		if idx, ok := stateIndex[addr]; ok {
			state.Resources = append(state.Resources[:idx], state.Resources[idx+1:]...)
			for k := range stateIndex {
				delete(stateIndex, k)
			}
			for i, res := range state.Resources {
				stateIndex[res.Addr()] = i
			}
		}

	default:
		return fmt.Errorf("unknown plan action %q", change.Action)
	}

	return nil
}

// dependenciesOf records the addresses a resource depends on, explicit
// and implicit, for later destroy ordering.
func dependenciesOf(res *ir.Resource) []string {
	seen := make(map[string]bool)
	var deps []string
	for _, dep := range res.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	for _, ref := range extractPtrRefs(res.Properties) {
		if addr := ptrRefToAddr(ref); addr != "" && !seen[addr] {
			seen[addr] = true
			deps = append(deps, addr)
		}
	}
	return deps
}

// resolveReferences replaces ptr:// strings with attribute values from
// already-applied resources. An unresolvable reference passes through
// unchanged so the provider can reject it with context.
func resolveReferences(val any, state *ir.State) any {
	switch v := val.(type) {
	case string:
		if !strings.HasPrefix(v, "ptr://") {
			return v
		}
		for _, res := range state.Resources {
			prefix := fmt.Sprintf("ptr://%s/%s/", res.Type, res.Name)
			if strings.HasPrefix(v, prefix) {
				attr := v[len(prefix):]
				if out, ok := res.Outputs[attr]; ok {
					return out
				}
				if in, ok := res.Inputs[attr]; ok {
					return in
				}
				return v
			}
		}
		return v
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for k, item := range v {
			resolved[k] = resolveReferences(item, state)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = resolveReferences(item, state)
		}
		return resolved
	default:
		return v
	}
}

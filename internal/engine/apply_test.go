package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/provider"
)

// fakeProvider counts calls and fails Apply for configured resource names.
type fakeProvider struct {
	planCalls  int
	applyCalls int
	failApply  map[string]bool
}

func (f *fakeProvider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	f.planCalls++
	if len(req.PriorJSON) == 0 {
		return &provider.PlanResponse{Action: provider.ActionCreate}, nil
	}
	return &provider.PlanResponse{Action: provider.ActionNoOp}, nil
}

func (f *fakeProvider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	f.applyCalls++
	if f.failApply[req.Name] {
		return nil, fmt.Errorf("simulated provider failure for %s", req.Name)
	}
	stateJSON, _ := json.Marshal(map[string]any{"id": "fake-" + req.Name})
	return &provider.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (f *fakeProvider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	return &provider.ReadResponse{Exists: true, NewStateJSON: req.CurrentJSON}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	return nil
}

func TestApplyPlan_Create(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.LoadProvider("null"))

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "null:Resource.test1",
				Action:  ir.ActionCreate,
				Desired: &ir.Resource{
					Type: "null:Resource", Name: "test1", Provider: "null",
					Properties: map[string]any{"triggers": map[string]any{"a": "b"}},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
	}

	state := ir.NewState()
	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, "null:Resource", newState.Resources[0].Type)
	assert.Equal(t, "null-test1", newState.Resources[0].Outputs["id"])
	assert.Equal(t, 1, newState.Serial)
}

func TestApplyPlan_Delete(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.LoadProvider("null"))

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "null:Resource.test1",
				Action:  ir.ActionDelete,
				Prior:   &ir.Resource{Type: "null:Resource", Name: "test1", Provider: "null"},
			},
		},
		Summary: &ir.PlanSummary{Delete: 1},
	}

	state := ir.NewState()
	state.Resources = []*ir.ResourceState{
		{
			Type: "null:Resource", Name: "test1", Provider: "null",
			Outputs: map[string]any{"id": "null-test1"},
		},
	}

	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	assert.Len(t, newState.Resources, 0)
}

func TestApplyPlan_PartialFailurePreservesCompletedChanges(t *testing.T) {
	fake := &fakeProvider{failApply: map[string]bool{"second": true}}
	reg := provider.NewRegistry()
	reg.Register("fake", fake)

	eng := NewEngine(reg)
	ctx := context.Background()

	var changes []*ir.ResourceChange
	for _, name := range []string{"first", "second", "third"} {
		changes = append(changes, &ir.ResourceChange{
			Address: "fake:Thing." + name,
			Action:  ir.ActionCreate,
			Desired: &ir.Resource{Type: "fake:Thing", Name: name, Provider: "fake"},
		})
	}
	plan := &ir.Plan{Changes: changes, Summary: &ir.PlanSummary{Create: 3}}

	state := ir.NewState()
	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake:Thing.second")

	// Only the change that completed before the failure is tracked;
	// the failed and never-attempted ones are not.
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, "fake:Thing.first", newState.Resources[0].Addr())
	assert.Equal(t, "fake-first", newState.Resources[0].Outputs["id"])

	// The partial state still gets a fresh serial for persistence.
	assert.Equal(t, 1, newState.Serial)
}

func TestApplyPlan_Replace_NoDuplicates(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.LoadProvider("null"))

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "null:Resource.test1",
				Action:  ir.ActionReplace,
				Desired: &ir.Resource{
					Type: "null:Resource", Name: "test1", Provider: "null",
					Properties: map[string]any{"triggers": map[string]any{"a": "new"}},
				},
			},
		},
		Summary: &ir.PlanSummary{Replace: 1},
	}

	state := ir.NewState()
	state.Resources = []*ir.ResourceState{
		{
			Type: "null:Resource", Name: "test1", Provider: "null",
			Inputs:  map[string]any{"triggers": map[string]any{"a": "old"}},
			Outputs: map[string]any{"id": "null-test1"},
		},
	}

	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	require.Len(t, newState.Resources, 1)
}

func TestApplyPlan_ResolvesOutputReferences(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.LoadProvider("null"))

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "null:Resource.probe",
				Action:  ir.ActionCreate,
				Desired: &ir.Resource{Type: "null:Resource", Name: "probe", Provider: "null"},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
		Outputs: map[string]any{"probe_id": "ptr://null:Resource/probe/id"},
	}

	newState, err := eng.ApplyPlan(ctx, plan, ir.NewState())
	require.NoError(t, err)
	assert.Equal(t, "null-probe", newState.Outputs["probe_id"])
}

func TestApplyPlan_CancelledContext(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.LoadProvider("null"))

	eng := NewEngine(reg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "null:Resource.test1",
				Action:  ir.ActionCreate,
				Desired: &ir.Resource{Type: "null:Resource", Name: "test1", Provider: "null"},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
	}

	state := ir.NewState()
	_, err := eng.ApplyPlan(ctx, plan, state)
	require.Error(t, err)
	assert.Empty(t, state.Resources)
}

func TestFullCycle_SecondPlanIsEmpty(t *testing.T) {
	fake := &fakeProvider{}
	reg := provider.NewRegistry()
	reg.Register("fake", fake)

	eng := NewEngine(reg)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "fake:Thing", Name: "one", Provider: "fake"},
		},
	}

	state := ir.NewState()
	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)

	state, err = eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	applied := fake.applyCalls

	// Re-planning an unchanged configuration produces no changes and
	// performs no further provider mutations.
	plan2, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	assert.True(t, plan2.Empty())

	state, err = eng.ApplyPlan(ctx, plan2, state)
	require.NoError(t, err)
	assert.Equal(t, applied, fake.applyCalls)
}

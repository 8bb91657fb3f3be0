package null

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/pkg/provider"
)

func TestPlan_NoPriorIsCreate(t *testing.T) {
	p := New()

	desired, _ := json.Marshal(Config{Triggers: map[string]string{"a": "1"}})
	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type: "null:Resource", Name: "test", DesiredJSON: desired,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionCreate, resp.Action)
}

func TestPlan_SameTriggersIsNoOp(t *testing.T) {
	p := New()

	desired, _ := json.Marshal(Config{Triggers: map[string]string{"a": "1"}})
	prior, _ := json.Marshal(State{ID: "null-test", Triggers: map[string]string{"a": "1"}})

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type: "null:Resource", Name: "test", DesiredJSON: desired, PriorJSON: prior,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionNoOp, resp.Action)
}

func TestPlan_ChangedTriggersIsReplace(t *testing.T) {
	p := New()

	desired, _ := json.Marshal(Config{Triggers: map[string]string{"a": "2"}})
	prior, _ := json.Marshal(State{ID: "null-test", Triggers: map[string]string{"a": "1"}})

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type: "null:Resource", Name: "test", DesiredJSON: desired, PriorJSON: prior,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionReplace, resp.Action)
	assert.Equal(t, []string{"triggers"}, resp.ChangedAttributes)
}

func TestApply_ProducesStableID(t *testing.T) {
	p := New()

	desired, _ := json.Marshal(Config{Triggers: map[string]string{"a": "1"}})
	resp, err := p.Apply(context.Background(), &provider.ApplyRequest{
		Type: "null:Resource", Name: "test", DesiredJSON: desired,
	})
	require.NoError(t, err)

	var state State
	require.NoError(t, json.Unmarshal(resp.NewStateJSON, &state))
	assert.Equal(t, "null-test", state.ID)
	assert.Equal(t, map[string]string{"a": "1"}, state.Triggers)
}

func TestDelete_AlwaysSucceeds(t *testing.T) {
	p := New()
	err := p.Delete(context.Background(), &provider.DeleteRequest{Type: "null:Resource", ID: "null-test"})
	assert.NoError(t, err)
}

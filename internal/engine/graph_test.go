package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/ir"
)

func indexOf(order []string, addr string) int {
	for i, a := range order {
		if a == addr {
			return i
		}
	}
	return -1
}

func TestBuildDAG_ExplicitDependencyOrder(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "aws:S3.Bucket", Name: "data", Provider: "aws"},
		{Type: "aws:EC2.Instance", Name: "web", Provider: "aws", DependsOn: []string{"aws:S3.Bucket.data"}},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	require.Len(t, order, 2)
	assert.Less(t, indexOf(order, "aws:S3.Bucket.data"), indexOf(order, "aws:EC2.Instance.web"))

	rev := dag.DestructionOrder()
	assert.Less(t, indexOf(rev, "aws:EC2.Instance.web"), indexOf(rev, "aws:S3.Bucket.data"))
}

func TestBuildDAG_ImplicitPtrReference(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type: "aws:DynamoDB.Table", Name: "locks", Provider: "aws",
			Properties: map[string]any{
				"tags": map[string]any{"bucket": "ptr://aws:S3.Bucket/state/arn"},
			},
		},
		{Type: "aws:S3.Bucket", Name: "state", Provider: "aws"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	assert.Less(t, indexOf(order, "aws:S3.Bucket.state"), indexOf(order, "aws:DynamoDB.Table.locks"))
	assert.Equal(t, []string{"aws:S3.Bucket.state"}, dag.Dependencies("aws:DynamoDB.Table.locks"))
}

func TestBuildDAG_CycleDetected(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null:Resource", Name: "a", Provider: "null", DependsOn: []string{"null:Resource.b"}},
		{Type: "null:Resource", Name: "b", Provider: "null", DependsOn: []string{"null:Resource.a"}},
	}

	_, err := BuildDAG(resources)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildDAG_DuplicateAddress(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null:Resource", Name: "a", Provider: "null"},
		{Type: "null:Resource", Name: "a", Provider: "null"},
	}

	_, err := BuildDAG(resources)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuildDAG_UnknownDependency(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "null:Resource", Name: "a", Provider: "null", DependsOn: []string{"null:Resource.ghost"}},
	}

	_, err := BuildDAG(resources)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")
}

func TestBuildDAGFromState_DestructionOrder(t *testing.T) {
	resources := []*ir.ResourceState{
		{Type: "aws:S3.Bucket", Name: "data", Provider: "aws"},
		{Type: "aws:EC2.Instance", Name: "web", Provider: "aws", Dependencies: []string{"aws:S3.Bucket.data"}},
	}

	dag, err := BuildDAGFromState(resources)
	require.NoError(t, err)

	rev := dag.DestructionOrder()
	assert.Less(t, indexOf(rev, "aws:EC2.Instance.web"), indexOf(rev, "aws:S3.Bucket.data"))
}

func TestPtrRefToAddr(t *testing.T) {
	assert.Equal(t, "aws:EC2.Instance.web", ptrRefToAddr("ptr://aws:EC2.Instance/web/id"))
	assert.Equal(t, "null:Resource.a", ptrRefToAddr("ptr://null:Resource/a/id"))
	assert.Equal(t, "", ptrRefToAddr("not-a-ref"))
	assert.Equal(t, "", ptrRefToAddr("ptr://incomplete"))
}

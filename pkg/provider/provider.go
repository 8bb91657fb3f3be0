// Package provider defines the contract between the engine and resource
// providers. Payloads cross the boundary as JSON so providers stay
// decoupled from the engine's internal representation.
package provider

import "context"

// Action is the change a provider proposes for a resource.
type Action string

const (
	ActionNoOp    Action = "NOOP"
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE"
	ActionDelete  Action = "DELETE"
)

type PlanRequest struct {
	Type        string
	Name        string
	DesiredJSON []byte
	PriorJSON   []byte
}

type PlanResponse struct {
	Action            Action
	ChangedAttributes []string
}

type ApplyRequest struct {
	Type        string
	Name        string
	DesiredJSON []byte
	PriorJSON   []byte
}

type ApplyResponse struct {
	NewStateJSON []byte
}

type ReadRequest struct {
	Type        string
	ID          string
	CurrentJSON []byte
}

type ReadResponse struct {
	Exists       bool
	NewStateJSON []byte
}

type DeleteRequest struct {
	Type        string
	ID          string
	CurrentJSON []byte
}

// Provider manages the lifecycle of one family of resource types.
type Provider interface {
	// Plan proposes the action needed to reconcile desired config with
	// prior state, without mutating anything.
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)

	// Apply creates or updates the resource and returns its new state.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)

	// Read refreshes the resource's current state from the real provider.
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)

	// Delete destroys the resource.
	Delete(ctx context.Context, req *DeleteRequest) error
}

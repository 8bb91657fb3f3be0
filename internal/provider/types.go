package provider

import (
	"github.com/stackform-io/stackform/pkg/provider"
)

// Contract re-exports, so engine code reaches both the registry and
// the provider contract through a single import.
type (
	Provider      = provider.Provider
	Action        = provider.Action
	PlanRequest   = provider.PlanRequest
	PlanResponse  = provider.PlanResponse
	ApplyRequest  = provider.ApplyRequest
	ApplyResponse = provider.ApplyResponse
	ReadRequest   = provider.ReadRequest
	ReadResponse  = provider.ReadResponse
	DeleteRequest = provider.DeleteRequest
)

const (
	ActionNoOp    = provider.ActionNoOp
	ActionCreate  = provider.ActionCreate
	ActionUpdate  = provider.ActionUpdate
	ActionReplace = provider.ActionReplace
	ActionDelete  = provider.ActionDelete
)

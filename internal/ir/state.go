package ir

import "github.com/google/uuid"

// State is the persisted record of every resource under management.
// It is serialized as JSON and stored by a state backend.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

// StateVersion is the current state document format version.
const StateVersion = 1

// NewState returns an empty state document at serial zero with a
// fresh lineage. Lineage never changes for the life of a state file;
// two documents with different lineages must not be mixed.
func NewState() *State {
	return &State{
		Version: StateVersion,
		Serial:  0,
		Lineage: uuid.NewString(),
	}
}

// ResourceState records one managed resource: the inputs that produced
// it and the attributes the provider reported back.
type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Addr returns the resource address (type.name), unique within a state.
func (r *ResourceState) Addr() string {
	return r.Type + "." + r.Name
}

// Resource returns the resource at addr, or nil if it is not tracked.
func (s *State) Resource(addr string) *ResourceState {
	for _, r := range s.Resources {
		if r.Addr() == addr {
			return r
		}
	}
	return nil
}

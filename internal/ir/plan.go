package ir

// Plan is a computed set of changes that would bring the tracked state
// in line with the desired configuration.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp string `json:"timestamp"`
}

// Change actions, in plan order.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionReplace = "REPLACE"
	ActionDelete  = "DELETE"
	ActionNoOp    = "NOOP"
)

type ResourceChange struct {
	Address string                   `json:"address"`
	Action  string                   `json:"action"`
	Desired *Resource                `json:"resource,omitempty"`
	Prior   *Resource                `json:"prior,omitempty"`
	Diff    map[string]*PropertyDiff `json:"diff,omitempty"`
}

type PropertyDiff struct {
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Action string `json:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// Empty reports whether the plan contains no changes.
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}

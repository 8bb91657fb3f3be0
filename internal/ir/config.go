package ir

// Config is the top-level desired configuration.
type Config struct {
	Resources []*Resource    `json:"resources"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

package ir

// Resource is a single desired resource from configuration.
type Resource struct {
	Type       string         `json:"type"` // e.g. "aws:EC2.Instance"
	Name       string         `json:"name"`
	Provider   string         `json:"provider"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Addr returns the resource address (type.name).
func (r *Resource) Addr() string {
	return r.Type + "." + r.Name
}

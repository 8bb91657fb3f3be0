package aws

import "encoding/json"

// regionOf picks the region from the desired config, falling back to the
// prior state, then to the provider default.
func regionOf(desiredJSON, priorJSON []byte) string {
	type regioned struct {
		Region string `json:"region"`
	}

	var r regioned
	if len(desiredJSON) > 0 {
		if err := json.Unmarshal(desiredJSON, &r); err == nil && r.Region != "" {
			return r.Region
		}
	}
	if len(priorJSON) > 0 {
		if err := json.Unmarshal(priorJSON, &r); err == nil && r.Region != "" {
			return r.Region
		}
	}
	return defaultRegion
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Voice is a named synthesis profile. Tasks reference it by name at
// submission time only; later edits to a voice never touch existing tasks
// because each task snapshots its resolved payload.
type Voice struct {
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	Description   string    `json:"description"`
	Gender        string    `json:"gender"`
	DefaultParams []byte    `json:"default_params,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ResolveParams merges request overrides over the voice's default synthesis
// parameters and returns the snapshot stored on the task. Overrides win on
// key conflicts. Either side may be empty.
func (v *Voice) ResolveParams(overrides []byte) ([]byte, error) {
	merged := map[string]any{}

	if len(v.DefaultParams) > 0 {
		if err := json.Unmarshal(v.DefaultParams, &merged); err != nil {
			return nil, fmt.Errorf("voice %q default params: %w", v.Name, err)
		}
	}
	if len(overrides) > 0 {
		var o map[string]any
		if err := json.Unmarshal(overrides, &o); err != nil {
			return nil, &ValidationError{Field: "payload", Reason: "must be a JSON object"}
		}
		for k, val := range o {
			merged[k] = val
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return json.Marshal(merged)
}

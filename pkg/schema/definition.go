package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is the serializable form of an ensemble: a named flow plus its triggers.
type Definition struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Description string          `json:"description,omitempty"`
	Flow        Flow            `json:"flow"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Triggers    []Trigger       `json:"triggers,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Trigger starts an execution of the definition on a cron schedule.
type Trigger struct {
	Cron  string         `json:"cron"`
	Input map[string]any `json:"input,omitempty"`
}

// ParseDefinition decodes a definition from JSON or YAML.
// YAML documents are normalized to JSON so both forms share one decoder.
func ParseDefinition(data []byte) (*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewError(ErrCodeValidation, "definition is not valid YAML or JSON").WithCause(err)
	}
	raw, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, NewError(ErrCodeValidation, "definition cannot be converted to JSON").WithCause(err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode definition: %s", err).WithCause(err)
	}
	if def.Name == "" {
		return nil, NewError(ErrCodeValidation, "definition name is required")
	}
	return &def, nil
}

// normalizeYAML converts map[any]any nodes that yaml may produce into JSON-compatible maps.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

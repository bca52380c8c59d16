package validation

import "github.com/rendis/ensemble/pkg/schema"

// Validator checks ensemble definitions before they are registered or run.
// Uses JSON Schema Draft 2020-12 for structure and input validation.
type Validator interface {
	ValidateDefinition(def *schema.Definition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// AgentLookup reports whether an agent name is registered.
type AgentLookup interface {
	Has(name string) bool
}

package validation

import (
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/pkg/schema"
)

// DefinitionValidator runs the full validation pipeline:
// structural (JSON Schema) → graph (build) → semantic (agents, cron, input schema).
// Later stages only run when the earlier ones pass.
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
}

// NewDefinitionValidator creates a validator. lookup may be nil to skip
// agent existence checks.
func NewDefinitionValidator(lookup AgentLookup) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, agents: lookup}, nil
}

// Validate runs every stage and returns the aggregated result.
func (v *DefinitionValidator) Validate(def *schema.Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.jsonSchema.ValidateDefinition(def); err != nil {
		addStructuralErrors(err, result)
		return result
	}

	result.Merge(validateGraph(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.agents, v.jsonSchema))
	return result
}

// ValidateDefinition returns nil when def passes every stage.
func (v *DefinitionValidator) ValidateDefinition(def *schema.Definition) error {
	return v.Validate(def).ToError()
}

// ValidateInput checks execution or agent input against a JSON Schema.
func (v *DefinitionValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.jsonSchema.ValidateInput(input, inputSchema)
}

// validateGraph builds the flow graph, which rejects duplicate names,
// unknown references and cycles.
func validateGraph(def *schema.Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if _, err := engine.Build(def.Flow); err != nil {
		ee := schema.AsEngineError(err, schema.ErrCodeValidation)
		path := ee.Node
		if path == "" {
			path = "flow"
		}
		result.AddError(path, ee.Code, ee.Message)
	}
	return result
}

func addStructuralErrors(err error, result *schema.ValidationResult) {
	ee := schema.AsEngineError(err, schema.ErrCodeValidation)
	violations, _ := ee.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("", ee.Code, ee.Message)
		return
	}
	for _, v := range violations {
		result.AddError("", schema.ErrCodeValidation, v)
	}
}

var _ Validator = (*DefinitionValidator)(nil)
var _ Validator = (*JSONSchemaValidator)(nil)

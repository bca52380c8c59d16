package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/ensemble/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for Definition documents.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ensemble.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "flow"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "flow": { "$ref": "#/$defs/flow", "minItems": 1 },
    "input_schema": { "type": "object" },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "identifier": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
    },
    "on_error": { "enum": ["fail_fast", "continue"] },
    "concurrency": { "type": "integer", "minimum": 0 },
    "flow": {
      "type": "array",
      "items": { "$ref": "#/$defs/element" }
    },
    "trigger": {
      "type": "object",
      "required": ["cron"],
      "properties": {
        "cron": { "type": "string", "minLength": 1 },
        "input": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "backoff": { "enum": ["fixed", "linear", "exponential"] },
        "initial_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "element": {
      "type": "object",
      "required": ["type", "name"],
      "properties": {
        "type": {
          "enum": ["step", "parallel", "branch", "for_each", "while", "try", "switch", "map_reduce", "approval"]
        },
        "name": { "$ref": "#/$defs/identifier" },
        "when": { "type": "string" }
      },
      "allOf": [
        { "if": { "required": ["type"], "properties": { "type": { "const": "step" } } }, "then": { "$ref": "#/$defs/step" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "parallel" } } }, "then": { "$ref": "#/$defs/parallel" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "branch" } } }, "then": { "$ref": "#/$defs/branch" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "for_each" } } }, "then": { "$ref": "#/$defs/for_each" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "while" } } }, "then": { "$ref": "#/$defs/while" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "try" } } }, "then": { "$ref": "#/$defs/try" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "switch" } } }, "then": { "$ref": "#/$defs/switch" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "map_reduce" } } }, "then": { "$ref": "#/$defs/map_reduce" } },
        { "if": { "required": ["type"], "properties": { "type": { "const": "approval" } } }, "then": { "$ref": "#/$defs/approval" } }
      ]
    },
    "step": {
      "required": ["agent"],
      "properties": {
        "type": true, "name": true, "when": true,
        "agent": { "type": "string", "minLength": 1 },
        "input": { "type": "object" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "required": ["branches"],
      "properties": {
        "type": true, "name": true, "when": true,
        "branches": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/flow", "minItems": 1 }
        },
        "on_error": { "$ref": "#/$defs/on_error" },
        "max_concurrency": { "$ref": "#/$defs/concurrency" }
      },
      "additionalProperties": false
    },
    "branch": {
      "required": ["if", "then"],
      "properties": {
        "type": true, "name": true, "when": true,
        "if": { "type": "string", "minLength": 1 },
        "then": { "$ref": "#/$defs/flow" },
        "else": { "$ref": "#/$defs/flow" }
      },
      "additionalProperties": false
    },
    "for_each": {
      "required": ["over", "body"],
      "properties": {
        "type": true, "name": true, "when": true,
        "over": { "type": "string", "minLength": 1 },
        "as": { "$ref": "#/$defs/identifier" },
        "index_as": { "$ref": "#/$defs/identifier" },
        "body": { "$ref": "#/$defs/flow", "minItems": 1 },
        "concurrent": { "type": "boolean" },
        "max_concurrency": { "$ref": "#/$defs/concurrency" },
        "on_error": { "$ref": "#/$defs/on_error" }
      },
      "additionalProperties": false
    },
    "while": {
      "required": ["condition", "body"],
      "properties": {
        "type": true, "name": true, "when": true,
        "condition": { "type": "string", "minLength": 1 },
        "body": { "$ref": "#/$defs/flow", "minItems": 1 },
        "max_iterations": { "type": "integer", "minimum": 0 },
        "iteration_as": { "$ref": "#/$defs/identifier" }
      },
      "additionalProperties": false
    },
    "try": {
      "required": ["try"],
      "properties": {
        "type": true, "name": true, "when": true,
        "try": { "$ref": "#/$defs/flow", "minItems": 1 },
        "catch": { "$ref": "#/$defs/flow" },
        "finally": { "$ref": "#/$defs/flow" },
        "error_as": { "$ref": "#/$defs/identifier" }
      },
      "additionalProperties": false
    },
    "switch": {
      "required": ["value", "cases"],
      "properties": {
        "type": true, "name": true, "when": true,
        "value": { "type": "string", "minLength": 1 },
        "cases": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["value", "flow"],
            "properties": {
              "value": true,
              "flow": { "$ref": "#/$defs/flow" }
            },
            "additionalProperties": false
          }
        },
        "default": { "$ref": "#/$defs/flow" }
      },
      "additionalProperties": false
    },
    "map_reduce": {
      "required": ["over", "map", "reduce"],
      "properties": {
        "type": true, "name": true, "when": true,
        "over": { "type": "string", "minLength": 1 },
        "as": { "$ref": "#/$defs/identifier" },
        "map": { "$ref": "#/$defs/flow", "minItems": 1 },
        "reduce": { "type": "string", "minLength": 1 },
        "initial": true,
        "max_concurrency": { "$ref": "#/$defs/concurrency" }
      },
      "additionalProperties": false
    },
    "approval": {
      "properties": {
        "type": true, "name": true, "when": true,
        "message": { "type": "object" },
        "ttl": { "$ref": "#/$defs/duration" },
        "notify": {
          "type": "array",
          "items": { "type": "string", "pattern": "^[a-z][a-z0-9+.-]*:.+$" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions and agent or execution input with
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

const definitionSchemaURL = "https://ensemble.dev/schemas/definition.json"

// NewJSONSchemaValidator creates a JSONSchemaValidator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	defSchema, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: defSchema,
		compiler:         newInputCompiler(),
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the structure of a definition against the definition schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.Definition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}

	if err := v.definitionSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("ensemble://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

package agents

import (
	"context"
	"encoding/json"
)

// Invoker runs a named agent with resolved input. The executor imposes
// timeouts; invokers only need to honor ctx cancellation when they can.
type Invoker interface {
	Invoke(ctx context.Context, agent string, input map[string]any) (any, error)
}

// Agent is a unit of work addressable by name from a step.
type Agent interface {
	Name() string
	Describe() Descriptor
	Run(ctx context.Context, input map[string]any) (any, error)
}

// Descriptor documents an agent and optionally constrains its input.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Func adapts a function to the Agent interface.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, input map[string]any) (any, error)
}

// NewFunc returns an Agent named name that calls fn.
func NewFunc(name, description string, fn func(ctx context.Context, input map[string]any) (any, error)) *Func {
	return &Func{Desc: Descriptor{Name: name, Description: description}, Fn: fn}
}

// WithInputSchema sets the JSON schema every input must satisfy.
func (f *Func) WithInputSchema(schema string) *Func {
	f.Desc.InputSchema = json.RawMessage(schema)
	return f
}

func (f *Func) Name() string         { return f.Desc.Name }
func (f *Func) Describe() Descriptor { return f.Desc }

func (f *Func) Run(ctx context.Context, input map[string]any) (any, error) {
	return f.Fn(ctx, input)
}

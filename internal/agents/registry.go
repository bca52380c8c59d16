package agents

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// InputValidator checks an input map against a JSON schema document.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Registry is a thread-safe Invoker backed by registered agents.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	validator InputValidator
}

// NewRegistry creates an empty Registry. validator may be nil to skip input checks.
func NewRegistry(validator InputValidator) *Registry {
	return &Registry{
		agents:    make(map[string]Agent),
		validator: validator,
	}
}

// Register adds an agent. Returns an error on an empty or duplicate name.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}
	r.agents[name] = agent
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(agents ...Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not registered", name).
			WithDetails(map[string]any{"agent": name})
	}
	return agent, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// List returns every descriptor sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates input against the agent's schema and runs it. Plain
// errors are wrapped as AGENT_EXECUTION_ERROR; typed engine errors and
// suspension requests pass through untouched.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]any) (any, error) {
	agent, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if desc := agent.Describe(); len(desc.InputSchema) > 0 && r.validator != nil {
		if input == nil {
			input = map[string]any{}
		}
		if err := r.validator.ValidateInput(input, desc.InputSchema); err != nil {
			ee := schema.AsEngineError(err, schema.ErrCodeValidation)
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "input for agent %q: %s", name, ee.Message).
				WithDetails(ee.Details).
				WithCause(err)
		}
	}

	out, err := agent.Run(ctx, input)
	if err == nil {
		return out, nil
	}

	var suspend *schema.SuspendRequest
	var ee *schema.EngineError
	switch {
	case errors.As(err, &suspend), errors.As(err, &ee):
		return nil, err
	case errors.Is(err, context.Canceled):
		return nil, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeAgentExecution, "agent %q failed: %s", name, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"agent": name})
}

var _ Invoker = (*Registry)(nil)

package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// Scope is a layered, append-only set of bindings. A child layer sees every
// binding of its ancestors; bindings made in a child never reach the parent,
// so a subgraph's bindings are discarded together with its layer.
type Scope struct {
	parent *Scope

	mu   sync.RWMutex
	vars map[string]any
}

// NewScope creates a root scope seeded with a deep copy of initial.
func NewScope(initial map[string]any) *Scope {
	s := &Scope{vars: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.vars[k] = freeze(v)
	}
	return s
}

// Child returns a new layer on top of s.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: make(map[string]any)}
}

// Bind adds an immutable binding to this layer. Rebinding a name in the same layer fails.
func (s *Scope) Bind(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vars[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"%q is already bound; context entries are immutable once written", name)
	}
	s.vars[name] = freeze(value)
	return nil
}

// Set writes a binding to this layer, replacing any previous value.
// Used for loop-carried values that change between iterations.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	s.vars[name] = freeze(value)
	s.mu.Unlock()
}

// Lookup resolves name through this layer and its ancestors.
func (s *Scope) Lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.vars[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether name is bound in this layer only.
func (s *Scope) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vars[name]
	return ok
}

// Snapshot flattens every visible binding into a fresh map. Inner layers
// shadow outer ones. The result is a deep copy and safe to hand to engines.
func (s *Scope) Snapshot() map[string]any {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		layer := chain[i]
		layer.mu.RLock()
		for k, v := range layer.vars {
			out[k] = deepCopyAny(v)
		}
		layer.mu.RUnlock()
	}
	return out
}

// Bindings returns a deep copy of this layer's own bindings.
func (s *Scope) Bindings() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.vars)
}

// OutputBinding is the context value stored for a completed node.
func OutputBinding(output any) map[string]any {
	return map[string]any{"output": output}
}

// ErrorBinding is the context value exposed to a catch block.
func ErrorBinding(err error) map[string]any {
	ee := schema.AsEngineError(err, schema.ErrCodeInternal)
	if ee == nil {
		return nil
	}
	msg := ee.Message
	if msg == "" && ee.Cause != nil {
		msg = ee.Cause.Error()
	}
	return map[string]any{
		"message": msg,
		"code":    ee.Code,
		"node":    ee.Node,
	}
}

// Normalize returns a deep copy of v made only of JSON-compatible containers.
func Normalize(v any) any {
	return freeze(v)
}

// freeze deep-copies v. Values of foreign composite types are converted via
// JSON so every stored value is made of maps, slices and primitives.
func freeze(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return v
	case map[string]any, []any, json.RawMessage:
		return deepCopyAny(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; primitives are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = freeze(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = freeze(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		var parsed any
		if err := json.Unmarshal(val, &parsed); err != nil {
			cp := make(json.RawMessage, len(val))
			copy(cp, val)
			return cp
		}
		return parsed
	default:
		return v
	}
}

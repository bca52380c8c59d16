package expressions

import (
	"context"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// Engine evaluates one expression against a flattened context map.
// Implementations: expr (default), CEL ("cel:" prefix), jq ("jq:" prefix).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by key and is safe for concurrent
// use. Two goroutines missing on the same key may both compile; the first
// stored program wins.
type programCache[P any] struct {
	mu sync.RWMutex
	m  map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{m: make(map[string]P)}
}

func (c *programCache[P]) get(key string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.m[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compile()
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.m[key]; ok {
		return existing, nil
	}
	c.m[key] = p
	return p, nil
}

// expressionError reports a failure of one stage (parse, compile, evaluation)
// of an expression.
func expressionError(lang, stage, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s error in %q: %s", lang, stage, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(lang string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", lang)
}

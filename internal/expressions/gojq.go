package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs with the context map as the input document, so
// `.fetch.output.items | length` reads a step output. Compiled code is cached
// and shared across goroutines. $ENV is empty.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns nil for no output, the value for a single output and
// []any when the program emits several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// EvaluateAll collects every output of the program.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression, func() (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, expressionError("jq", "parse", expression, err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, expressionError("jq", "compile", expression, err)
		}
		return code, nil
	})
	if err != nil {
		return nil, err
	}

	input, _ := jqValue(data).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, expressionError("jq", "evaluation", expression, err)
		}
		results = append(results, v)
	}
}

// jqValue widens Go integer and float32 values to float64, the only number
// type gojq accepts besides int and *big.Int.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)

package expressions

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// Engine prefixes selecting a language inside an expression.
const (
	PrefixCEL = "cel:"
	PrefixJQ  = "jq:"
)

// Resolver evaluates expressions and input mappings against a Scope.
// Expressions default to Expr; "cel:" and "jq:" select the other engines.
type Resolver struct {
	defaultEngine Engine
	engines       map[string]Engine
}

// NewResolver creates a Resolver with the three built-in engines.
func NewResolver() *Resolver {
	return &Resolver{
		defaultEngine: NewExprEngine(),
		engines: map[string]Engine{
			PrefixCEL: NewCELEngine(),
			PrefixJQ:  NewGoJQEngine(),
		},
	}
}

// Evaluate resolves a single expression. The expression may be bare or wrapped in ${{ }}.
func (r *Resolver) Evaluate(ctx context.Context, expression string, scope *Scope) (any, error) {
	if inner, ok := unwrap(expression); ok {
		expression = inner
	}
	return r.eval(ctx, expression, scope.Snapshot())
}

// EvaluateCondition resolves expression and requires a boolean. An expression
// that resolves to nil is false.
func (r *Resolver) EvaluateCondition(ctx context.Context, expression string, scope *Scope) (bool, error) {
	val, err := r.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	switch b := val.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q must evaluate to a boolean, got %T", expression, val).
			WithDetails(map[string]any{"expression": expression})
	}
}

// Resolve renders a value from a definition: strings containing ${{ }} are
// evaluated, maps and slices are resolved recursively, everything else is a literal.
func (r *Resolver) Resolve(ctx context.Context, value any, scope *Scope) (any, error) {
	var data map[string]any
	snapshot := func() map[string]any {
		if data == nil {
			data = scope.Snapshot()
		}
		return data
	}
	return r.resolve(ctx, value, snapshot)
}

// ResolveInput resolves every entry of an input mapping.
func (r *Resolver) ResolveInput(ctx context.Context, input map[string]any, scope *Scope) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	out, err := r.Resolve(ctx, input, scope)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (r *Resolver) resolve(ctx context.Context, value any, data func() map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !isTemplate(v) {
			return v, nil
		}
		return interpolate(ctx, v, func(ctx context.Context, expr string) (any, error) {
			return r.eval(ctx, expr, data())
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			res, err := r.resolve(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			res, err := r.resolve(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) eval(ctx context.Context, expression string, data map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	engine := r.defaultEngine
	for prefix, e := range r.engines {
		if strings.HasPrefix(expression, prefix) {
			engine = e
			expression = strings.TrimSpace(expression[len(prefix):])
			break
		}
	}
	return engine.Evaluate(ctx, expression, data)
}

// refPattern matches `<name>.output` not preceded by another identifier or
// member access. A single leading dot is allowed for jq paths.
var refPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.\])])\.?([A-Za-z_][A-Za-z0-9_]*)\??\.output\b`)

// TemplateReferences returns the sorted node names referenced as
// `<name>.output` inside the ${{ }} markers of the given values. Strings nested
// in maps and slices are scanned; literal text is ignored.
func TemplateReferences(values ...any) []string {
	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if !isTemplate(t) {
				return
			}
			segs, err := parseTemplate(t)
			if err != nil {
				return
			}
			for _, seg := range segs {
				if seg.expr {
					collectRefs(seg.text, seen)
				}
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	for _, v := range values {
		walk(v)
	}
	return sortedKeys(seen)
}

// ExpressionReferences is TemplateReferences for expression fields, which are
// scanned whole whether or not they are wrapped in ${{ }}.
func ExpressionReferences(exprs ...string) []string {
	seen := make(map[string]struct{})
	for _, e := range exprs {
		collectRefs(e, seen)
	}
	return sortedKeys(seen)
}

func collectRefs(s string, seen map[string]struct{}) {
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package expressions

import (
	"context"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScope() *Scope {
	s := NewScope(map[string]any{"input": map[string]any{"amount": 150, "user": "ada"}})
	_ = s.Bind("fetch", OutputBinding(map[string]any{"status": "ok", "items": []any{1, 2}}))
	return s
}

func TestResolver_ResolveTypedAndInterpolated(t *testing.T) {
	r := NewResolver()
	scope := newTestScope()

	out, err := r.ResolveInput(context.Background(), map[string]any{
		"amount":  "${{ input.amount }}",
		"greet":   "hi ${{ input.user }}, status=${{ fetch.output.status }}",
		"items":   "${{ fetch.output.items }}",
		"literal": 7,
		"nested":  []any{"${{ input.user }}", map[string]any{"n": "${{ jq: .fetch.output.items | length }}"}},
		"plain":   "no markers",
		"json":    "items=${{ fetch.output.items }}",
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, 150, out["amount"])
	assert.Equal(t, "hi ada, status=ok", out["greet"])
	assert.Equal(t, []any{1, 2}, out["items"])
	assert.Equal(t, 7, out["literal"])
	assert.Equal(t, []any{"ada", map[string]any{"n": 2}}, out["nested"])
	assert.Equal(t, "no markers", out["plain"])
	assert.Equal(t, "items=[1,2]", out["json"])
}

func TestResolver_ResolveInputNil(t *testing.T) {
	out, err := NewResolver().ResolveInput(context.Background(), nil, newTestScope())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResolver_EvaluatePrefixes(t *testing.T) {
	r := NewResolver()
	scope := newTestScope()

	out, err := r.Evaluate(context.Background(), "input.amount * 2", scope)
	require.NoError(t, err)
	assert.Equal(t, 300, out)

	out, err = r.Evaluate(context.Background(), "${{ cel: input.amount > 100 }}", scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = r.Evaluate(context.Background(), "jq: .fetch.output.status", scope)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestResolver_EvaluateCondition(t *testing.T) {
	r := NewResolver()
	scope := newTestScope()

	ok, err := r.EvaluateCondition(context.Background(), "fetch.output.status == 'ok'", scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvaluateCondition(context.Background(), "missing", scope)
	require.NoError(t, err)
	assert.False(t, ok, "nil conditions are false")

	_, err = r.EvaluateCondition(context.Background(), "input.user", scope)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrExpression)
}

func TestResolver_TemplateErrors(t *testing.T) {
	r := NewResolver()
	for _, tmpl := range []string{"${{ input.user", "${{ }}", "${{ ${{ x }} }}"} {
		_, err := r.Resolve(context.Background(), tmpl, newTestScope())
		assert.ErrorIs(t, err, schema.ErrExpression, tmpl)
	}
}

func TestTemplateReferences(t *testing.T) {
	refs := TemplateReferences(map[string]any{
		"a": "${{ fetch.output.items }}",
		"b": []any{"total ${{ price.output + tax?.output }}"},
		"c": "plain fetch.output text is a literal",
		"d": "${{ input.other.output }}",
	})
	assert.Equal(t, []string{"fetch", "price", "tax"}, refs)
}

func TestExpressionReferences(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ExpressionReferences("a.output.x > 1 && b.output", "${{ a.output }}"))
	assert.Equal(t, []string{"fetch"}, ExpressionReferences("jq: .fetch.output | length"))
	assert.Empty(t, ExpressionReferences("input.x.output == 1", "item.value"))
}

func TestUnwrap(t *testing.T) {
	inner, ok := unwrap("  ${{ a.output }} ")
	require.True(t, ok)
	assert.Equal(t, "a.output", inner)

	_, ok = unwrap("x ${{ a }}")
	assert.False(t, ok)
	_, ok = unwrap("${{ a }} and ${{ b }}")
	assert.False(t, ok)
}

package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// segment is either literal text or an expression between markers.
type segment struct {
	text string
	expr bool
}

// parseTemplate splits s into literal and ${{ expr }} segments.
func parseTemplate(s string) ([]segment, error) {
	var out []segment
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			out = append(out, segment{text: s[i:]})
			break
		}
		if idx > 0 {
			out = append(out, segment{text: s[i : i+idx]})
		}
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "unclosed ${{ in %q", s)
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if strings.Contains(expr, openMarker) {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "nested ${{ not allowed in %q", s)
		}
		if expr == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "empty expression in %q", s)
		}
		out = append(out, segment{text: expr, expr: true})
		i = end + len(closeMarker)
	}
	return out, nil
}

// isTemplate reports whether s contains an expression marker.
func isTemplate(s string) bool {
	return strings.Contains(s, openMarker)
}

// unwrap returns the inner expression when s is exactly one ${{ expr }} token.
func unwrap(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, openMarker) || !strings.HasSuffix(t, closeMarker) {
		return "", false
	}
	inner := t[len(openMarker) : len(t)-len(closeMarker)]
	if strings.Contains(inner, openMarker) || strings.Contains(inner, closeMarker) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// interpolate renders a template. A template made of a single expression keeps
// the expression's type; mixed templates render to a string.
func interpolate(ctx context.Context, s string, eval func(context.Context, string) (any, error)) (any, error) {
	segs, err := parseTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 && segs[0].expr {
		return eval(ctx, segs[0].text)
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, seg := range segs {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		val, err := eval(ctx, seg.text)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
	}
	return b.String(), nil
}

// inline renders a value inside a string: strings verbatim, nil as empty,
// everything else as compact JSON.
func inline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

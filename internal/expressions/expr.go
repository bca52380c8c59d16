package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang/expr expressions, the default language for
// conditions, collections and input mappings. Programs compile against an
// untyped environment so a cached program stays valid whatever shape later
// contexts have; unknown variables evaluate to nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression, func() (*vm.Program, error) {
		p, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, expressionError("expr", "compile", expression, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, expressionError("expr", "evaluation", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)

package expressions

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
)

var celIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CELEngine evaluates Common Expression Language expressions. Contexts have
// no fixed shape, so each top-level key that is a valid identifier is
// declared as a dyn variable. Environments are cached per variable set and
// programs per variable set and expression.
type CELEngine struct {
	envs     *programCache[*cel.Env]
	programs *programCache[cel.Program]
}

func NewCELEngine() *CELEngine {
	return &CELEngine{
		envs:     newProgramCache[*cel.Env](),
		programs: newProgramCache[cel.Program](),
	}
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}

	vars := variableNames(data)
	prg, err := e.program(expression, vars)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(vars))
	for _, name := range vars {
		activation[name] = data[name]
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, expressionError("CEL", "evaluation", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string, vars []string) (cel.Program, error) {
	sig := strings.Join(vars, ",")
	return e.programs.get(sig+"|"+expression, func() (cel.Program, error) {
		env, err := e.envs.get(sig, func() (*cel.Env, error) {
			opts := make([]cel.EnvOption, 0, len(vars))
			for _, name := range vars {
				opts = append(opts, cel.Variable(name, cel.DynType))
			}
			return cel.NewEnv(opts...)
		})
		if err != nil {
			return nil, expressionError("CEL", "environment", expression, err)
		}
		ast, issues := env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, expressionError("CEL", "compile", expression, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, expressionError("CEL", "program", expression, err)
		}
		return prg, nil
	})
}

// variableNames returns the sorted keys of data usable as CEL identifiers.
func variableNames(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		if celIdent.MatchString(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

var _ Engine = (*CELEngine)(nil)

package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/outreach/pkg/schema"
)

// CELEngine evaluates conditions written in CEL. Expressions are parsed but
// not type-checked, so every top-level context key resolves as a dyn variable
// at evaluation time: `rating >= 4 && emailStatus == "pending"`. The whole
// context is also bound to `ctx`, which lets has(ctx.email) test optional keys.
// A key that is referenced but absent is an evaluation error.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine without extension libraries.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.CrossTypeNumericComparisons(true))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string {
	return LangCEL
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(data)+1)
	for k, v := range data {
		activation[k] = v
	}
	if data == nil {
		data = map[string]any{}
	}
	activation["ctx"] = data

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	parsed, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL parse error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}
	prg, err := e.env.Program(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)

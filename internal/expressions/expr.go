package expressions

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/outreach/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions restricted to variable lookups,
// member access, literals and operators (comparison, boolean, arithmetic,
// membership, string matching, ternary and ??). Function calls, builtins,
// closures and let bindings are rejected at compile time.
// Compiled programs are shared across goroutines.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates a new sandboxed Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string {
	return LangExpr
}

// Evaluate runs the expression with data as the environment. Every key of
// data is a top-level variable; unknown variables evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (out any, err error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeExpression, "evaluation of %q panicked: %v", expression, r)
		}
	}()

	out, err = vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func compileExpr(expression string) (*vm.Program, error) {
	guard := &sandbox{}
	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.Patch(guard),
	)
	if guard.err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q is not allowed: %s", expression, guard.err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

// sandbox is an AST visitor that records the first construct outside the
// allowed grammar.
type sandbox struct {
	err error
}

func (s *sandbox) Visit(node *ast.Node) {
	if s.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.CallNode:
		s.err = fmt.Errorf("function calls are not permitted")
	case *ast.BuiltinNode:
		s.err = fmt.Errorf("builtin %q is not permitted", n.Name)
	case *ast.ClosureNode, *ast.PointerNode:
		s.err = fmt.Errorf("closures are not permitted")
	case *ast.VariableDeclaratorNode:
		s.err = fmt.Errorf("variable declarations are not permitted")
	}
}

var _ Engine = (*ExprEngine)(nil)

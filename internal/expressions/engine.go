package expressions

import "context"

// Engine evaluates one expression dialect against a data map.
// Implementations: Expr (conditions and filters), CEL (alternate condition
// dialect) and GoJQ (data transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Dialect names accepted in node configs.
const (
	LangExpr = "expr"
	LangCEL  = "cel"
)

package expressions

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/outreach/pkg/schema"
)

// Result is the outcome of a single evaluation. OK is false when the expression
// could not be compiled or run; Message then carries the reason.
type Result struct {
	OK      bool   `json:"ok"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Evaluator dispatches to the dialect engines. Its methods never panic and
// never return Go errors; failures surface as Result.OK == false.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with all dialects enabled.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// MustEvaluator is NewEvaluator that panics on error. For wiring and tests.
func MustEvaluator() *Evaluator {
	ev, err := NewEvaluator()
	if err != nil {
		panic(err)
	}
	return ev
}

// Evaluate runs expression in the given dialect ("" means expr).
func (ev *Evaluator) Evaluate(ctx context.Context, language, expression string, data map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{OK: false, Message: fmt.Sprintf("expression panicked: %v", r)}
		}
	}()

	if strings.TrimSpace(expression) == "" {
		return Result{OK: false, Message: "empty expression"}
	}

	var engine Engine
	switch strings.ToLower(language) {
	case "", LangExpr:
		engine = ev.expr
	case LangCEL:
		engine = ev.cel
	default:
		return Result{OK: false, Message: fmt.Sprintf("unknown expression language %q", language)}
	}

	val, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return Result{OK: false, Message: schema.UserMessage(err)}
	}
	return Result{OK: true, Value: val}
}

// Condition evaluates expression and applies truthiness. A failed evaluation
// yields false together with the failed Result.
func (ev *Evaluator) Condition(ctx context.Context, language, expression string, data map[string]any) (bool, Result) {
	res := ev.Evaluate(ctx, language, expression, data)
	if !res.OK {
		return false, res
	}
	return Truthy(res.Value), res
}

// Check compiles expression without running it.
func (ev *Evaluator) Check(language, expression string) error {
	if strings.TrimSpace(expression) == "" {
		return schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	switch strings.ToLower(language) {
	case "", LangExpr:
		_, err := ev.expr.programs.get(expression, compileExpr)
		return err
	case LangCEL:
		_, err := ev.cel.programs.get(expression, ev.cel.compile)
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExpression, "unknown expression language %q", language)
}

// CheckTransform compiles a jq program without running it.
func (ev *Evaluator) CheckTransform(program string) error {
	_, err := ev.jq.programs.get(program, compileJQ)
	return err
}

// Transform runs a jq program against input.
func (ev *Evaluator) Transform(ctx context.Context, program string, input any) (any, error) {
	return ev.jq.Run(ctx, program, input)
}

// Truthy applies the engine's truthiness rules: nil, false, "", numeric zero and
// empty collections are false; everything else is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

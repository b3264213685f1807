package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/outreach/pkg/schema"
)

// GoJQEngine runs jq programs for set transforms, webhook extraction and
// batch item selection. Programs see an empty $ENV.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs the program against the context map.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Run(ctx, expression, data)
}

// Run executes the program against any JSON-shaped input. One output is
// returned as is, several are collected into []any, none yields nil.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	code, err := e.programs.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	normalized, err := jqInput(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq input for %q is not JSON-shaped: %s", expression, err.Error()).WithCause(err)
	}

	var results []any
	iter := code.RunWithContext(ctx, normalized)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return code, nil
}

// jqInput rewrites values gojq rejects. Context maps and decoded JSON bodies
// are walked in place; anything else (typed slices, structs, time.Time) is
// passed through a JSON round trip.
func jqInput(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, int:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := jqInput(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := jqInput(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)

package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

func executeStart(_ context.Context, _ *Input) (Result, error) {
	return Result{Outcome: OutcomeDefault}, nil
}

// --- condition ---

type conditionExecutor struct {
	deps *Deps
}

func (e *conditionExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(ConditionSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}

	passed, res := e.deps.Evaluator.Condition(ctx, spec.Language, spec.Condition, in.Vars.Data())
	if !res.OK {
		if spec.OnError == "fail" {
			return Result{}, schema.NewErrorf(schema.ErrCodeExpression,
				"condition %q failed: %s", spec.Condition, res.Message).WithNode(in.Node.ID)
		}
		passed = false
	}

	if err := in.Vars.Set(KeyConditionResult, passed); err != nil {
		return Result{}, err
	}

	line := fmt.Sprintf("Condition %q evaluated to %t", spec.Condition, passed)
	if !res.OK {
		line += " (evaluation error: " + res.Message + ")"
	}
	if passed {
		return Result{Outcome: OutcomeTrue, Logs: []string{line}}, nil
	}
	return Result{Outcome: OutcomeFalse, Logs: []string{line}}, nil
}

// --- filter ---

type filterExecutor struct {
	deps *Deps
}

func (e *filterExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(FilterSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}

	data := in.Vars.Data()
	item := in.Vars.Data()
	data["item"] = item

	passed, res := e.deps.Evaluator.Condition(ctx, spec.Language, spec.FilterCondition, data)
	if err := in.Vars.Set(KeyFilterResult, passed); err != nil {
		return Result{}, err
	}

	if passed {
		return Result{
			Outcome: OutcomeDefault,
			Logs:    []string{fmt.Sprintf("Filter %q passed", spec.FilterCondition)},
		}, nil
	}

	line := fmt.Sprintf("Filter %q did not pass, stopping", spec.FilterCondition)
	if !res.OK {
		line = fmt.Sprintf("Filter %q could not be evaluated (%s), stopping", spec.FilterCondition, res.Message)
	}
	return Result{Outcome: OutcomeStop, Logs: []string{line}}, nil
}

// --- set ---

type setExecutor struct {
	deps *Deps
}

func (e *setExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(SetSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}

	var written []string

	if len(spec.SetVariables) > 0 {
		data := in.Vars.Data()
		for _, key := range sortedKeys(spec.SetVariables) {
			val := expressions.InterpolateValue(spec.SetVariables[key], data)
			if err := in.Vars.Set(key, val); err != nil {
				return Result{}, withNode(err, in.Node.ID)
			}
			written = append(written, key)
		}
	}

	if len(spec.Expressions) > 0 {
		keys := make([]string, 0, len(spec.Expressions))
		for k := range spec.Expressions {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			res := e.deps.Evaluator.Evaluate(ctx, "", spec.Expressions[key], in.Vars.Data())
			if !res.OK {
				return Result{}, schema.NewErrorf(schema.ErrCodeExpression,
					"expression for %q failed: %s", key, res.Message).WithNode(in.Node.ID)
			}
			if err := in.Vars.Set(key, res.Value); err != nil {
				return Result{}, withNode(err, in.Node.ID)
			}
			written = append(written, key)
		}
	}

	if spec.Transform != "" {
		out, err := e.deps.Evaluator.Transform(ctx, spec.Transform, in.Vars.Data())
		if err != nil {
			return Result{}, withNode(err, in.Node.ID)
		}
		obj, ok := out.(map[string]any)
		if !ok {
			return Result{}, schema.NewErrorf(schema.ErrCodeExpression,
				"transform must produce an object, got %T", out).WithNode(in.Node.ID)
		}
		for _, key := range sortedKeys(obj) {
			if err := in.Vars.Set(key, obj[key]); err != nil {
				return Result{}, withNode(err, in.Node.ID)
			}
			written = append(written, key)
		}
	}

	return Result{
		Outcome: OutcomeDefault,
		Logs:    []string{"Set variables: " + strings.Join(written, ", ")},
	}, nil
}

// --- delay ---

type delayExecutor struct {
	deps *Deps
}

func (e *delayExecutor) Execute(_ context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(DelaySpec)
	if !ok {
		return Result{}, specMismatch(in)
	}

	d := time.Duration(spec.DelayHours*float64(time.Hour)) + time.Duration(spec.DelayMinutes*float64(time.Minute))
	if d <= 0 {
		return Result{Outcome: OutcomeDefault, Logs: []string{"Delay of zero, continuing"}}, nil
	}

	resume := e.deps.now().Add(d)
	return Result{
		Outcome:  OutcomeDefault,
		ResumeAt: &resume,
		Logs:     []string{fmt.Sprintf("Delaying %s until %s", d, resume.UTC().Format(time.RFC3339))},
	}, nil
}

// --- merge ---

func executeMerge(_ context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(MergeSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}

	if spec.Mode != "all" {
		return Result{Outcome: OutcomeDefault, Logs: []string{"Merged branches"}}, nil
	}

	inputs := spec.Inputs
	if len(inputs) == 0 {
		inputs = in.Predecessors
	}

	var missing []string
	for _, id := range inputs {
		if in.Visited == nil || !in.Visited(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return Result{}, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"merge requires all inputs, not reached: %s", strings.Join(missing, ", ")).WithNode(in.Node.ID)
	}
	return Result{
		Outcome: OutcomeDefault,
		Logs:    []string{fmt.Sprintf("Merged %d branches", len(inputs))},
	}, nil
}

// --- helpers ---

func specMismatch(in *Input) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "node %q has config %T, not valid for type %s",
		in.Node.ID, in.Spec, in.Node.Type).WithNode(in.Node.ID)
}

func withNode(err error, nodeID string) error {
	if e, ok := schema.AsEngineError(err); ok && e.NodeID == "" {
		return e.WithNode(nodeID)
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

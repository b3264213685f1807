package nodes

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/outreach/pkg/schema"
)

const defaultBatchSize = 10

type batchExecutor struct {
	deps *Deps
}

// Execute emits one batch per visit with outcome "loop", and "default" once the
// list is exhausted. Iteration state lives in the context under _loop:<nodeId>
// so it survives suspension.
func (e *batchExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(BatchSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}

	size := spec.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	outputKey := spec.OutputKey
	if outputKey == "" {
		outputKey = KeyBatch
	}

	stateKey := loopStateKey(in.Node.ID)
	state, _ := in.Vars.Get(stateKey)
	st, ok := state.(map[string]any)
	if !ok {
		items, err := e.resolveItems(ctx, spec.Items, in)
		if err != nil {
			return Result{}, err
		}
		total := (len(items) + size - 1) / size
		st = map[string]any{"next": 0, "total": total, "items": items}
	}

	items, _ := st["items"].([]any)
	next := toInt(st["next"])
	total := toInt(st["total"])

	if next >= total {
		in.Vars.Delete(stateKey)
		return Result{
			Outcome: OutcomeDefault,
			Logs:    []string{fmt.Sprintf("Processed %d items in %d batches", len(items), total)},
		}, nil
	}

	start := next * size
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	batch := make([]any, end-start)
	copy(batch, items[start:end])

	st["next"] = next + 1
	if err := in.Vars.Set(stateKey, st); err != nil {
		return Result{}, err
	}
	if err := in.Vars.Set(outputKey, batch); err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}
	if err := in.Vars.Set(KeyLoopIndex, next); err != nil {
		return Result{}, err
	}
	if err := in.Vars.Set(KeyLoopTotal, total); err != nil {
		return Result{}, err
	}

	return Result{
		Outcome: OutcomeLoop,
		Logs:    []string{fmt.Sprintf("Batch %d/%d (%d items)", next+1, total, len(batch))},
	}, nil
}

// resolveItems reads the list either from a context key or, when the path
// starts with ".", from a jq program over the context.
func (e *batchExecutor) resolveItems(ctx context.Context, path string, in *Input) ([]any, error) {
	var raw any
	if strings.HasPrefix(path, ".") {
		out, err := e.deps.Evaluator.Transform(ctx, path, in.Vars.Data())
		if err != nil {
			return nil, withNode(err, in.Node.ID)
		}
		raw = out
	} else {
		v, ok := in.Vars.Get(path)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"batch items %q not found in context", path).WithNode(in.Node.ID)
		}
		raw = v
	}

	if raw == nil {
		return nil, nil
	}
	if list, ok := raw.([]any); ok {
		return list, nil
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"batch items %q is %T, not a list", path, raw).WithNode(in.Node.ID)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

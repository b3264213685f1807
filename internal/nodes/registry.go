package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/outreach/pkg/schema"
)

// Registry maps canonical node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]Executor
}

// NewRegistry returns a registry holding the built-in executors.
func NewRegistry(deps *Deps) *Registry {
	if deps == nil {
		deps = &Deps{}
	}
	r := &Registry{executors: make(map[schema.NodeType]Executor)}

	r.executors[schema.NodeTypeStart] = ExecutorFunc(executeStart)
	r.executors[schema.NodeTypeCondition] = &conditionExecutor{deps: deps}
	r.executors[schema.NodeTypeFilter] = &filterExecutor{deps: deps}
	r.executors[schema.NodeTypeSet] = &setExecutor{deps: deps}
	r.executors[schema.NodeTypeDelay] = &delayExecutor{deps: deps}
	r.executors[schema.NodeTypeWebhook] = &webhookExecutor{deps: deps}
	r.executors[schema.NodeTypeGemini] = &aiExecutor{deps: deps}
	r.executors[schema.NodeTypeEmail] = &emailExecutor{deps: deps}
	r.executors[schema.NodeTypeSocialPost] = &socialExecutor{deps: deps}
	r.executors[schema.NodeTypeMerge] = ExecutorFunc(executeMerge)
	r.executors[schema.NodeTypeSplitInBatches] = &batchExecutor{deps: deps}
	return r
}

// Register replaces the executor of a node type.
func (r *Registry) Register(t schema.NodeType, exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t.Canonical()] = exec
	return nil
}

// Get returns the executor for t (aliases resolve to their canonical type).
func (r *Registry) Get(t schema.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[t.Canonical()]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no executor for node type %q", t)
	}
	return exec, nil
}

// Types lists the registered canonical types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

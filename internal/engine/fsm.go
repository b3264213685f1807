package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/outreach/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

// LineAppender receives the human-readable line recorded for each transition.
// The execution logger satisfies it.
type LineAppender interface {
	AppendLine(ctx context.Context, executionID, line string)
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionStopped, schema.ExecutionFailed},
	schema.ExecutionRunning: {schema.ExecutionSuccess, schema.ExecutionFailed, schema.ExecutionStopped},
	schema.ExecutionSuccess: {},
	schema.ExecutionFailed:  {},
	schema.ExecutionStopped: {},
}

// ExecutionFSM guards execution lifecycle transitions. Each accepted transition
// appends a log line and runs the registered after hooks.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender LineAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
	any      []TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM that records via the given appender.
func NewExecutionFSM(appender LineAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnAnyTransition registers a hook called after every accepted transition.
func (f *ExecutionFSM) OnAnyTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.any = append(f.any, hook)
}

// Transition validates from -> to. The caller persists the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	key := hookKey{from, to}
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	after = append(after, f.any...)
	f.mu.Unlock()

	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}

	if f.appender != nil {
		f.appender.AppendLine(ctx, executionID, fmt.Sprintf("Status %s -> %s", from, to))
	}

	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

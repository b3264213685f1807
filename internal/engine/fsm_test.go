package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

type mockLines struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (m *mockLines) AppendLine(_ context.Context, id, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lines == nil {
		m.lines = make(map[string][]string)
	}
	m.lines[id] = append(m.lines[id], line)
}

func TestExecutionFSM_ValidPaths(t *testing.T) {
	lines := &mockLines{}
	fsm := NewExecutionFSM(lines)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionSuccess))
	require.NoError(t, fsm.Transition(ctx, "e2", schema.ExecutionPending, schema.ExecutionStopped))
	require.NoError(t, fsm.Transition(ctx, "e3", schema.ExecutionRunning, schema.ExecutionFailed))

	assert.Equal(t, []string{"Status pending -> running", "Status running -> success"}, lines.lines["e1"])
}

func TestExecutionFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewExecutionFSM(nil)

	for _, from := range []schema.ExecutionStatus{schema.ExecutionSuccess, schema.ExecutionFailed, schema.ExecutionStopped} {
		for _, to := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionSuccess} {
			err := fsm.Transition(context.Background(), "e", from, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
		}
	}
	assert.False(t, IsValidTransition(schema.ExecutionPending, schema.ExecutionSuccess))
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	var seen []string

	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionFailed, func(_ context.Context, id string, from, to schema.ExecutionStatus) error {
		seen = append(seen, "after:"+id)
		return nil
	})
	fsm.OnAnyTransition(func(_ context.Context, id string, from, to schema.ExecutionStatus) error {
		seen = append(seen, "any:"+string(to))
		return nil
	})
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(context.Context, string, schema.ExecutionStatus, schema.ExecutionStatus) error {
		return errors.New("veto")
	})

	err := fsm.Transition(context.Background(), "e1", schema.ExecutionPending, schema.ExecutionRunning)
	require.EqualError(t, err, "veto")

	require.NoError(t, fsm.Transition(context.Background(), "e1", schema.ExecutionRunning, schema.ExecutionFailed))
	assert.Equal(t, []string{"after:e1", "any:failed"}, seen)
}

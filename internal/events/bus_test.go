package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/pkg/schema"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(logging.Discard())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus_HandlersByType(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var failed, all []string
	b.Handle(schema.EventExecutionFailed, func(_ context.Context, ev schema.ExecutionEvent) error {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, ev.ExecutionID)
		return errors.New("ignored")
	})
	b.Handle("", func(_ context.Context, ev schema.ExecutionEvent) error {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, ev.Type)
		return nil
	})
	require.NoError(t, b.Start(ctx))

	require.NoError(t, b.Publish(ctx, schema.ExecutionEvent{Type: schema.EventExecutionStarted, ExecutionID: "e1"}))
	require.NoError(t, b.Publish(ctx, schema.ExecutionEvent{Type: schema.EventExecutionFailed, ExecutionID: "e1", Error: "boom"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1"}, failed)
	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionFailed}, all)
}

func TestBus_SubscribeFilter(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	ch, cancel := b.Subscribe(Filter{ExecutionID: "e2", EventTypes: []string{schema.EventExecutionSucceeded}})
	defer cancel()

	require.NoError(t, b.Publish(ctx, schema.ExecutionEvent{Type: schema.EventExecutionSucceeded, ExecutionID: "e1"}))
	require.NoError(t, b.Publish(ctx, schema.ExecutionEvent{Type: schema.EventExecutionStarted, ExecutionID: "e2"}))
	require.NoError(t, b.Publish(ctx, schema.ExecutionEvent{Type: schema.EventExecutionSucceeded, ExecutionID: "e2", Status: schema.ExecutionSuccess}))

	select {
	case ev := <-ch:
		assert.Equal(t, "e2", ev.ExecutionID)
		assert.Equal(t, schema.ExecutionSuccess, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func TestGoJQ_Extract(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Evaluate(context.Background(), ".data.id", map[string]any{
		"data": map[string]any{"id": "lead-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lead-1", out)
}

func TestGoJQ_Outputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Run(context.Background(), ".[] | .email", []any{
		map[string]any{"email": "a@x.com"},
		map[string]any{"email": "b@x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a@x.com", "b@x.com"}, out)

	out, err = e.Evaluate(context.Background(), "empty", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_NonJSONInputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".tags | length", map[string]any{
		"tags": []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Evaluate(context.Background(), ".contacts[0].name", map[string]any{
		"contacts": []map[string]any{{"name": "Ana"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana", out)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out, err = e.Evaluate(context.Background(), ".sentAt", map[string]any{"sentAt": at, "count": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T09:00:00Z", out)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = e.Run(context.Background(), ".", map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

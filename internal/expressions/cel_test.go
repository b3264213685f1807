package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_TopLevelKeys(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{"rating": 4.5, "emailStatus": "pending", "reviews": 12}
	for _, expr := range []string{
		`rating >= 4 && emailStatus == "pending"`,
		`reviews > 10`,
		`rating >= 4`, // double vs int
		`ctx.emailStatus.startsWith("pend")`,
	} {
		out, err := e.Evaluate(context.Background(), expr, data)
		require.NoError(t, err, expr)
		assert.Equal(t, true, out, expr)
	}
}

func TestCEL_HasOnContext(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), "has(ctx.email)", map[string]any{"name": "Cafe"})
	require.NoError(t, err)
	assert.Equal(t, false, out)

	out, err = e.Evaluate(context.Background(), "has(ctx.email)", nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_MissingKeyIsError(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), `email == "x"`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_ParseErrorIsCached(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), "rating >= 4 &&", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
	assert.Equal(t, 0, e.programs.len(), "failed compiles are not cached")

	_, err = e.Evaluate(context.Background(), "rating >= 4", map[string]any{"rating": 5})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), "rating >= 4", map[string]any{"rating": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, e.programs.len())
}

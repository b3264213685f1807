package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func TestContext_SeedFromBusinessAndUser(t *testing.T) {
	c := NewContext(nil)
	c.Seed(&schema.Business{
		ID: "b1", Name: "Blue Cafe", Email: "hi@blue.cafe", Category: "cafe", Rating: 4.5,
	}, &schema.UserProfile{ID: "u1", Name: "Ana", Company: "Acme"})

	assert.Equal(t, "Blue Cafe", c.String("businessName"))
	assert.True(t, c.Bool("hasEmail"))
	assert.False(t, c.Bool("hasWebsite"))
	assert.Equal(t, "cafe", c.String("business.category"))
	assert.Equal(t, "Acme", c.String("companyName"))

	r, ok := c.Float("rating")
	require.True(t, ok)
	assert.Equal(t, 4.5, r)
}

func TestContext_DeclaredTypes(t *testing.T) {
	c := NewContext([]schema.VariableDecl{
		{Name: "score", Type: schema.VarNumber},
		{Name: "tags", Type: schema.VarList},
		{Name: "note", Type: schema.VarString},
	})

	require.NoError(t, c.Set("score", 3))
	require.NoError(t, c.Set("tags", []any{"a"}))
	require.NoError(t, c.Set("free", map[string]any{"x": 1}))

	err := c.Set("score", "high")
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))

	err = c.Set("note", 12)
	require.Error(t, err)
}

func TestContext_SnapshotIsDeepCopy(t *testing.T) {
	c := NewContext(nil)
	require.NoError(t, c.Set("m", map[string]any{"k": "v"}))

	snap := c.Snapshot()
	snap["m"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "v", c.String("m.k"))

	c2 := NewContext(nil)
	c2.Restore(c.Snapshot())
	assert.Equal(t, "v", c2.String("m.k"))
}

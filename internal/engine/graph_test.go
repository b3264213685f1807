package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

func node(id string, t schema.NodeType, cfg map[string]any) schema.Node {
	return schema.Node{ID: id, Type: t, Config: cfg}
}

func edge(src, dst, label string) schema.Edge {
	return schema.Edge{Source: src, Target: dst, Label: label}
}

func warningCodes(g *Graph) []string {
	var codes []string
	for _, w := range g.Warnings {
		codes = append(codes, w.Code)
	}
	return codes
}

func TestBuildGraph_Linear(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			node("start", schema.NodeTypeTrigger, nil),
			node("wait", schema.NodeTypeDelay, map[string]any{"delayHours": 1}),
		},
		Edges: []schema.Edge{edge("start", "wait", "")},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)
	assert.Equal(t, "start", g.Entry)
	assert.Empty(t, g.Warnings)

	next, ok := g.Next("start", nodes.OutcomeDefault)
	require.True(t, ok)
	assert.Equal(t, "wait", next)

	_, ok = g.Next("wait", nodes.OutcomeDefault)
	assert.False(t, ok)
	assert.Equal(t, []string{"start"}, g.Predecessors("wait"))
}

func TestBuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
		want string
	}{
		{"nil", nil, "nil"},
		{"empty", &schema.WorkflowDefinition{}, "no nodes"},
		{"duplicate id", &schema.WorkflowDefinition{Nodes: []schema.Node{
			node("a", schema.NodeTypeStart, nil), node("a", schema.NodeTypeStart, nil),
		}}, "duplicate node ID"},
		{"unknown type", &schema.WorkflowDefinition{Nodes: []schema.Node{
			node("s", schema.NodeTypeStart, nil), node("x", "fax", nil),
		}}, "unknown node type"},
		{"no entry", &schema.WorkflowDefinition{Nodes: []schema.Node{
			node("d", schema.NodeTypeDelay, nil),
		}}, "no start node"},
		{"two entries", &schema.WorkflowDefinition{Nodes: []schema.Node{
			node("a", schema.NodeTypeStart, nil), node("b", schema.NodeTypeSchedule, nil),
		}}, "2 start nodes"},
		{"dangling edge", &schema.WorkflowDefinition{
			Nodes: []schema.Node{node("s", schema.NodeTypeStart, nil)},
			Edges: []schema.Edge{edge("s", "ghost", "")},
		}, "non-existent target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.def)
			require.Error(t, err)
			assert.True(t, schema.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildGraph_ReportsAllErrors(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			node("s", schema.NodeTypeStart, nil),
			node("c", schema.NodeTypeCondition, nil),
			node("f", schema.NodeTypeFilter, nil),
		},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)

	e, ok := schema.AsEngineError(err)
	require.True(t, ok)
	issues := e.Details["errors"].([]schema.ValidationIssue)
	assert.Len(t, issues, 2)
	assert.Contains(t, err.Error(), "and 1 more")
}

func TestBuildGraph_Warnings(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			node("s", schema.NodeTypeStart, nil),
			node("c", schema.NodeTypeCondition, map[string]any{"condition": "rating > 4"}),
			node("x", schema.NodeTypeMerge, nil),
			node("y", schema.NodeTypeMerge, nil),
			node("orphan", schema.NodeTypeMerge, nil),
		},
		Edges: []schema.Edge{
			edge("s", "c", ""),
			edge("c", "x", "true"),
			edge("x", "y", ""),
			edge("y", "x", ""),
			edge("y", "c", "default"),
		},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)
	codes := warningCodes(g)
	assert.Contains(t, codes, "MISSING_BRANCH")
	assert.Contains(t, codes, "UNREACHABLE")
	assert.Contains(t, codes, "CYCLE")
	assert.Contains(t, codes, "DUPLICATE_LABEL")
}

func TestGraph_LabelMatching(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			node("s", schema.NodeTypeStart, nil),
			node("c", schema.NodeTypeCondition, map[string]any{"condition": "true"}),
			node("yes", schema.NodeTypeMerge, nil),
			node("no", schema.NodeTypeMerge, nil),
			node("loop", schema.NodeTypeSplitInBatches, map[string]any{"items": "leads"}),
			node("after", schema.NodeTypeMerge, nil),
		},
		Edges: []schema.Edge{
			edge("s", "c", "Default"),
			edge("c", "yes", "TRUE"),
			edge("c", "no", "false"),
			edge("yes", "loop", ""),
			edge("loop", "no", "loop"),
			edge("no", "loop", ""),
			edge("loop", "after", "done"),
		},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)

	next, _ := g.Next("s", nodes.OutcomeDefault)
	assert.Equal(t, "c", next)
	next, _ = g.Next("c", nodes.OutcomeTrue)
	assert.Equal(t, "yes", next)
	next, _ = g.Next("c", nodes.OutcomeFalse)
	assert.Equal(t, "no", next)
	next, _ = g.Next("loop", nodes.OutcomeLoop)
	assert.Equal(t, "no", next)
	next, _ = g.Next("loop", nodes.OutcomeDefault)
	assert.Equal(t, "after", next)

	_, ok := g.Next("c", nodes.OutcomeDefault)
	assert.False(t, ok)

	owner, ok := g.LoopOwner("no")
	assert.True(t, ok)
	assert.Equal(t, "loop", owner)
	_, ok = g.LoopOwner("after")
	assert.False(t, ok)

	assert.NotContains(t, warningCodes(g), "CYCLE")
}

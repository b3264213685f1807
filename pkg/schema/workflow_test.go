package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeType_Canonical(t *testing.T) {
	assert.Equal(t, NodeTypeStart, NodeTypeSchedule.Canonical())
	assert.Equal(t, NodeTypeStart, NodeTypeWebhookTrigger.Canonical())
	assert.Equal(t, NodeTypeWebhook, NodeTypeAPIRequest.Canonical())
	assert.Equal(t, NodeTypeGemini, NodeTypeAI.Canonical())
	assert.Equal(t, NodeTypeSocialPost, NodeTypeSocial.Canonical())
	assert.Equal(t, NodeTypeEmail, NodeTypeEmail.Canonical())
}

func TestNodeType_IsEntry(t *testing.T) {
	assert.True(t, NodeTypeStart.IsEntry())
	assert.True(t, NodeTypeSchedule.IsEntry())
	assert.False(t, NodeTypeWebhook.IsEntry())
	assert.False(t, NodeTypeCondition.IsEntry())
}

func TestWorkflowDefinition_JSONShape(t *testing.T) {
	raw := `{
		"id": "wf-1",
		"userId": "u-1",
		"name": "Website check",
		"isActive": true,
		"nodes": [
			{"id": "s", "type": "start"},
			{"id": "c", "type": "condition", "config": {"condition": "hasWebsite"}}
		],
		"edges": [{"source": "s", "target": "c"}]
	}`
	var def WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))

	assert.Equal(t, "u-1", def.UserID)
	assert.True(t, def.IsActive)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, NodeTypeCondition, def.Nodes[1].Type)
	assert.Equal(t, "hasWebsite", def.Nodes[1].Config["condition"])
	assert.Equal(t, "", def.Edges[0].Label)

	require.NotNil(t, def.NodeByID("c"))
	assert.Nil(t, def.NodeByID("missing"))
}

func TestExecutionStatus_Terminal(t *testing.T) {
	assert.False(t, ExecutionPending.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.True(t, ExecutionSuccess.IsTerminal())
	assert.True(t, ExecutionFailed.IsTerminal())
	assert.True(t, ExecutionStopped.IsTerminal())
	assert.Equal(t, EventExecutionStopped, EventTypeForStatus(ExecutionStopped))
	assert.Equal(t, "", EventTypeForStatus(ExecutionPending))
}

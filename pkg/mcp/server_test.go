package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOutreachServer(t *testing.T) {
	s := NewOutreachServer(OutreachServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Notifier())
}

func TestToolRegistration(t *testing.T) {
	s := NewOutreachServer(OutreachServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	expectedTools := []string{
		"outreach.start_execution",
		"outreach.execution_status",
		"outreach.queue_stats",
		"outreach.stop_execution",
		"outreach.list_executions",
		"outreach.validate_workflow",
		"outreach.fire_event",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"start", "outreach.start_execution", "Queue a run of a stored workflow"},
		{"status", "outreach.execution_status", "Get the status and log of a run"},
		{"stats", "outreach.queue_stats", "Get execution queue statistics"},
		{"stop", "outreach.stop_execution", "Stop a queued, suspended or running execution"},
		{"list", "outreach.list_executions", "List executions, newest first"},
		{"validate", "outreach.validate_workflow", "Validate a workflow definition without storing it"},
		{"event", "outreach.fire_event", "Start the event triggers listening for an event"},
	}

	s := NewOutreachServer(OutreachServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/outreach/internal/service"
	"github.com/rendis/outreach/pkg/schema"
)

// handleStartExecution queues a workflow run.
func (s *OutreachServer) handleStartExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	// Lifecycle notifications for this user go to the calling session.
	s.captureSession(ctx, userID)

	id, startErr := s.engine.StartExecution(ctx, service.StartRequest{
		WorkflowID: workflowID,
		UserID:     userID,
		BusinessID: req.GetString("business_id", ""),
		Priority:   req.GetString("priority", ""),
	})
	if startErr != nil {
		return engineError("start failed", startErr), nil
	}

	return marshalResult(map[string]any{
		"execution_id": id,
		"status":       schema.ExecutionPending,
	})
}

// handleExecutionStatus returns the log of a run.
func (s *OutreachServer) handleExecutionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	l, statusErr := s.engine.GetExecutionStatus(ctx, executionID)
	if statusErr != nil {
		return engineError("status query failed", statusErr), nil
	}
	if !req.GetBool("include_steps", false) {
		return marshalResult(l)
	}

	steps, stepsErr := s.engine.ExecutionSteps(ctx, executionID)
	if stepsErr != nil {
		return engineError("step query failed", stepsErr), nil
	}
	return marshalResult(map[string]any{"execution": l, "steps": steps})
}

func (s *OutreachServer) handleQueueStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.engine.GetQueueStats(ctx)
	if err != nil {
		return engineError("queue stats failed", err), nil
	}
	return marshalResult(stats)
}

func (s *OutreachServer) handleStopExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if stopErr := s.engine.StopExecution(ctx, executionID); stopErr != nil {
		return engineError("stop failed", stopErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

func (s *OutreachServer) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	ef := schema.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if v, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = v
	}
	if v, ok := filter["user_id"].(string); ok {
		ef.UserID = v
	}
	if v, ok := filter["status"].(string); ok {
		ef.Status = schema.ExecutionStatus(v)
	}
	var err error
	if ef.Since, err = extractTime(filter, "since"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ef.Until, err = extractTime(filter, "until"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	logs, listErr := s.engine.ListExecutions(ctx, ef)
	if listErr != nil {
		return engineError("query failed", listErr), nil
	}
	if logs == nil {
		logs = []*schema.ExecutionLog{}
	}
	return marshalResult(map[string]any{"executions": logs})
}

// handleValidateWorkflow runs the full validation pipeline on a definition.
func (s *OutreachServer) handleValidateWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed definition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	res := s.engine.Validate(&def)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

func (s *OutreachServer) handleFireEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	event, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("event is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	started, fireErr := s.engine.FireEvent(ctx, event, userID, req.GetString("business_id", ""))
	if fireErr != nil {
		return engineError("fire event failed", fireErr), nil
	}
	return marshalResult(map[string]any{
		"event":   event,
		"started": started,
	})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) (*time.Time, error) {
	v, ok := filter[key].(string)
	if !ok || v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *OutreachServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// engineError renders an error as a tool error. Validation details are
// appended so agents can fix the definition.
func engineError(prefix string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	if e, ok := schema.AsEngineError(err); ok && len(e.Details) > 0 {
		if details, mErr := json.Marshal(e.Details); mErr == nil {
			msg += " " + string(details)
		}
	}
	return mcp.NewToolResultError(msg)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/events"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/service"
	"github.com/rendis/outreach/pkg/schema"
)

// --- Mock Engine ---

type mockEngine struct {
	Engine // embed for unimplemented methods

	startReq  service.StartRequest
	startID   string
	startErr  error
	logs      map[string]*schema.ExecutionLog
	steps     []schema.StepRecord
	stats     *service.QueueStats
	stopped   []string
	stopErr   error
	filter    schema.ExecutionFilter
	validated *schema.WorkflowDefinition
	result    *schema.ValidationResult
	fired     []string
}

func newMockEngine() *mockEngine {
	return &mockEngine{logs: make(map[string]*schema.ExecutionLog)}
}

func (m *mockEngine) StartExecution(_ context.Context, req service.StartRequest) (string, error) {
	m.startReq = req
	return m.startID, m.startErr
}

func (m *mockEngine) GetExecutionStatus(_ context.Context, id string) (*schema.ExecutionLog, error) {
	if l, ok := m.logs[id]; ok {
		return l, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
}

func (m *mockEngine) ExecutionSteps(_ context.Context, _ string) ([]schema.StepRecord, error) {
	return m.steps, nil
}

func (m *mockEngine) GetQueueStats(_ context.Context) (*service.QueueStats, error) {
	return m.stats, nil
}

func (m *mockEngine) StopExecution(_ context.Context, id string) error {
	if m.stopErr != nil {
		return m.stopErr
	}
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockEngine) ListExecutions(_ context.Context, f schema.ExecutionFilter) ([]*schema.ExecutionLog, error) {
	m.filter = f
	var out []*schema.ExecutionLog
	for _, l := range m.logs {
		if f.WorkflowID == "" || l.WorkflowID == f.WorkflowID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockEngine) FireEvent(_ context.Context, eventType, userID, businessID string) (int, error) {
	m.fired = append(m.fired, eventType+"/"+userID+"/"+businessID)
	return 2, nil
}

func (m *mockEngine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	m.validated = def
	return m.result
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestStartExecutionTool(t *testing.T) {
	me := newMockEngine()
	me.startID = "exec-1"
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	req := buildRequest("outreach.start_execution", map[string]any{
		"workflow_id": "wf-1",
		"user_id":     "user-1",
		"business_id": "biz-1",
		"priority":    "high",
	})

	result, err := s.handleStartExecution(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-1", out["execution_id"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, service.StartRequest{
		WorkflowID: "wf-1", UserID: "user-1", BusinessID: "biz-1", Priority: "high",
	}, me.startReq)
}

func TestStartExecutionToolMissingParams(t *testing.T) {
	s := NewOutreachServer(OutreachServerDeps{Engine: newMockEngine()})

	result, err := s.handleStartExecution(context.Background(),
		buildRequest("outreach.start_execution", map[string]any{"user_id": "u"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStartExecution(context.Background(),
		buildRequest("outreach.start_execution", map[string]any{"workflow_id": "wf"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartExecutionToolValidationDetails(t *testing.T) {
	me := newMockEngine()
	me.startErr = schema.NewError(schema.ErrCodeValidation, "workflow is invalid").
		WithDetails(map[string]any{"errors": []string{"NO_ENTRY"}})
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleStartExecution(context.Background(),
		buildRequest("outreach.start_execution", map[string]any{"workflow_id": "wf", "user_id": "u"}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "start failed")
	assert.Contains(t, text, "workflow is invalid")
	assert.Contains(t, text, "NO_ENTRY")
}

func TestExecutionStatusTool(t *testing.T) {
	me := newMockEngine()
	me.logs["exec-1"] = &schema.ExecutionLog{
		ID: "exec-1", WorkflowID: "wf-1", UserID: "user-1",
		Status: schema.ExecutionRunning, Logs: []string{"Status pending -> running"},
	}
	me.steps = []schema.StepRecord{{NodeID: "start", NodeType: schema.NodeTypeStart, Outcome: "default", Attempts: 1}}
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleExecutionStatus(context.Background(),
		buildRequest("outreach.execution_status", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var l schema.ExecutionLog
	unmarshalResult(t, result, &l)
	assert.Equal(t, schema.ExecutionRunning, l.Status)
	assert.Equal(t, []string{"Status pending -> running"}, l.Logs)

	result, err = s.handleExecutionStatus(context.Background(),
		buildRequest("outreach.execution_status", map[string]any{"execution_id": "exec-1", "include_steps": true}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var withSteps struct {
		Execution schema.ExecutionLog `json:"execution"`
		Steps     []schema.StepRecord `json:"steps"`
	}
	unmarshalResult(t, result, &withSteps)
	assert.Equal(t, "exec-1", withSteps.Execution.ID)
	require.Len(t, withSteps.Steps, 1)
	assert.Equal(t, "start", withSteps.Steps[0].NodeID)
}

func TestExecutionStatusToolNotFound(t *testing.T) {
	s := NewOutreachServer(OutreachServerDeps{Engine: newMockEngine()})

	result, err := s.handleExecutionStatus(context.Background(),
		buildRequest("outreach.execution_status", map[string]any{"execution_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestQueueStatsTool(t *testing.T) {
	me := newMockEngine()
	me.stats = &service.QueueStats{
		Active: 1, Pending: 3, Delayed: 1, FailedLast24h: 2,
		ByPriority: map[string]int{"high": 1, "medium": 2, "low": 0},
		Workers:    4, FreeWorkers: 3,
	}
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleQueueStats(context.Background(), buildRequest("outreach.queue_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var stats service.QueueStats
	unmarshalResult(t, result, &stats)
	assert.Equal(t, *me.stats, stats)
}

func TestStopExecutionTool(t *testing.T) {
	me := newMockEngine()
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleStopExecution(context.Background(),
		buildRequest("outreach.stop_execution", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, me.stopped)

	me.stopErr = schema.NewError(schema.ErrCodeConflict, "execution already success")
	result, err = s.handleStopExecution(context.Background(),
		buildRequest("outreach.stop_execution", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "CONFLICT")
}

func TestListExecutionsTool(t *testing.T) {
	me := newMockEngine()
	me.logs["exec-1"] = &schema.ExecutionLog{ID: "exec-1", WorkflowID: "wf-1", Status: schema.ExecutionFailed}
	me.logs["exec-2"] = &schema.ExecutionLog{ID: "exec-2", WorkflowID: "wf-2", Status: schema.ExecutionSuccess}
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleListExecutions(context.Background(),
		buildRequest("outreach.list_executions", map[string]any{
			"filter": map[string]any{
				"workflow_id": "wf-1",
				"status":      "failed",
				"since":       "2026-01-02T15:04:05Z",
				"limit":       float64(10),
			},
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Executions []schema.ExecutionLog `json:"executions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Executions, 1)
	assert.Equal(t, "exec-1", out.Executions[0].ID)

	assert.Equal(t, 10, me.filter.Limit)
	assert.Equal(t, schema.ExecutionFailed, me.filter.Status)
	require.NotNil(t, me.filter.Since)
	assert.True(t, me.filter.Since.Equal(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)))
	assert.Nil(t, me.filter.Until)
}

func TestListExecutionsToolDefaultsAndBadTime(t *testing.T) {
	me := newMockEngine()
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleListExecutions(context.Background(), buildRequest("outreach.list_executions", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, 50, me.filter.Limit)
	assert.JSONEq(t, `{"executions":[]}`, extractText(t, result))

	result, err = s.handleListExecutions(context.Background(),
		buildRequest("outreach.list_executions", map[string]any{"filter": map[string]any{"until": "yesterday"}}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateWorkflowTool(t *testing.T) {
	me := newMockEngine()
	me.result = &schema.ValidationResult{}
	me.result.AddError("nodes", "NO_ENTRY", "workflow has no entry node")
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleValidateWorkflow(context.Background(),
		buildRequest("outreach.validate_workflow", map[string]any{
			"definition": map[string]any{
				"id":    "wf-1",
				"nodes": []any{map[string]any{"id": "send", "type": "email"}},
			},
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "NO_ENTRY", out.Errors[0].Code)

	require.NotNil(t, me.validated)
	assert.Equal(t, "wf-1", me.validated.ID)
	require.Len(t, me.validated.Nodes, 1)
	assert.Equal(t, schema.NodeTypeEmail, me.validated.Nodes[0].Type)
}

func TestValidateWorkflowToolMissingDefinition(t *testing.T) {
	s := NewOutreachServer(OutreachServerDeps{Engine: newMockEngine()})

	result, err := s.handleValidateWorkflow(context.Background(), buildRequest("outreach.validate_workflow", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFireEventTool(t *testing.T) {
	me := newMockEngine()
	s := NewOutreachServer(OutreachServerDeps{Engine: me})

	result, err := s.handleFireEvent(context.Background(),
		buildRequest("outreach.fire_event", map[string]any{
			"event":       "business.created",
			"user_id":     "user-1",
			"business_id": "biz-1",
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, float64(2), out["started"])
	assert.Equal(t, []string{"business.created/user-1/biz-1"}, me.fired)
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(filter, "a", 0))
	assert.Equal(t, 4, extractInt(filter, "b", 0))
	assert.Equal(t, 5, extractInt(filter, "c", 0))
	assert.Equal(t, 9, extractInt(filter, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

// --- Notifier ---

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]map[string]any
}

func (r *recordingNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]map[string]any)
	}
	r.calls[userID] = append(r.calls[userID], payload)
	return nil
}

func (r *recordingNotifier) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[userID])
}

func TestForward(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))
	defer bus.Close()

	rec := &recordingNotifier{}
	done := make(chan struct{})
	go func() {
		Forward(ctx, bus, rec, logging.Discard())
		close(done)
	}()

	// Forward subscribes asynchronously; publish until the event lands.
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, schema.ExecutionEvent{
			Type: schema.EventExecutionFailed, ExecutionID: "exec-1", UserID: "user-1",
			Status: schema.ExecutionFailed, Error: schema.QuotaExceededMessage,
		})
		return rec.count("user-1") > 0
	}, 2*time.Second, 20*time.Millisecond)

	rec.mu.Lock()
	p := rec.calls["user-1"][0]
	rec.mu.Unlock()
	assert.Equal(t, "warning", p["level"])
	data := p["data"].(map[string]any)
	assert.Equal(t, "exec-1", data["execution_id"])
	assert.Equal(t, schema.QuotaExceededMessage, data["error"])

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}

func TestMCPNotifier_NotConnected(t *testing.T) {
	s := NewOutreachServer(OutreachServerDeps{})
	assert.NoError(t, s.Notifier().Notify(context.Background(), "nobody", map[string]any{"x": 1}))
}

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithRun(ctx, "exec-1", "wf-1", "user-1")
	ctx = WithNodeID(ctx, "email-1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "user-1", UserID(ctx))
	assert.Equal(t, "email-1", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "exec-9", "wf-abc", "")
	LogWith(ctx, logger).Info("walking")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-9")
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.NotContains(t, output, "user_id")
	assert.NotContains(t, output, "node_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-auto"), "cond-1")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"node_id":"cond-1"`)
	assert.NotContains(t, output, "workflow_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "queue")}))

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-attr"`)
	assert.Contains(t, output, `"component":"queue"`)
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info("hidden")
	logger.WarnContext(WithUserID(context.Background(), "u-7"), "shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"msg":"shown"`)
	assert.Contains(t, output, `"user_id":"u-7"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

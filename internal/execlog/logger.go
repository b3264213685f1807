// Package execlog records the audit trail of workflow runs: status, ordered
// timestamped lines, per-node steps and the final error.
package execlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// Logger writes execution logs through an ExecutionLogStore. Appends are best
// effort: a store failure is reported to slog and never aborts the run.
type Logger struct {
	store  store.ExecutionLogStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Logger.
func New(st store.ExecutionLogStore, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: st, logger: logger, now: time.Now}
}

// Create opens a pending log for a run.
func (l *Logger) Create(ctx context.Context, workflowID, userID, businessID, triggerID string) (*schema.ExecutionLog, error) {
	log := &schema.ExecutionLog{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		UserID:     userID,
		BusinessID: businessID,
		TriggerID:  triggerID,
		Status:     schema.ExecutionPending,
		StartedAt:  l.now().UTC(),
	}
	log.Logs = []string{l.stamp("Execution queued")}
	if err := l.store.CreateExecution(ctx, log); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution log").WithCause(err)
	}
	return log, nil
}

// AppendLine adds a timestamped line.
func (l *Logger) AppendLine(ctx context.Context, executionID, line string) {
	if err := l.store.AppendExecutionLine(ctx, executionID, l.stamp(line)); err != nil {
		logging.LogWith(ctx, l.logger).Warn("execution log append failed",
			slog.String("execution_id", executionID),
			slog.String("line", line),
			slog.String("error", err.Error()))
	}
}

// Step records one node execution and a summary line for it.
func (l *Logger) Step(ctx context.Context, executionID string, rec schema.StepRecord) {
	line := fmt.Sprintf("Node %s (%s) -> %s in %s", rec.NodeID, rec.NodeType, rec.Outcome, rec.Duration.Round(time.Millisecond))
	if rec.Attempts > 1 {
		line += fmt.Sprintf(" after %d attempts", rec.Attempts)
	}
	if rec.Error != "" {
		line += ": " + rec.Error
	}
	l.AppendLine(ctx, executionID, line)

	if err := l.store.AddStep(ctx, executionID, rec); err != nil {
		logging.LogWith(ctx, l.logger).Warn("execution step record failed",
			slog.String("execution_id", executionID),
			slog.String("node_id", rec.NodeID),
			slog.String("error", err.Error()))
	}
}

// PersistTransition stores a non-terminal status change. It has the
// engine.TransitionHook signature so it can guard FSM transitions.
func (l *Logger) PersistTransition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if to.IsTerminal() {
		return nil
	}
	return l.store.UpdateExecutionStatus(ctx, executionID, from, to)
}

// Finalize closes the log with a terminal status. A log can be finalized once;
// later calls return CONFLICT.
func (l *Logger) Finalize(ctx context.Context, executionID string, status schema.ExecutionStatus, errMsg string) error {
	if !status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot finalize execution with status %s", status)
	}
	if errMsg != "" {
		l.AppendLine(ctx, executionID, "Error: "+errMsg)
	}
	return l.store.FinalizeExecution(ctx, executionID, status, errMsg, l.now().UTC())
}

// Get returns a log with its lines.
func (l *Logger) Get(ctx context.Context, executionID string) (*schema.ExecutionLog, error) {
	return l.store.GetExecution(ctx, executionID)
}

// Query lists logs newest first.
func (l *Logger) Query(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.ExecutionLog, error) {
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return nil, schema.NewError(schema.ErrCodeValidation, "until is before since")
	}
	return l.store.ListExecutions(ctx, filter)
}

// Count counts logs matching filter.
func (l *Logger) Count(ctx context.Context, filter schema.ExecutionFilter) (int, error) {
	return l.store.CountExecutions(ctx, filter)
}

// Steps returns the per-node records of a run in execution order.
func (l *Logger) Steps(ctx context.Context, executionID string) ([]schema.StepRecord, error) {
	return l.store.ListSteps(ctx, executionID)
}

func (l *Logger) stamp(line string) string {
	return fmt.Sprintf("[%s] %s", l.now().UTC().Format(time.RFC3339), line)
}

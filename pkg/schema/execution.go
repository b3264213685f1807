package schema

import "time"

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionStopped ExecutionStatus = "stopped"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionStopped
}

// ExecutionLog is the durable audit record of a run.
// It is immutable once CompletedAt is set.
type ExecutionLog struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	UserID      string          `json:"userId"`
	BusinessID  string          `json:"businessId,omitempty"`
	TriggerID   string          `json:"triggerId,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Logs        []string        `json:"logs"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Duration returns the elapsed run time, or zero while the run is open.
func (l *ExecutionLog) Duration() time.Duration {
	if l.CompletedAt == nil {
		return 0
	}
	return l.CompletedAt.Sub(l.StartedAt)
}

// ExecutionFilter narrows execution log queries.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Status     ExecutionStatus
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// Lifecycle event types published on the event bus.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionSuspended = "execution.suspended"
	EventExecutionSucceeded = "execution.succeeded"
	EventExecutionFailed    = "execution.failed"
	EventExecutionStopped   = "execution.stopped"
)

// ExecutionEvent is a lifecycle notification about a run.
type ExecutionEvent struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	UserID      string          `json:"userId"`
	TriggerID   string          `json:"triggerId,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// EventTypeForStatus maps a status to the event announcing it.
func EventTypeForStatus(s ExecutionStatus) string {
	switch s {
	case ExecutionRunning:
		return EventExecutionStarted
	case ExecutionSuccess:
		return EventExecutionSucceeded
	case ExecutionFailed:
		return EventExecutionFailed
	case ExecutionStopped:
		return EventExecutionStopped
	default:
		return ""
	}
}

// StepRecord describes one node execution inside a run.
type StepRecord struct {
	NodeID   string        `json:"nodeId"`
	NodeType NodeType      `json:"nodeType"`
	Outcome  string        `json:"outcome"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

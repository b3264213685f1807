package engine

import (
	"time"
)

// Continuation is the persisted state of a run suspended by a delay node.
// Resuming starts the walker at NextNodeID with Vars, Visits and Steps restored.
type Continuation struct {
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	UserID      string         `json:"userId"`
	BusinessID  string         `json:"businessId,omitempty"`
	TriggerID   string         `json:"triggerId,omitempty"`
	NextNodeID  string         `json:"nextNodeId"`
	Vars        map[string]any `json:"vars"`
	Visits      map[string]int `json:"visits"`
	Steps       int            `json:"steps"`
	ResumeAt    time.Time      `json:"resumeAt"`
	Attempt     int            `json:"attempt"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Due reports whether the continuation may resume at now.
func (c *Continuation) Due(now time.Time) bool {
	return !now.Before(c.ResumeAt)
}

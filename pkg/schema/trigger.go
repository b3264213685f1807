package schema

import "time"

// TriggerType selects how a trigger computes its next run.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerInterval TriggerType = "interval"
	TriggerDaily    TriggerType = "daily"
	TriggerEvent    TriggerType = "event"
)

// Target selection strategies.
const (
	SelectNone    = "none"
	SelectSingle  = "single"
	SelectPending = "pending"
)

// Trigger is a scheduled or event-driven cause for a workflow to start.
type Trigger struct {
	ID            string        `json:"id"`
	WorkflowID    string        `json:"workflowId"`
	UserID        string        `json:"userId"`
	Type          TriggerType   `json:"triggerType"`
	Config        TriggerConfig `json:"config"`
	Enabled       bool          `json:"enabled"`
	NextRunAt     *time.Time    `json:"nextRunAt,omitempty"`
	LastRunAt     *time.Time    `json:"lastRunAt,omitempty"`
	LastRunStatus string        `json:"lastRunStatus,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// TriggerConfig holds the rule and target selection of a trigger.
type TriggerConfig struct {
	Cron            string            `json:"cron,omitempty"`
	IntervalMinutes int               `json:"intervalMinutes,omitempty"`
	Time            string            `json:"time,omitempty"`
	Timezone        string            `json:"timezone,omitempty"`
	Event           string            `json:"event,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	Selection       BusinessSelection `json:"selection,omitempty"`
}

// BusinessSelection decides which businesses a firing runs against.
type BusinessSelection struct {
	Strategy   string `json:"strategy,omitempty"`
	BusinessID string `json:"businessId,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

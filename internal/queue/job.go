package queue

import (
	"strings"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// Priority orders ready jobs. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ParsePriority accepts low, medium and high. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityMedium, schema.NewErrorf(schema.ErrCodeValidation, "unknown priority %q", s)
}

// JobType distinguishes fresh runs from resumptions.
type JobType string

const (
	JobExecution    JobType = "execution"
	JobContinuation JobType = "continuation"
)

// JobStatus is the queue-side state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job will not run again.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Request describes a job to enqueue.
type Request struct {
	Type      JobType
	Priority  Priority
	DedupeKey string
	Payload   any
	// EligibleAt delays dispatch until then. Zero means now.
	EligibleAt time.Time
	// MaxAttempts bounds resubmission of continuation jobs. Zero uses the
	// queue default; execution jobs always run once.
	MaxAttempts int
}

// Job is a queued unit of work. Handlers receive a copy.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Priority    Priority   `json:"-"`
	Status      JobStatus  `json:"status"`
	DedupeKey   string     `json:"dedupeKey,omitempty"`
	Payload     any        `json:"-"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	EligibleAt  time.Time  `json:"eligibleAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Error       string     `json:"error,omitempty"`

	seq     uint64
	index   int
	delayed bool
}

func (j *Job) snapshot() Job {
	cp := *j
	cp.index = -1
	return cp
}

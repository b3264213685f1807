package store

import (
	"context"
	"time"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/pkg/schema"
)

// Store is the persistence interface for the outreach engine.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	BusinessStore
	UserStore
	TemplateStore
	QuotaStore
	ExecutionLogStore
	TriggerStore
	ContinuationStore
	SecretStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

// WorkflowStore persists workflow definitions. The engine only reads them.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
}

// BusinessStore persists outreach targets.
type BusinessStore interface {
	SaveBusiness(ctx context.Context, b *schema.Business) error
	GetBusiness(ctx context.Context, id string) (*schema.Business, error)
	UpdateBusiness(ctx context.Context, id string, patch schema.BusinessPatch) error
	ListBusinesses(ctx context.Context, filter schema.BusinessFilter) ([]*schema.Business, error)
}

// UserStore persists workflow owners.
type UserStore interface {
	SaveUser(ctx context.Context, u *schema.UserProfile) error
	GetUser(ctx context.Context, id string) (*schema.UserProfile, error)
}

// TemplateStore persists email templates and renders them.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tpl *schema.EmailTemplate) error
	GetTemplate(ctx context.Context, userID, templateID string) (*schema.EmailTemplate, error)
	GetDefaultTemplate(ctx context.Context, userID string) (*schema.EmailTemplate, error)
	Interpolate(tpl *schema.EmailTemplate, business *schema.Business, user *schema.UserProfile) schema.RenderedEmail
}

// QuotaStore counts sends per user per day.
type QuotaStore interface {
	// CheckAndIncrement increments the counter only when it is below limit.
	// The check and the increment are a single atomic step.
	CheckAndIncrement(ctx context.Context, userID, day string, limit int) (allowed bool, used int, err error)
	QuotaUsage(ctx context.Context, userID, day string) (int, error)
}

// ExecutionLogStore persists execution logs. A log is immutable once
// completed: appends and finalizes against it return CONFLICT.
type ExecutionLogStore interface {
	CreateExecution(ctx context.Context, log *schema.ExecutionLog) error
	AppendExecutionLine(ctx context.Context, id, line string) error
	UpdateExecutionStatus(ctx context.Context, id string, from, to schema.ExecutionStatus) error
	FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string, completedAt time.Time) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionLog, error)
	ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.ExecutionLog, error)
	CountExecutions(ctx context.Context, filter schema.ExecutionFilter) (int, error)
	AddStep(ctx context.Context, id string, rec schema.StepRecord) error
	ListSteps(ctx context.Context, id string) ([]schema.StepRecord, error)
}

// TriggerStore persists triggers. Triggers are never deleted by the engine.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, t *schema.Trigger) error
	GetTrigger(ctx context.Context, id string) (*schema.Trigger, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error)
	DueTriggers(ctx context.Context, now time.Time, limit int) ([]*schema.Trigger, error)
	// ClaimAndReschedule moves next_run_at from expected to next. It returns
	// false when another instance already moved it.
	ClaimAndReschedule(ctx context.Context, id string, expected time.Time, next *time.Time, now time.Time) (bool, error)
	RecordTriggerRun(ctx context.Context, id, status string) error
	SetTriggerEnabled(ctx context.Context, id string, enabled bool) error
	DeleteTrigger(ctx context.Context, id string) error
}

// ContinuationStore persists runs suspended by delay nodes.
type ContinuationStore interface {
	SaveContinuation(ctx context.Context, c *engine.Continuation) error
	GetContinuation(ctx context.Context, executionID string) (*engine.Continuation, error)
	DeleteContinuation(ctx context.Context, executionID string) error
	ListContinuations(ctx context.Context) ([]*engine.Continuation, error)
}

// SecretStore persists encrypted secret blobs. Satisfies secrets.SecretStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// WorkflowFilter narrows workflow listings.
type WorkflowFilter struct {
	UserID     string
	ActiveOnly bool
	Limit      int
}

// TriggerFilter narrows trigger listings.
type TriggerFilter struct {
	WorkflowID  string
	UserID      string
	Type        schema.TriggerType
	EnabledOnly bool
	Limit       int
}

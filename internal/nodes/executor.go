package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

// Outcome labels the result of a node; the walker picks the outgoing edge by it.
type Outcome string

const (
	OutcomeDefault Outcome = "default"
	OutcomeTrue    Outcome = "true"
	OutcomeFalse   Outcome = "false"
	OutcomeLoop    Outcome = "loop"
	OutcomeStop    Outcome = "stop"
	OutcomeError   Outcome = "error"
)

// Result is what a node reports back to the walker.
type Result struct {
	Outcome Outcome
	Logs    []string
	// ResumeAt is set by delay nodes; the walker suspends until then.
	ResumeAt *time.Time
}

// Input is everything a node sees while executing.
type Input struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	Node        schema.Node
	Spec        Spec
	Vars        *Context
	Business    *schema.Business
	User        *schema.UserProfile
	// Timezone is the workflow's IANA timezone, empty for UTC.
	Timezone string
	// Predecessors lists the IDs of nodes with an edge into this node.
	Predecessors []string
	// Visited reports whether a node has executed in this run.
	Visited func(nodeID string) bool
}

// Executor runs one node type. A non-nil error means outcome "error"; the
// error's EngineError code decides whether the walker retries.
type Executor interface {
	Execute(ctx context.Context, in *Input) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in *Input) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, in *Input) (Result, error) { return f(ctx, in) }

// --- collaborators ---

// BusinessRepository reads and patches outreach targets.
type BusinessRepository interface {
	GetBusiness(ctx context.Context, id string) (*schema.Business, error)
	UpdateBusiness(ctx context.Context, id string, patch schema.BusinessPatch) error
}

// TemplateRepository resolves and renders email templates.
type TemplateRepository interface {
	GetTemplate(ctx context.Context, userID, templateID string) (*schema.EmailTemplate, error)
	GetDefaultTemplate(ctx context.Context, userID string) (*schema.EmailTemplate, error)
	Interpolate(tpl *schema.EmailTemplate, business *schema.Business, user *schema.UserProfile) schema.RenderedEmail
}

// QuotaStore counts sends per user per day. CheckAndIncrement is atomic:
// it increments only when the count is below limit.
type QuotaStore interface {
	CheckAndIncrement(ctx context.Context, userID, day string, limit int) (allowed bool, used int, err error)
}

// EmailSender delivers one rendered email and returns the provider message ID.
type EmailSender interface {
	Send(ctx context.Context, business *schema.Business, email schema.RenderedEmail, creds map[string]string) (string, error)
}

// SocialPost is a publish request.
type SocialPost struct {
	Platform string
	Account  schema.SocialAccount
	Content  string
	Media    []string
}

// SocialPublisher posts to a social platform and returns the post ID.
type SocialPublisher interface {
	Publish(ctx context.Context, post SocialPost) (string, error)
}

// AIGenerator produces text from a prompt. An empty apiKey means the
// generator's own default credentials.
type AIGenerator interface {
	Generate(ctx context.Context, prompt, apiKey string) (string, error)
}

// HTTPRequest is an outbound call made by webhook nodes.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// HTTPResponse is the parsed reply. Body is decoded JSON when possible.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       any
}

// HTTPCaller performs webhook calls.
type HTTPCaller interface {
	Call(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// CredentialSource returns per-user provider credentials. A missing entry is a
// NOT_FOUND error.
type CredentialSource interface {
	Credentials(ctx context.Context, userID, provider string) (map[string]string, error)
}

// Deps wires node executors to their collaborators. Nil collaborators make the
// corresponding node types fail with a permanent error.
type Deps struct {
	Businesses  BusinessRepository
	Templates   TemplateRepository
	Quota       QuotaStore
	Email       EmailSender
	Social      SocialPublisher
	AI          AIGenerator
	HTTP        HTTPCaller
	Credentials CredentialSource
	Evaluator   *expressions.Evaluator
	Logger      *slog.Logger
	Now         func() time.Time

	DefaultDailyLimit int
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// credentials returns the user's credentials for provider, nil when none are stored.
func (d *Deps) credentials(ctx context.Context, userID, provider string) (map[string]string, error) {
	if d.Credentials == nil {
		return nil, nil
	}
	creds, err := d.Credentials.Credentials(ctx, userID, provider)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return creds, nil
}

// IsProvider reports whether the node type calls an external provider. The
// walker guards provider calls with a circuit breaker and retries.
func IsProvider(t schema.NodeType) bool {
	switch t.Canonical() {
	case schema.NodeTypeWebhook, schema.NodeTypeGemini, schema.NodeTypeEmail, schema.NodeTypeSocialPost:
		return true
	}
	return false
}

func unavailable(t schema.NodeType) error {
	return schema.NewErrorf(schema.ErrCodePermanent, "no %s provider configured", t)
}

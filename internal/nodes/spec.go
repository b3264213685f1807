package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/outreach/pkg/schema"
)

// Spec is the typed configuration of one node. Each node type has exactly one
// Spec variant; Decode is the only way to obtain one.
type Spec interface {
	NodeType() schema.NodeType
}

// StartSpec marks the entry node. Entry aliases (trigger, webhookTrigger,
// schedule) carry no executable configuration.
type StartSpec struct{}

// ConditionSpec branches on a boolean expression.
type ConditionSpec struct {
	Condition string `json:"condition" validate:"required"`
	Language  string `json:"language,omitempty" validate:"omitempty,oneof=expr cel"`
	// OnError is "false" (default, take the false branch) or "fail".
	OnError string `json:"onError,omitempty" validate:"omitempty,oneof=false fail"`
}

// FilterSpec stops the run when the predicate does not hold.
type FilterSpec struct {
	FilterCondition string `json:"filterCondition" validate:"required"`
	Language        string `json:"language,omitempty" validate:"omitempty,oneof=expr cel"`
}

// SetSpec writes context variables.
type SetSpec struct {
	SetVariables map[string]any    `json:"setVariables,omitempty"`
	Expressions  map[string]string `json:"expressions,omitempty"`
	Transform    string            `json:"transform,omitempty"`
}

// DelaySpec suspends the run. Both fields add up.
type DelaySpec struct {
	DelayHours   float64 `json:"delayHours,omitempty" validate:"gte=0"`
	DelayMinutes float64 `json:"delayMinutes,omitempty" validate:"gte=0"`
}

// WebhookSpec performs an outbound HTTP call.
type WebhookSpec struct {
	URL            string            `json:"url" validate:"required"`
	Method         string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	Extract        string            `json:"extract,omitempty"`
	OutputKey      string            `json:"outputKey,omitempty"`
	FailOnStatus   bool              `json:"failOnStatus,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

// AISpec generates content from a templated prompt.
type AISpec struct {
	Prompt     string `json:"prompt" validate:"required"`
	OutputKey  string `json:"outputKey,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// EmailSpec sends a templated email to the run's business.
type EmailSpec struct {
	TemplateID string `json:"templateId,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	DailyLimit int    `json:"dailyLimit,omitempty" validate:"gte=0"`
}

// SocialSpec publishes a post.
type SocialSpec struct {
	Platform   string   `json:"platform" validate:"required,oneof=facebook instagram linkedin twitter"`
	Content    string   `json:"content,omitempty"`
	ContentKey string   `json:"contentKey,omitempty"`
	Media      []string `json:"media,omitempty" validate:"dive,required"`
	AccountID  string   `json:"accountId,omitempty"`
}

// MergeSpec joins branches.
type MergeSpec struct {
	Mode   string   `json:"mode,omitempty" validate:"omitempty,oneof=any all"`
	Inputs []string `json:"inputs,omitempty"`
}

// BatchSpec iterates a list in fixed-size batches.
type BatchSpec struct {
	Items     string `json:"items" validate:"required"`
	BatchSize int    `json:"batchSize,omitempty" validate:"gte=0"`
	OutputKey string `json:"outputKey,omitempty"`
}

func (StartSpec) NodeType() schema.NodeType     { return schema.NodeTypeStart }
func (ConditionSpec) NodeType() schema.NodeType { return schema.NodeTypeCondition }
func (FilterSpec) NodeType() schema.NodeType    { return schema.NodeTypeFilter }
func (SetSpec) NodeType() schema.NodeType       { return schema.NodeTypeSet }
func (DelaySpec) NodeType() schema.NodeType     { return schema.NodeTypeDelay }
func (WebhookSpec) NodeType() schema.NodeType   { return schema.NodeTypeWebhook }
func (AISpec) NodeType() schema.NodeType        { return schema.NodeTypeGemini }
func (EmailSpec) NodeType() schema.NodeType     { return schema.NodeTypeEmail }
func (SocialSpec) NodeType() schema.NodeType    { return schema.NodeTypeSocialPost }
func (MergeSpec) NodeType() schema.NodeType     { return schema.NodeTypeMerge }
func (BatchSpec) NodeType() schema.NodeType     { return schema.NodeTypeSplitInBatches }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Decode converts a node's free-form config into its typed Spec.
// Unknown types and invalid configs yield a VALIDATION_ERROR carrying the node ID.
func Decode(node schema.Node) (Spec, error) {
	var spec Spec
	switch node.Type.Canonical() {
	case schema.NodeTypeStart:
		return StartSpec{}, nil
	case schema.NodeTypeCondition:
		spec = &ConditionSpec{}
	case schema.NodeTypeFilter:
		spec = &FilterSpec{}
	case schema.NodeTypeSet:
		spec = &SetSpec{}
	case schema.NodeTypeDelay:
		spec = &DelaySpec{}
	case schema.NodeTypeWebhook:
		spec = &WebhookSpec{}
	case schema.NodeTypeGemini:
		spec = &AISpec{}
	case schema.NodeTypeEmail:
		spec = &EmailSpec{}
	case schema.NodeTypeSocialPost:
		spec = &SocialSpec{}
	case schema.NodeTypeMerge:
		spec = &MergeSpec{}
	case schema.NodeTypeSplitInBatches:
		spec = &BatchSpec{}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", node.Type).WithNode(node.ID)
	}

	if len(node.Config) > 0 {
		raw, err := json.Marshal(node.Config)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "config of node %q is not serializable", node.ID).
				WithNode(node.ID).WithCause(err)
		}
		if err := json.Unmarshal(raw, spec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s config: %s", node.Type, err.Error()).
				WithNode(node.ID).WithCause(err)
		}
	}

	if err := structValidator().Struct(spec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s config: %s", node.Type, describeValidation(err)).
			WithNode(node.ID).WithCause(err)
	}

	if set, ok := spec.(*SetSpec); ok {
		if len(set.SetVariables) == 0 && len(set.Expressions) == 0 && set.Transform == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"set node needs setVariables, expressions or transform").WithNode(node.ID)
		}
	}

	return deref(spec), nil
}

// deref returns the value form of a decoded spec so executors switch on values.
func deref(spec Spec) Spec {
	switch s := spec.(type) {
	case *ConditionSpec:
		return *s
	case *FilterSpec:
		return *s
	case *SetSpec:
		return *s
	case *DelaySpec:
		return *s
	case *WebhookSpec:
		return *s
	case *AISpec:
		return *s
	case *EmailSpec:
		return *s
	case *SocialSpec:
		return *s
	case *MergeSpec:
		return *s
	case *BatchSpec:
		return *s
	}
	return spec
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

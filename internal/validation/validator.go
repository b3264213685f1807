package validation

import "github.com/rendis/outreach/pkg/schema"

// Validator checks workflow definitions before they are stored or run.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

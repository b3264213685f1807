package validation

import (
	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (node configs, entry node, edges, reachability, cycles)
// 3. Semantic (expressions, timezone, variables, merge inputs)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	evaluator  *expressions.Evaluator
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator. A nil evaluator gets a
// fresh one.
func NewWorkflowValidator(ev *expressions.Evaluator) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if ev == nil {
		if ev, err = expressions.NewEvaluator(); err != nil {
			return nil, err
		}
	}
	return &WorkflowValidator{jsonSchema: jsv, evaluator: ev}, nil
}

// Schema exposes the structural validator for raw documents and triggers.
func (wv *WorkflowValidator) Schema() *JSONSchemaValidator { return wv.jsonSchema }

// Validate runs the pipeline and returns an aggregated result. Each stage
// runs only when the previous one found no errors.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := errorResult(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	g, err := engine.BuildGraph(def)
	if err != nil {
		result.Merge(errorResult(err))
		return result
	}
	result.Warnings = append(result.Warnings, g.Warnings...)

	result.Merge(validateSemantic(def, g, wv.evaluator))
	return result
}

// ValidateDefinition returns the first errors as one VALIDATION_ERROR, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// errorResult spreads a validation error back into individual issues.
func errorResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	e, ok := schema.AsEngineError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if e.Details != nil {
		if issues, ok := e.Details["errors"].([]schema.ValidationIssue); ok {
			result.Errors = append(result.Errors, issues...)
			if warnings, ok := e.Details["warnings"].([]schema.ValidationIssue); ok {
				result.Warnings = append(result.Warnings, warnings...)
			}
			return result
		}
		if violations, ok := e.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", e.Code, e.Message)
	return result
}

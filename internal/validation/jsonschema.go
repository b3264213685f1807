package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/outreach/pkg/schema"
)

const (
	workflowSchemaURL = "https://outreach.local/schemas/workflow.json"
	triggerSchemaURL  = "https://outreach.local/schemas/trigger.json"
)

// workflowSchemaJSON describes the wire shape of a WorkflowDefinition.
// Per-type node configs are checked later by the typed node specs.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://outreach.local/schemas/workflow.json",
  "type": "object",
  "required": ["id", "userId", "name", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "userId": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/node"}
    },
    "edges": {
      "type": ["array", "null"],
      "items": {"$ref": "#/$defs/edge"}
    },
    "isActive": {"type": "boolean"},
    "targetBusinessType": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "timezone": {"type": "string"},
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
          "type": {"enum": ["string", "number", "bool", "list", "map", "any"]}
        },
        "additionalProperties": false
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "maxRevisits": {"type": "integer", "minimum": 0, "maximum": 1000},
        "maxSteps": {"type": "integer", "minimum": 0, "maximum": 1000000}
      },
      "additionalProperties": false
    },
    "createdAt": {"type": "string"},
    "updatedAt": {"type": "string"}
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {
          "enum": ["start", "trigger", "webhookTrigger", "schedule", "condition", "filter", "set",
                   "delay", "webhook", "apiRequest", "gemini", "ai", "email", "social-post", "social",
                   "merge", "splitInBatches"]
        },
        "name": {"type": "string"},
        "config": {"type": ["object", "null"]}
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": {"type": "string"},
        "source": {"type": "string", "minLength": 1},
        "target": {"type": "string", "minLength": 1},
        "label": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

const triggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://outreach.local/schemas/trigger.json",
  "type": "object",
  "required": ["id", "workflowId", "triggerType"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "workflowId": {"type": "string", "minLength": 1},
    "userId": {"type": "string"},
    "triggerType": {"enum": ["schedule", "interval", "daily", "event"]},
    "enabled": {"type": "boolean"},
    "config": {
      "type": "object",
      "properties": {
        "cron": {"type": "string"},
        "intervalMinutes": {"type": "integer", "minimum": 1},
        "time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
        "timezone": {"type": "string"},
        "event": {"type": "string"},
        "priority": {"enum": ["low", "medium", "high"]},
        "selection": {
          "type": "object",
          "properties": {
            "strategy": {"enum": ["none", "single", "pending"]},
            "businessId": {"type": "string"},
            "limit": {"type": "integer", "minimum": 0}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  },
  "allOf": [
    {"if": {"properties": {"triggerType": {"const": "schedule"}}},
     "then": {"required": ["config"], "properties": {"config": {"required": ["cron"]}}}},
    {"if": {"properties": {"triggerType": {"const": "interval"}}},
     "then": {"required": ["config"], "properties": {"config": {"required": ["intervalMinutes"]}}}},
    {"if": {"properties": {"triggerType": {"const": "daily"}}},
     "then": {"required": ["config"], "properties": {"config": {"required": ["time"]}}}},
    {"if": {"properties": {"triggerType": {"const": "event"}}},
     "then": {"required": ["config"], "properties": {"config": {"required": ["event"]}}}}
  ]
}`

// JSONSchemaValidator checks the wire shape of workflows and triggers.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	triggerSchema  *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, doc := range map[string]string{
		workflowSchemaURL: workflowSchemaJSON,
		triggerSchemaURL:  triggerSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	tr, err := c.Compile(triggerSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile trigger schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wf, triggerSchema: tr}, nil
}

// ValidateDefinition checks a decoded definition against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return v.validate(v.workflowSchema, def)
}

// ValidateDocument checks a raw JSON document against the workflow schema.
// Unknown fields are reported here, before decoding silently drops them.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow is not valid JSON: %s", err).WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateTrigger checks a trigger against the trigger schema.
func (v *JSONSchemaValidator) ValidateTrigger(t *schema.Trigger) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger is nil")
	}
	return v.validate(v.triggerSchema, t)
}

func (v *JSONSchemaValidator) validate(s *jsonschema.Schema, value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// listing every violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

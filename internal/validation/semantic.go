package validation

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// Semantic issue codes.
const (
	CodeBadExpression = "BAD_EXPRESSION"
	CodeBadTimezone   = "BAD_TIMEZONE"
	CodeBadVariable   = "BAD_VARIABLE"
	CodeTypeMismatch  = "TYPE_MISMATCH"
	CodeUnknownInput  = "UNKNOWN_MERGE_INPUT"
	CodeNoOp          = "NO_OP"
)

// validateSemantic checks what the graph builder does not: expressions
// compile, the timezone exists, declared variables are consistent and merge
// inputs name real predecessors.
func validateSemantic(def *schema.WorkflowDefinition, g *engine.Graph, ev *expressions.Evaluator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Timezone != "" {
		if _, err := time.LoadLocation(def.Timezone); err != nil {
			result.AddError("timezone", CodeBadTimezone, fmt.Sprintf("unknown timezone %q", def.Timezone))
		}
	}

	declared := checkDeclarations(def, result)

	for i := range def.Nodes {
		n := def.Nodes[i]
		spec, ok := g.Specs[n.ID]
		if !ok {
			continue
		}
		path := fmt.Sprintf("nodes[%d].config", i)
		switch s := spec.(type) {
		case nodes.ConditionSpec:
			checkExpression(ev, result, path+".condition", s.Language, s.Condition)
		case nodes.FilterSpec:
			checkExpression(ev, result, path+".filterCondition", s.Language, s.FilterCondition)
		case nodes.SetSpec:
			checkSet(ev, result, path, s, declared)
		case nodes.WebhookSpec:
			if s.Extract != "" {
				if err := ev.CheckTransform(s.Extract); err != nil {
					result.AddError(path+".extract", CodeBadExpression, schema.UserMessage(err))
				}
			}
		case nodes.BatchSpec:
			if strings.HasPrefix(s.Items, ".") {
				if err := ev.CheckTransform(s.Items); err != nil {
					result.AddError(path+".items", CodeBadExpression, schema.UserMessage(err))
				}
			}
		case nodes.MergeSpec:
			preds := make(map[string]bool)
			for _, p := range g.Predecessors(n.ID) {
				preds[p] = true
			}
			for j, in := range s.Inputs {
				if !preds[in] {
					result.AddError(fmt.Sprintf("%s.inputs[%d]", path, j), CodeUnknownInput,
						fmt.Sprintf("merge input %q has no edge into %s", in, n.ID))
				}
			}
		case nodes.DelaySpec:
			if s.DelayHours == 0 && s.DelayMinutes == 0 {
				result.AddWarning(path, CodeNoOp, fmt.Sprintf("delay node %s waits zero time", n.ID))
			}
		}
	}
	return result
}

func checkExpression(ev *expressions.Evaluator, result *schema.ValidationResult, path, language, expr string) {
	if err := ev.Check(language, expr); err != nil {
		result.AddError(path, CodeBadExpression, schema.UserMessage(err))
	}
}

func checkDeclarations(def *schema.WorkflowDefinition, result *schema.ValidationResult) map[string]schema.VariableType {
	declared := make(map[string]schema.VariableType, len(def.Variables))
	for i, v := range def.Variables {
		path := fmt.Sprintf("variables[%d]", i)
		if _, dup := declared[v.Name]; dup {
			result.AddError(path, CodeBadVariable, fmt.Sprintf("variable %q declared twice", v.Name))
			continue
		}
		if nodes.IsReserved(v.Name) {
			result.AddError(path, CodeBadVariable, fmt.Sprintf("variable %q is in the engine's namespace", v.Name))
			continue
		}
		declared[v.Name] = v.Type
	}
	return declared
}

func checkSet(ev *expressions.Evaluator, result *schema.ValidationResult, path string, s nodes.SetSpec, declared map[string]schema.VariableType) {
	for key, value := range s.SetVariables {
		if typ, ok := declared[key]; ok && !nodes.MatchesType(typ, value) {
			result.AddError(path+".setVariables."+key, CodeTypeMismatch,
				fmt.Sprintf("variable %q is declared %s", key, typ))
		}
	}
	for key, expr := range s.Expressions {
		checkExpression(ev, result, path+".expressions."+key, "", expr)
	}
	if s.Transform != "" {
		if err := ev.CheckTransform(s.Transform); err != nil {
			result.AddError(path+".transform", CodeBadExpression, schema.UserMessage(err))
		}
	}
}

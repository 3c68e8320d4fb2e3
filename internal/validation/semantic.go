package validation

import (
	"fmt"

	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// validateSemantic performs semantic analysis on a workflow definition.
// Checks: unique step IDs, known step types, per-type required config,
// and branch target references. Dangling onSuccess/onFailure targets
// are warnings, not errors: at runtime a missing target falls back to
// sequential advancement, but a definition author almost certainly
// meant something else.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if stepIDs[s.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		validateStepSemantic(&def.Steps[i], fmt.Sprintf("steps[%d]", i), stepIDs, result)
	}

	return result
}

// validateStepSemantic checks a single step.
func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeTool:
		if step.Tool == "" {
			result.AddError(path+".tool", schema.ErrCodeValidation, "tool step requires a tool name")
		}
		if step.Action == "" {
			result.AddError(path+".action", schema.ErrCodeValidation, "tool step requires an action")
		}
	case schema.StepTypeLLM:
		if step.Prompt == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation, "llm step requires a prompt")
		}
	case schema.StepTypeCondition:
		if step.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation, "condition step requires an expression")
		}
	case schema.StepTypeTransform:
		if step.Transform == nil {
			result.AddError(path+".transform", schema.ErrCodeValidation, "transform step requires a transform block")
		} else if step.Transform.Input == "" {
			result.AddError(path+".transform.input", schema.ErrCodeValidation, "transform step requires an input")
		}
	case schema.StepTypeApproval:
		if step.Approval == nil {
			result.AddError(path+".approval", schema.ErrCodeValidation, "approval step requires an approval block")
		}
	default:
		result.AddError(path+".type", schema.ErrCodeUnknownStepType,
			fmt.Sprintf("unknown step type %q", step.Type))
	}

	if step.OnSuccess != "" && !stepIDs[step.OnSuccess] {
		result.AddWarning(path+".onSuccess", schema.ErrCodeValidation,
			fmt.Sprintf("onSuccess references unknown step %q; runtime falls back to the next sequential step", step.OnSuccess))
	}
	if step.OnFailure != "" && !stepIDs[step.OnFailure] {
		result.AddWarning(path+".onFailure", schema.ErrCodeValidation,
			fmt.Sprintf("onFailure references unknown step %q; runtime falls back to the next sequential step", step.OnFailure))
	}
}

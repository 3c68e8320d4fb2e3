package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexcelewicz/stepflow/internal/expressions"
	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// executeStep dispatches one step to its executor and wraps the outcome
// into a StepResult. Step executors never throw: every internal error
// is encoded as a failure result. The only returned error is an unknown
// step type, which signals a malformed definition rather than a runtime
// condition.
func (e *Executor) executeStep(ctx context.Context, step *schema.StepDefinition, run *store.WorkflowRun, ectx expressions.Context) (*store.StepResult, error) {
	started := e.now()

	var output any
	var stepErr error

	switch step.Type {
	case schema.StepTypeTool:
		output, stepErr = e.runToolStep(ctx, step, run, ectx)
	case schema.StepTypeLLM:
		output, stepErr = e.runLLMStep(ctx, step, ectx)
	case schema.StepTypeCondition:
		output, stepErr = e.runConditionStep(ctx, step, run, ectx)
	case schema.StepTypeTransform:
		output, stepErr = e.runTransformStep(ctx, step, ectx)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType,
			"unknown step type %q", string(step.Type)).WithStep(step.ID)
	}

	completed := e.now()
	result := &store.StepResult{
		StepID:      step.ID,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMS:  completed.Sub(started).Milliseconds(),
	}
	if stepErr != nil {
		result.Status = schema.StepStatusFailure
		result.Error = stepErr.Error()
	} else {
		result.Status = schema.StepStatusSuccess
		result.Output = output
	}
	return result, nil
}

// runToolStep interpolates the action and args, then delegates to the
// tool service. A non-success tool response becomes a failure carrying
// the service's error message.
func (e *Executor) runToolStep(ctx context.Context, step *schema.StepDefinition, run *store.WorkflowRun, ectx expressions.Context) (any, error) {
	if e.tools == nil {
		return nil, fmt.Errorf("no tool service configured")
	}

	action := e.eval.EvaluateString(step.Action, ectx)
	args, _ := e.eval.InterpolateArgs(step.Args, ectx).(map[string]any)

	res, err := e.tools.Execute(ctx, step.Tool, action, args, UserContext{UserID: run.UserID})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error != "" {
			return nil, fmt.Errorf("%s", res.Error)
		}
		return nil, fmt.Errorf("tool %s.%s failed", step.Tool, action)
	}
	return res.Data, nil
}

// runLLMStep interpolates the prompt, resolves the model, and calls the
// text generator. Output that looks like JSON is parsed so later steps
// can address into it; anything else stays raw text.
func (e *Executor) runLLMStep(ctx context.Context, step *schema.StepDefinition, ectx expressions.Context) (any, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no text generator configured")
	}

	prompt := e.eval.EvaluateString(step.Prompt, ectx)

	var model *ModelConfig
	if e.models != nil {
		resolved, err := e.models.Resolve(ctx, step.Model)
		if err != nil {
			return nil, err
		}
		model = resolved
	} else if step.Model != "" {
		model = &ModelConfig{ID: step.Model}
	}

	text, err := e.llm.Generate(ctx, model, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

// runConditionStep evaluates the step's boolean expression. The result
// is always a success with a boolean output unless evaluation itself
// errors (possible only for prefixed engine expressions).
func (e *Executor) runConditionStep(ctx context.Context, step *schema.StepDefinition, run *store.WorkflowRun, ectx expressions.Context) (any, error) {
	val, err := e.evalExpression(ctx, step.Expression, run, ectx)
	if err != nil {
		return nil, err
	}
	return expressions.Truthy(val), nil
}

// runTransformStep interpolates the input, then applies one of the
// named transform operations. An unrecognized expression passes the
// input through unchanged.
func (e *Executor) runTransformStep(ctx context.Context, step *schema.StepDefinition, ectx expressions.Context) (any, error) {
	cfg := step.Transform
	if cfg == nil {
		return nil, fmt.Errorf("transform step has no transform block")
	}

	input := e.eval.Evaluate(cfg.Input, ectx)

	expr := cfg.Expression
	switch {
	case expr == "JSON.stringify":
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("JSON.stringify: %w", err)
		}
		return string(raw), nil

	case expr == "JSON.parse":
		s, ok := input.(string)
		if !ok {
			return nil, fmt.Errorf("JSON.parse: input is not a string")
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, fmt.Errorf("JSON.parse: %w", err)
		}
		return parsed, nil

	case strings.HasPrefix(expr, "map:"):
		items, ok := input.([]any)
		if !ok {
			return nil, fmt.Errorf("map: input is not an array")
		}
		sub := strings.TrimPrefix(expr, "map:")
		out := make([]any, len(items))
		for i, item := range items {
			itemCtx := make(expressions.Context, len(ectx)+1)
			for k, v := range ectx {
				itemCtx[k] = v
			}
			itemCtx["$item"] = item
			out[i] = e.eval.Evaluate(sub, itemCtx)
		}
		return out, nil

	case strings.HasPrefix(expr, "jq:"):
		return e.jq.Run(ctx, strings.TrimSpace(strings.TrimPrefix(expr, "jq:")), input)

	default:
		// Unrecognized or empty expressions pass through.
		return input, nil
	}
}

// synthesizedApprovalResult is the success result recorded for an
// approval step once its gate is approved. The step itself never ran an
// executor; approval is a state-machine concern.
func (e *Executor) synthesizedApprovalResult(stepID string, at time.Time) *store.StepResult {
	return &store.StepResult{
		StepID:      stepID,
		Status:      schema.StepStatusSuccess,
		Output:      map[string]any{"approved": true},
		StartedAt:   at,
		CompletedAt: at,
	}
}

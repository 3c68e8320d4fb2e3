package engine

import (
	"context"
	"strings"

	"github.com/alexcelewicz/stepflow/internal/expressions"
	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// buildContext derives the expression context for the next step from
// persisted run state. It is rebuilt fresh before every step, never
// persisted: "$input" holds the trigger input, "$<stepId>" exposes
// {success, output, error} per recorded step, and transform-bound
// variables appear under their bare names.
func buildContext(run *store.WorkflowRun) expressions.Context {
	ctx := make(expressions.Context, len(run.StepResults)+len(run.Variables)+1)

	for name, val := range run.Variables {
		ctx[name] = val
	}
	for stepID, res := range run.StepResults {
		ctx["$"+stepID] = map[string]any{
			"success": res.Status == schema.StepStatusSuccess,
			"output":  res.Output,
			"error":   res.Error,
		}
	}
	ctx["$input"] = run.Input
	return ctx
}

// engineData is the top-level variable set handed to the CEL and Expr
// engines: input / steps / vars.
func engineData(run *store.WorkflowRun) map[string]any {
	steps := make(map[string]any, len(run.StepResults))
	for stepID, res := range run.StepResults {
		steps[stepID] = map[string]any{
			"success": res.Status == schema.StepStatusSuccess,
			"output":  res.Output,
			"error":   res.Error,
		}
	}
	return map[string]any{
		"input": run.Input,
		"steps": steps,
		"vars":  run.Variables,
	}
}

// evalExpression evaluates a gating condition or condition-step
// expression. "cel:" and "expr:" prefixes select those engines;
// anything else goes through the $-token evaluator.
func (e *Executor) evalExpression(ctx context.Context, expr string, run *store.WorkflowRun, ectx expressions.Context) (any, error) {
	switch {
	case strings.HasPrefix(expr, "cel:"):
		return e.cel.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expr, "cel:")), engineData(run))
	case strings.HasPrefix(expr, "expr:"):
		return e.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expr, "expr:")), engineData(run))
	default:
		return e.eval.Evaluate(expr, ectx), nil
	}
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexcelewicz/stepflow/pkg/schema"
)

func transformStep(id, input, expression, output string) schema.StepDefinition {
	return schema.StepDefinition{
		ID: id, Type: schema.StepTypeTransform,
		Transform: &schema.TransformConfig{Input: input, Expression: expression, Output: output},
	}
}

func runSingleStep(t *testing.T, h *harness, step schema.StepDefinition, input map[string]any) *ExecutionResult {
	t.Helper()
	h.putDefinition(t, &schema.WorkflowDefinition{ID: "one-" + step.ID, Steps: []schema.StepDefinition{step}})
	res, err := h.exec.Execute(context.Background(), "one-"+step.ID, "u", input)
	require.NoError(t, err)
	return res
}

func TestTransform_JSONParse(t *testing.T) {
	h := newHarness(t)
	res := runSingleStep(t, h,
		transformStep("parse", "$input.raw", "JSON.parse", "doc"),
		map[string]any{"raw": `{"items": [1, 2]}`})

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"items": []any{1.0, 2.0}}, res.Output)

	run, err := h.exec.Status(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Output, run.Variables["doc"])
}

func TestTransform_JSONParse_NonString(t *testing.T) {
	h := newHarness(t)
	res := runSingleStep(t, h,
		transformStep("parse", "$input.raw", "JSON.parse", ""),
		map[string]any{"raw": map[string]any{"already": "parsed"}})

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "JSON.parse")
}

func TestTransform_Map(t *testing.T) {
	h := newHarness(t)
	res := runSingleStep(t, h,
		transformStep("names", "$input.users", "map:$item.name", "names"),
		map[string]any{"users": []any{
			map[string]any{"name": "Ann"},
			map[string]any{"name": "Bob"},
		}})

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []any{"Ann", "Bob"}, res.Output)
}

func TestTransform_JQ(t *testing.T) {
	h := newHarness(t)
	res := runSingleStep(t, h,
		transformStep("total", "$input.order", "jq:[.lines[].qty] | add", "total"),
		map[string]any{"order": map[string]any{"lines": []any{
			map[string]any{"qty": 2.0},
			map[string]any{"qty": 3.0},
		}}})

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, float64(5), res.Output)
}

func TestTransform_JQ_BadProgram(t *testing.T) {
	h := newHarness(t)
	res := runSingleStep(t, h,
		transformStep("bad", "$input.x", "jq:.[", ""),
		map[string]any{"x": 1.0})

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestTransform_Passthrough(t *testing.T) {
	h := newHarness(t)
	res := runSingleStep(t, h,
		transformStep("copy", "$input.x", "", "copied"),
		map[string]any{"x": map[string]any{"k": "v"}})

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"k": "v"}, res.Output)
}

func TestLLMStep_ParsesJSONOutput(t *testing.T) {
	h := newHarness(t)
	h.llm.response = ` {"sentiment": "positive", "score": 0.9} `
	res := runSingleStep(t, h,
		schema.StepDefinition{ID: "classify", Type: schema.StepTypeLLM,
			Model: "small", Prompt: "classify: $input.text"},
		map[string]any{"text": "great stuff"})

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"sentiment": "positive", "score": 0.9}, res.Output)
	require.Len(t, h.llm.prompts, 1)
	assert.Equal(t, "classify: great stuff", h.llm.prompts[0])
}

func TestLLMStep_PlainTextOutput(t *testing.T) {
	h := newHarness(t)
	h.llm.response = "just words"
	res := runSingleStep(t, h,
		schema.StepDefinition{ID: "draft", Type: schema.StepTypeLLM, Prompt: "write"},
		nil)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "just words", res.Output)
}

func TestToolStep_ServiceError(t *testing.T) {
	h := newHarness(t)
	h.tools.reply("svc", "down", &ToolResult{Success: false})
	res := runSingleStep(t, h, toolStep("call", "svc", "down"), nil)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "svc.down")
}

func TestCondition_CELPrefix(t *testing.T) {
	h := newHarness(t)
	h.putDefinition(t, &schema.WorkflowDefinition{
		ID: "cel-check",
		Steps: []schema.StepDefinition{
			{ID: "check", Type: schema.StepTypeCondition,
				Expression: `cel: input.amount > 100.0 && input.tier == "gold"`,
				OnSuccess:  "hit", OnFailure: "miss"},
			toolStep("miss", "svc", "miss"),
			toolStep("hit", "svc", "hit"),
		},
	})

	res, err := h.exec.Execute(context.Background(), "cel-check", "u",
		map[string]any{"amount": 250.0, "tier": "gold"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"svc.hit"}, h.tools.calls)
}

func TestCondition_ExprPrefix(t *testing.T) {
	h := newHarness(t)
	h.putDefinition(t, &schema.WorkflowDefinition{
		ID: "expr-check",
		Steps: []schema.StepDefinition{
			{ID: "check", Type: schema.StepTypeCondition,
				Expression: `expr: len(input.items) > 2`},
		},
	})

	res, err := h.exec.Execute(context.Background(), "expr-check", "u",
		map[string]any{"items": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)

	run, err := h.exec.Status(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, true, run.StepResults["check"].Output)
}

func TestCondition_PriorStepVisibleToCEL(t *testing.T) {
	h := newHarness(t)
	h.tools.reply("svc", "fetch", &ToolResult{Success: true, Data: map[string]any{"count": 7.0}})
	h.putDefinition(t, &schema.WorkflowDefinition{
		ID: "steps-visible",
		Steps: []schema.StepDefinition{
			toolStep("fetch", "svc", "fetch"),
			{ID: "check", Type: schema.StepTypeCondition,
				Expression: `cel: steps.fetch.output.count >= 5.0`},
		},
	})

	res, err := h.exec.Execute(context.Background(), "steps-visible", "u", nil)
	require.NoError(t, err)

	run, err := h.exec.Status(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, true, run.StepResults["check"].Output)
}

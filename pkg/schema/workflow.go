package schema

import "encoding/json"

// WorkflowDefinition is the immutable, versioned workflow template:
// an ordered sequence of steps. Step IDs must be unique within a
// definition (enforced by the validation package at load time).
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Version     int              `json:"version,omitempty"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`

	// InputSchema, when set, is a JSON Schema the trigger input must
	// satisfy before a run starts.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepDefinition is a tagged variant over the five step kinds. Only the
// fields matching the step's type are meaningful; the rest stay zero.
//
// Condition is a gating expression any step may carry: when present and
// falsy the step is recorded as skipped and the run advances
// sequentially, bypassing branch targets. It is distinct from the
// Expression field a condition-type step evaluates as its output.
type StepDefinition struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// tool
	Tool   string         `json:"tool,omitempty"`
	Action string         `json:"action,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// llm
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`

	// condition
	Expression string `json:"expression,omitempty"`

	// transform
	Transform *TransformConfig `json:"transform,omitempty"`

	// approval
	Approval *ApprovalConfig `json:"approval,omitempty"`

	// universal optional fields
	Condition       string `json:"condition,omitempty"`
	OnSuccess       string `json:"onSuccess,omitempty"`
	OnFailure       string `json:"onFailure,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTool      StepType = "tool"
	StepTypeLLM       StepType = "llm"
	StepTypeCondition StepType = "condition"
	StepTypeTransform StepType = "transform"
	StepTypeApproval  StepType = "approval"
)

// TransformConfig is the config block for transform-type steps. Input is
// interpolated against the step's expression context; Expression names
// one of the transform operations (JSON.stringify, JSON.parse,
// map:<subexpr>, jq:<program>); Output, when set, binds the result into
// the run's variables under that name.
type TransformConfig struct {
	Input      string `json:"input"`
	Expression string `json:"expression,omitempty"`
	Output     string `json:"output,omitempty"`
}

// ApprovalConfig is the config block for approval-type steps. Timeout is
// advisory metadata only; the engine never expires a paused run itself.
type ApprovalConfig struct {
	Required bool     `json:"required"`
	Prompt   string   `json:"prompt,omitempty"`
	Items    []string `json:"items,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

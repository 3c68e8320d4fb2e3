package engine

import "context"

// UserContext identifies the user on whose behalf a run executes. Tool
// calls receive it so the host can scope credentials and permissions.
type UserContext struct {
	UserID string `json:"user_id"`
}

// ToolResult is the outcome of one tool invocation. A non-success
// result becomes a step failure carrying Error.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolService executes tool actions on behalf of a run. Implemented by
// the host system; the engine only calls through this interface.
type ToolService interface {
	Execute(ctx context.Context, tool, action string, args map[string]any, user UserContext) (*ToolResult, error)
}

// ModelConfig is the resolved configuration for one model ID.
type ModelConfig struct {
	ID       string         `json:"id"`
	Provider string         `json:"provider,omitempty"`
	Name     string         `json:"name,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ModelRegistry resolves model IDs to provider configuration.
type ModelRegistry interface {
	Resolve(ctx context.Context, modelID string) (*ModelConfig, error)
}

// Message is one turn of a generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextGenerator produces text from a model. llm steps send the
// interpolated prompt as a single user message.
type TextGenerator interface {
	Generate(ctx context.Context, model *ModelConfig, messages []Message) (string, error)
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexcelewicz/stepflow/internal/engine"
	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// --- Mock runner ---

type mockRunner struct {
	executeResult *engine.ExecutionResult
	executeErr    error
	executeInput  map[string]any

	resumeResult   *engine.ExecutionResult
	resumeErr      error
	resumeToken    string
	resumeApproved bool

	cancelErr   error
	cancelRunID string

	statusResult *store.WorkflowRun
	statusErr    error
}

func (m *mockRunner) Execute(_ context.Context, _, _ string, input map[string]any) (*engine.ExecutionResult, error) {
	m.executeInput = input
	return m.executeResult, m.executeErr
}

func (m *mockRunner) Resume(_ context.Context, token string, approved bool, _ string) (*engine.ExecutionResult, error) {
	m.resumeToken = token
	m.resumeApproved = approved
	return m.resumeResult, m.resumeErr
}

func (m *mockRunner) Cancel(_ context.Context, runID string) error {
	m.cancelRunID = runID
	return m.cancelErr
}

func (m *mockRunner) Status(_ context.Context, _ string) (*store.WorkflowRun, error) {
	return m.statusResult, m.statusErr
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	runner := &mockRunner{
		executeResult: &engine.ExecutionResult{
			RunID:          "run-1",
			Status:         schema.RunStatusCompleted,
			CompletedSteps: []string{"a"},
		},
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	req := buildRequest("stepflow.execute", map[string]any{
		"workflow_id": "order-flow",
		"user_id":     "user-1",
		"input":       map[string]any{"orderId": "o-9"},
	})

	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, map[string]any{"orderId": "o-9"}, runner.executeInput)

	var out engine.ExecutionResult
	unmarshalResult(t, result, &out)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, schema.RunStatusCompleted, out.Status)
}

func TestExecuteTool_MissingArgs(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{Runner: &mockRunner{}})

	result, err := s.handleExecute(context.Background(),
		buildRequest("stepflow.execute", map[string]any{"user_id": "u"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecuteTool_EngineError(t *testing.T) {
	runner := &mockRunner{
		executeErr: schema.NewError(schema.ErrCodeWorkflowNotFound, "no such workflow"),
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	result, err := s.handleExecute(context.Background(),
		buildRequest("stepflow.execute", map[string]any{"workflow_id": "ghost", "user_id": "u"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "no such workflow")
}

func TestResumeTool(t *testing.T) {
	runner := &mockRunner{
		resumeResult: &engine.ExecutionResult{RunID: "run-1", Status: schema.RunStatusCompleted},
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	result, err := s.handleResume(context.Background(),
		buildRequest("stepflow.resume", map[string]any{
			"resume_token": "tok-abc",
			"approved":     true,
			"user_id":      "approver-1",
		}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "tok-abc", runner.resumeToken)
	assert.True(t, runner.resumeApproved)
}

func TestResumeTool_Rejection(t *testing.T) {
	runner := &mockRunner{
		resumeResult: &engine.ExecutionResult{RunID: "run-1", Status: schema.RunStatusCancelled},
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	result, err := s.handleResume(context.Background(),
		buildRequest("stepflow.resume", map[string]any{
			"resume_token": "tok-abc",
			"approved":     false,
		}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.False(t, runner.resumeApproved)

	var out engine.ExecutionResult
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.RunStatusCancelled, out.Status)
}

func TestResumeTool_MissingApproved(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{Runner: &mockRunner{}})

	result, err := s.handleResume(context.Background(),
		buildRequest("stepflow.resume", map[string]any{"resume_token": "tok"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	runner := &mockRunner{}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	result, err := s.handleCancel(context.Background(),
		buildRequest("stepflow.cancel", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "run-1", runner.cancelRunID)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["ok"])
}

func TestCancelTool_InvalidStatus(t *testing.T) {
	runner := &mockRunner{
		cancelErr: schema.NewError(schema.ErrCodeInvalidRunStatus, "run is not active"),
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	result, err := s.handleCancel(context.Background(),
		buildRequest("stepflow.cancel", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	runner := &mockRunner{
		statusResult: &store.WorkflowRun{
			ID: "run-1", WorkflowID: "order-flow", Status: schema.RunStatusPaused,
		},
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner})

	result, err := s.handleStatus(context.Background(),
		buildRequest("stepflow.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out store.WorkflowRun
	unmarshalResult(t, result, &out)
	assert.Equal(t, "order-flow", out.WorkflowID)
	assert.Equal(t, schema.RunStatusPaused, out.Status)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleExecute starts a workflow run.
func (s *StepflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	result, runErr := s.runner.Execute(ctx, workflowID, userID, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleResume delivers an approval decision to a paused run.
func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("resume_token")
	if err != nil {
		return mcp.NewToolResultError("resume_token is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	userID := req.GetString("user_id", "")

	result, resumeErr := s.runner.Resume(ctx, token, approved, userID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(result)
}

// handleCancel cancels a run.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.runner.Cancel(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// handleStatus returns the current state of a run.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, statusErr := s.runner.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(run)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

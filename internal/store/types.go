package store

import (
	"encoding/json"
	"time"

	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// WorkflowRun is the durable execution state of one workflow instance.
// It is persisted after every step so a process restart (or a pause at
// an approval gate) can pick up exactly where execution stopped.
type WorkflowRun struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	UserID          string                 `json:"user_id,omitempty"`
	Status          schema.RunStatus       `json:"status"`
	CurrentStepID   string                 `json:"current_step_id,omitempty"`
	Input           map[string]any         `json:"input,omitempty"`
	Variables       map[string]any         `json:"variables,omitempty"`
	StepResults     map[string]*StepResult `json:"step_results,omitempty"`
	StepOrder       []string               `json:"step_order,omitempty"`
	Output          any                    `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	PendingApproval *PendingApproval       `json:"pending_approval,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	PausedAt        *time.Time             `json:"paused_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// StepResult is the recorded outcome of one executed (or skipped) step.
type StepResult struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      any               `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	DurationMS  int64             `json:"duration_ms"`
}

// PendingApproval is the open gate on a paused run: what was asked,
// what is being approved, and the signed token that resumes it.
type PendingApproval struct {
	StepID      string    `json:"step_id"`
	Prompt      string    `json:"prompt,omitempty"`
	Items       []string  `json:"items,omitempty"`
	ResumeToken string    `json:"resume_token"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ApprovalRecord is the audit trail entry for one approval decision.
type ApprovalRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	Prompt    string    `json:"prompt,omitempty"`
	Items     []string  `json:"items,omitempty"`
	Approved  bool      `json:"approved"`
	UserID    string    `json:"user_id,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// RunEvent is one persisted lifecycle event for a run.
type RunEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RunUpdate specifies mutable fields of a run. Nil pointer fields are
// left untouched; non-nil maps and slices replace the stored value
// wholesale.
type RunUpdate struct {
	Status               *schema.RunStatus      `json:"status,omitempty"`
	CurrentStepID        *string                `json:"current_step_id,omitempty"`
	Variables            map[string]any         `json:"variables,omitempty"`
	StepResults          map[string]*StepResult `json:"step_results,omitempty"`
	StepOrder            []string               `json:"step_order,omitempty"`
	Output               json.RawMessage        `json:"output,omitempty"`
	Error                *string                `json:"error,omitempty"`
	PendingApproval      *PendingApproval       `json:"pending_approval,omitempty"`
	ClearPendingApproval bool                   `json:"clear_pending_approval,omitempty"`
	PausedAt             *time.Time             `json:"paused_at,omitempty"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID   string            `json:"workflow_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Status       *schema.RunStatus `json:"status,omitempty"`
	PausedBefore *time.Time        `json:"paused_before,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing run events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

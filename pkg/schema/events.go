package schema

// Event type constants for lifecycle notifications.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowPaused    = "workflow.paused"
	EventWorkflowResumed   = "workflow.resumed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"

	EventApprovalRequested = "approval.requested"
	EventApprovalReceived  = "approval.received"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the recorded outcome of a step execution.
// Absence of a result means the step has not run yet; there is no
// persisted "pending" state.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
	StepStatusSkipped StepStatus = "skipped"
)

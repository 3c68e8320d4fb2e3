// Package engine drives durable workflow execution: a deterministic,
// resumable step loop over ordered typed steps, persisting progress
// after every step so a run survives process restarts and can suspend
// indefinitely at an approval gate.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alexcelewicz/stepflow/internal/expressions"
	"github.com/alexcelewicz/stepflow/internal/logging"
	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/internal/token"
	"github.com/alexcelewicz/stepflow/internal/validation"
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// Config wires an Executor's collaborators. Definitions, Runs, Audit,
// and Tokens are required; the rest are optional.
type Config struct {
	Definitions store.DefinitionStore
	Runs        store.RunStore
	Audit       store.AuditStore
	Tokens      token.Codec

	Tools  ToolService
	LLM    TextGenerator
	Models ModelRegistry

	// Validator, when set, checks definitions and trigger input before
	// a run starts.
	Validator *validation.Validator

	// Listeners receive lifecycle events. Owned by this instance;
	// there is no global registration.
	Listeners []Listener

	Logger *slog.Logger

	// Clock overrides the time source. Test hook.
	Clock func() time.Time
}

// Executor is the run state machine. One instance serves many
// concurrent runs; all mutable state lives in the persisted run row.
type Executor struct {
	definitions store.DefinitionStore
	runs        store.RunStore
	audit       store.AuditStore
	tokens      token.Codec

	tools     ToolService
	llm       TextGenerator
	models    ModelRegistry
	validator *validation.Validator
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time

	eval *expressions.Evaluator
	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
	jq   *expressions.GoJQEngine
}

// NewExecutor creates an Executor from the given config.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Definitions == nil || cfg.Runs == nil || cfg.Audit == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires definition, run, and audit stores")
	}
	if cfg.Tokens == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a token codec")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Executor{
		definitions: cfg.Definitions,
		runs:        cfg.Runs,
		audit:       cfg.Audit,
		tokens:      cfg.Tokens,
		tools:       cfg.Tools,
		llm:         cfg.LLM,
		models:      cfg.Models,
		validator:   cfg.Validator,
		listeners:   cfg.Listeners,
		logger:      logger,
		now:         now,
		eval:        expressions.NewEvaluator(),
		cel:         cel,
		expr:        expressions.NewExprEngine(),
		jq:          expressions.NewGoJQEngine(),
	}, nil
}

// ApprovalRequest describes an open approval gate, returned to the
// caller of Execute/Resume when a run pauses.
type ApprovalRequest struct {
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id"`
	Prompt      string    `json:"prompt,omitempty"`
	Items       []string  `json:"items,omitempty"`
	ResumeToken string    `json:"resume_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExecutionResult is what Execute and Resume hand back to the caller.
// Error is a plain string; raw causes never cross this boundary.
type ExecutionResult struct {
	RunID          string           `json:"run_id"`
	Status         schema.RunStatus `json:"status"`
	Output         any              `json:"output,omitempty"`
	Error          string           `json:"error,omitempty"`
	CompletedSteps []string         `json:"completed_steps"`
	PendingSteps   []string         `json:"pending_steps"`
	Approval       *ApprovalRequest `json:"approval,omitempty"`
}

// Execute loads a definition, creates a run, and drives the step loop
// until the run completes, fails, is cancelled, or pauses at an
// approval gate.
func (e *Executor) Execute(ctx context.Context, workflowID, userID string, input map[string]any) (*ExecutionResult, error) {
	def, err := e.definitions.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
		if err := e.validator.ValidateInput(def, input); err != nil {
			return nil, err
		}
	}

	if input == nil {
		input = map[string]any{}
	}
	variables := make(map[string]any, len(input))
	for k, v := range input {
		variables[k] = v
	}

	now := e.now()
	run := &store.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		UserID:          userID,
		Status:          schema.RunStatusRunning,
		Input:           input,
		Variables:       variables,
		StepResults:     map[string]*store.StepResult{},
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}

	lctx := logging.WithIDs(ctx, run.ID, "", userID)
	e.logger.InfoContext(lctx, "workflow started",
		slog.String("workflow_id", def.ID), slog.Int("steps", len(def.Steps)))
	e.emit(lctx, Event{Type: schema.EventWorkflowStarted, RunID: run.ID, WorkflowID: run.WorkflowID})

	return e.runLoop(lctx, def, run, 0)
}

// Resume re-enters a paused run's step loop from the step after its
// approval gate. A rejected approval cancels the run; no further steps
// execute. Invalid or expired tokens mutate nothing.
func (e *Executor) Resume(ctx context.Context, resumeToken string, approved bool, userID string) (*ExecutionResult, error) {
	runID, valid := e.tokens.Validate(resumeToken)
	if !valid {
		return nil, schema.NewError(schema.ErrCodeInvalidResumeToken, "resume token is invalid or expired").
			WithDetails(map[string]any{"run_id": runID})
	}

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRunStatus,
			"run %q is %s, not paused", runID, run.Status)
	}
	pending := run.PendingApproval
	if pending == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRunStatus,
			"run %q is paused without a pending approval", runID)
	}

	lctx := logging.WithIDs(ctx, run.ID, pending.StepID, userID)

	rec := &store.ApprovalRecord{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		StepID:    pending.StepID,
		Prompt:    pending.Prompt,
		Items:     pending.Items,
		Approved:  approved,
		UserID:    userID,
		DecidedAt: e.now(),
	}
	if err := e.audit.RecordApproval(lctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "record approval").WithCause(err)
	}
	e.emit(lctx, Event{
		Type: schema.EventApprovalReceived, RunID: run.ID, WorkflowID: run.WorkflowID,
		StepID: pending.StepID, Data: map[string]any{"approved": approved},
	})

	if !approved {
		cancelled := schema.RunStatusCancelled
		now := e.now()
		if err := e.runs.UpdateRun(lctx, run.ID, store.RunUpdate{
			Status: &cancelled, CompletedAt: &now, ClearPendingApproval: true,
		}); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "cancel run").WithCause(err)
		}
		run.Status = cancelled
		e.logger.InfoContext(lctx, "approval rejected, run cancelled")
		return &ExecutionResult{
			RunID:          run.ID,
			Status:         cancelled,
			CompletedSteps: append([]string(nil), run.StepOrder...),
			PendingSteps:   []string{},
		}, nil
	}

	def, err := e.loadDefinition(lctx, run)
	if err != nil {
		return nil, err
	}
	idx := indexOfStep(def, pending.StepID)
	if idx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"approval step %q no longer exists in workflow %q", pending.StepID, run.WorkflowID)
	}

	run.StepResults[pending.StepID] = e.synthesizedApprovalResult(pending.StepID, e.now())
	run.StepOrder = append(run.StepOrder, pending.StepID)
	run.PendingApproval = nil
	running := schema.RunStatusRunning
	stepID := pending.StepID
	if err := e.runs.UpdateRun(lctx, run.ID, store.RunUpdate{
		Status:               &running,
		CurrentStepID:        &stepID,
		StepResults:          run.StepResults,
		StepOrder:            run.StepOrder,
		ClearPendingApproval: true,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "resume run").WithCause(err)
	}
	run.Status = running

	e.logger.InfoContext(lctx, "workflow resumed")
	e.emit(lctx, Event{Type: schema.EventWorkflowResumed, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: pending.StepID})

	return e.runLoop(lctx, def, run, idx+1)
}

// Cancel marks a run cancelled. Valid only from running or paused.
// Cancellation is advisory: a step already in flight is not
// interrupted; its result is discarded when the loop next observes the
// persisted status.
func (e *Executor) Cancel(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := guardTransition(runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}

	cancelled := schema.RunStatusCancelled
	now := e.now()
	if err := e.runs.UpdateRun(ctx, runID, store.RunUpdate{
		Status: &cancelled, CompletedAt: &now, ClearPendingApproval: true,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "cancel run").WithCause(err)
	}
	e.logger.InfoContext(logging.WithRunID(ctx, runID), "run cancelled")
	return nil
}

// Status returns a read-only snapshot of a run.
func (e *Executor) Status(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	return e.runs.GetRun(ctx, runID)
}

// runLoop is the step loop shared by Execute and Resume. It advances
// through def.Steps from index, executing, persisting, and branching,
// until the run reaches a terminal status or pauses at an approval
// gate. The approval gate is the sole suspension point: the loop
// returns and nothing keeps running in the background.
func (e *Executor) runLoop(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, index int) (*ExecutionResult, error) {
	steps := def.Steps
	lastOutput := lastRecordedOutput(run)

	for index < len(steps) {
		step := &steps[index]
		sctx := logging.WithStepID(ctx, step.ID)
		ectx := buildContext(run)

		// Gating condition: any step kind may carry one. Falsy means
		// the step is recorded as skipped and the run advances
		// sequentially, bypassing branch targets.
		if step.Condition != "" {
			val, err := e.evalExpression(sctx, step.Condition, run, ectx)
			if err != nil {
				e.logger.WarnContext(sctx, "gating condition failed to evaluate, skipping step",
					slog.String("error", err.Error()))
				val = false
			}
			if !expressions.Truthy(val) {
				now := e.now()
				skipped := &store.StepResult{
					StepID: step.ID, Status: schema.StepStatusSkipped,
					StartedAt: now, CompletedAt: now,
				}
				if interrupted, res := e.recordStep(sctx, run, step.ID, skipped); interrupted {
					return res, nil
				}
				e.emit(sctx, Event{Type: schema.EventStepSkipped, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: step.ID})
				index++
				continue
			}
		}

		// Approval gate: the sole suspension point.
		if step.Type == schema.StepTypeApproval && step.Approval != nil && step.Approval.Required {
			return e.pauseForApproval(sctx, run, step, ectx, def)
		}
		if step.Type == schema.StepTypeApproval {
			// A non-required gate auto-approves and the run continues.
			result := e.synthesizedApprovalResult(step.ID, e.now())
			if interrupted, res := e.recordStep(sctx, run, step.ID, result); interrupted {
				return res, nil
			}
			e.emit(sctx, Event{Type: schema.EventStepCompleted, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: step.ID})
			lastOutput = result.Output
			index = nextIndex(def, step, result, index)
			continue
		}

		e.emit(sctx, Event{Type: schema.EventStepStarted, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: step.ID})

		result, err := e.executeStep(sctx, step, run, ectx)
		if err != nil {
			// Unknown step type: a definition defect, surfaced to the
			// caller after the run is marked failed.
			e.failRun(sctx, run, err.Error())
			return nil, err
		}

		// Transform outputs bind into variables, addressable as bare
		// $name from the next step on.
		if step.Type == schema.StepTypeTransform && result.Status == schema.StepStatusSuccess &&
			step.Transform != nil && step.Transform.Output != "" {
			if run.Variables == nil {
				run.Variables = map[string]any{}
			}
			run.Variables[step.Transform.Output] = result.Output
		}

		if interrupted, res := e.recordStep(sctx, run, step.ID, result); interrupted {
			return res, nil
		}

		if result.Status == schema.StepStatusFailure {
			e.emit(sctx, Event{
				Type: schema.EventStepFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
				StepID: step.ID, Data: map[string]any{"error": result.Error},
			})
			if !step.ContinueOnError && indexOfStep(def, step.OnFailure) < 0 {
				e.failRun(sctx, run, result.Error)
				return &ExecutionResult{
					RunID:          run.ID,
					Status:         schema.RunStatusFailed,
					Error:          result.Error,
					CompletedSteps: append([]string(nil), run.StepOrder...),
					PendingSteps:   pendingSteps(def, run),
				}, nil
			}
		} else {
			e.emit(sctx, Event{Type: schema.EventStepCompleted, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: step.ID})
			lastOutput = result.Output
		}

		index = nextIndex(def, step, result, index)
	}

	// Loop exit: the run completed.
	completed := schema.RunStatusCompleted
	now := e.now()
	update := store.RunUpdate{Status: &completed, CompletedAt: &now}
	if lastOutput != nil {
		raw, err := json.Marshal(lastOutput)
		if err == nil {
			update.Output = raw
		}
	}
	if err := e.runs.UpdateRun(ctx, run.ID, update); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "complete run").WithCause(err)
	}
	run.Status = completed
	run.Output = lastOutput

	e.logger.InfoContext(ctx, "workflow completed", slog.Int("steps_run", len(run.StepOrder)))
	e.emit(ctx, Event{Type: schema.EventWorkflowCompleted, RunID: run.ID, WorkflowID: run.WorkflowID})

	return &ExecutionResult{
		RunID:          run.ID,
		Status:         completed,
		Output:         lastOutput,
		CompletedSteps: append([]string(nil), run.StepOrder...),
		PendingSteps:   []string{},
	}, nil
}

// pauseForApproval persists the run as paused with a minted resume
// token and returns immediately; the call stack unwinds completely.
func (e *Executor) pauseForApproval(ctx context.Context, run *store.WorkflowRun, step *schema.StepDefinition, ectx expressions.Context, def *schema.WorkflowDefinition) (*ExecutionResult, error) {
	prompt := e.eval.EvaluateString(step.Approval.Prompt, ectx)
	items := make([]string, len(step.Approval.Items))
	for i, it := range step.Approval.Items {
		items[i] = e.eval.EvaluateString(it, ectx)
	}

	tok, expiresAt, err := e.tokens.Generate(run.ID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "mint resume token").WithCause(err)
	}

	now := e.now()
	pending := &store.PendingApproval{
		StepID:      step.ID,
		Prompt:      prompt,
		Items:       items,
		ResumeToken: tok,
		RequestedAt: now,
		ExpiresAt:   expiresAt,
	}
	paused := schema.RunStatusPaused
	stepID := step.ID
	if err := e.runs.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:          &paused,
		CurrentStepID:   &stepID,
		PendingApproval: pending,
		PausedAt:        &now,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "pause run").WithCause(err)
	}
	run.Status = paused
	run.CurrentStepID = step.ID
	run.PendingApproval = pending
	run.PausedAt = &now

	e.logger.InfoContext(ctx, "workflow paused for approval")
	e.emit(ctx, Event{Type: schema.EventWorkflowPaused, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: step.ID})
	e.emit(ctx, Event{
		Type: schema.EventApprovalRequested, RunID: run.ID, WorkflowID: run.WorkflowID, StepID: step.ID,
		Data: map[string]any{"prompt": prompt, "items": items},
	})

	return &ExecutionResult{
		RunID:          run.ID,
		Status:         paused,
		CompletedSteps: append([]string(nil), run.StepOrder...),
		PendingSteps:   pendingSteps(def, run),
		Approval: &ApprovalRequest{
			RunID:       run.ID,
			StepID:      step.ID,
			Prompt:      prompt,
			Items:       items,
			ResumeToken: tok,
			ExpiresAt:   expiresAt,
		},
	}, nil
}

// recordStep stores a result into the run and persists progress. When
// the persisted row's status is no longer running (an external cancel
// landed mid-step), the result is discarded and the loop stops;
// interrupted is true and res carries the observed terminal status.
func (e *Executor) recordStep(ctx context.Context, run *store.WorkflowRun, stepID string, result *store.StepResult) (interrupted bool, res *ExecutionResult) {
	latest, err := e.runs.GetRun(ctx, run.ID)
	if err == nil && latest.Status != schema.RunStatusRunning {
		e.logger.InfoContext(ctx, "run no longer running, discarding step result",
			slog.String("status", string(latest.Status)))
		return true, &ExecutionResult{
			RunID:          run.ID,
			Status:         latest.Status,
			Error:          latest.Error,
			CompletedSteps: append([]string(nil), run.StepOrder...),
			PendingSteps:   []string{},
		}
	}

	run.StepResults[stepID] = result
	run.StepOrder = append(run.StepOrder, stepID)
	run.CurrentStepID = stepID

	if err := e.runs.UpdateRun(ctx, run.ID, store.RunUpdate{
		CurrentStepID: &run.CurrentStepID,
		StepResults:   run.StepResults,
		StepOrder:     run.StepOrder,
		Variables:     run.Variables,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist step result", slog.String("error", err.Error()))
	}
	return false, nil
}

// failRun marks the run failed and emits workflow.failed.
func (e *Executor) failRun(ctx context.Context, run *store.WorkflowRun, msg string) {
	failed := schema.RunStatusFailed
	now := e.now()
	errStr := msg
	if err := e.runs.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status: &failed, Error: &errStr, CompletedAt: &now,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist run failure", slog.String("error", err.Error()))
	}
	run.Status = failed
	run.Error = msg

	e.logger.WarnContext(ctx, "workflow failed", slog.String("error", msg))
	e.emit(ctx, Event{
		Type: schema.EventWorkflowFailed, RunID: run.ID, WorkflowID: run.WorkflowID,
		Data: map[string]any{"error": msg},
	})
}

// loadDefinition fetches the definition version the run was started
// against, falling back to latest for legacy rows without a version.
func (e *Executor) loadDefinition(ctx context.Context, run *store.WorkflowRun) (*schema.WorkflowDefinition, error) {
	if run.WorkflowVersion > 0 {
		return e.definitions.GetDefinitionVersion(ctx, run.WorkflowID, run.WorkflowVersion)
	}
	return e.definitions.GetDefinition(ctx, run.WorkflowID)
}

// nextIndex computes where the loop goes after a step. Condition-type
// steps branch on their boolean output: true follows onSuccess, false
// follows onFailure. Everything else branches on result status. A
// branch id that does not resolve to a step falls back silently to
// sequential advance.
func nextIndex(def *schema.WorkflowDefinition, step *schema.StepDefinition, result *store.StepResult, index int) int {
	var branch string
	if step.Type == schema.StepTypeCondition && result.Status == schema.StepStatusSuccess {
		if b, ok := result.Output.(bool); ok {
			if b {
				branch = step.OnSuccess
			} else {
				branch = step.OnFailure
			}
		}
	} else if result.Status == schema.StepStatusSuccess {
		branch = step.OnSuccess
	} else if result.Status == schema.StepStatusFailure {
		branch = step.OnFailure
	}

	if branch != "" {
		if i := indexOfStep(def, branch); i >= 0 {
			return i
		}
	}
	return index + 1
}

// indexOfStep returns the index of a step id within the definition, or -1.
func indexOfStep(def *schema.WorkflowDefinition, stepID string) int {
	if stepID == "" {
		return -1
	}
	for i := range def.Steps {
		if def.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// pendingSteps lists definition step ids without a recorded result, in
// definition order.
func pendingSteps(def *schema.WorkflowDefinition, run *store.WorkflowRun) []string {
	out := []string{}
	for i := range def.Steps {
		if _, done := run.StepResults[def.Steps[i].ID]; !done {
			out = append(out, def.Steps[i].ID)
		}
	}
	return out
}

// lastRecordedOutput returns the output of the most recent successful
// step, used to seed the run output when resuming.
func lastRecordedOutput(run *store.WorkflowRun) any {
	for i := len(run.StepOrder) - 1; i >= 0; i-- {
		if res := run.StepResults[run.StepOrder[i]]; res != nil && res.Status == schema.StepStatusSuccess {
			return res.Output
		}
	}
	return nil
}

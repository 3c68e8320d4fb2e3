package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	ErrCodeRunNotFound        = "RUN_NOT_FOUND"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidRunStatus   = "INVALID_RUN_STATUS"
	ErrCodeInvalidResumeToken = "INVALID_RESUME_TOKEN"
	ErrCodeUnknownStepType    = "UNKNOWN_STEP_TYPE"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeConflict           = "CONFLICT"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

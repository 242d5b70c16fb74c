package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeGeneration        = "GENERATION_ERROR"
	ErrCodeDeliveryTransient = "DELIVERY_TRANSIENT"
	ErrCodeDeliveryPermanent = "DELIVERY_PERMANENT"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	StepIndex int            `json:"step_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s step %d: %s", e.Code, e.RunID, e.StepIndex, e.Message)
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

// WithRun attaches run coordinates to the error.
func (e *EngineError) WithRun(runID string, stepIndex int) *EngineError {
	e.RunID = runID
	e.StepIndex = stepIndex
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

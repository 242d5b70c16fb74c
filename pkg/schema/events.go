package schema

// Event type constants for the append-only run audit log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepScheduled = "step_scheduled"
	EventStepExecuting = "step_executing"
	EventStepSucceeded = "step_succeeded"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepFailed    = "step_failed"

	EventConditionEvaluated = "condition_evaluated"
	EventGenerationFallback = "generation_fallback"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepOutcome represents the per-step execution result.
type StepOutcome string

const (
	OutcomePending          StepOutcome = "pending"
	OutcomeSkippedCondition StepOutcome = "skipped_condition"
	OutcomeSucceeded        StepOutcome = "succeeded"
	OutcomeFailedRetryable  StepOutcome = "failed_retryable"
	OutcomeFailedFatal      StepOutcome = "failed_fatal"
)

// Terminal reports whether the outcome admits no further transitions.
func (o StepOutcome) Terminal() bool {
	return o == OutcomeSkippedCondition || o == OutcomeSucceeded || o == OutcomeFailedFatal
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:   {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:   {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
	RunStatusCancelled: {},
}

// ValidOutcomeTransitions defines the allowed transitions for step outcomes.
// failed_retryable is the only non-terminal result: a retry either recovers
// to succeeded or exhausts to failed_fatal.
var ValidOutcomeTransitions = map[StepOutcome][]StepOutcome{
	OutcomePending:          {OutcomeSkippedCondition, OutcomeSucceeded, OutcomeFailedRetryable, OutcomeFailedFatal},
	OutcomeFailedRetryable:  {OutcomeSucceeded, OutcomeFailedFatal, OutcomeFailedRetryable},
	OutcomeSkippedCondition: {},
	OutcomeSucceeded:        {},
	OutcomeFailedFatal:      {},
}

// CanTransitionRun reports whether from -> to is an allowed run transition.
func CanTransitionRun(from, to RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionOutcome reports whether from -> to is an allowed outcome transition.
func CanTransitionOutcome(from, to StepOutcome) bool {
	for _, a := range ValidOutcomeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

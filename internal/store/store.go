// Package store is the durable source of truth for workflow runs, their step
// history, the run audit log and recurring schedules. The scheduler rebuilds
// its in-memory timer set from this store after a restart.
package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	// FindRunByIdempotencyKey returns the run previously dispatched for the
	// (definition, key) pair, or a NOT_FOUND error.
	FindRunByIdempotencyKey(ctx context.Context, definitionID, key string) (*Run, error)

	// Step executions, keyed (run_id, step_index) for idempotent upsert.
	UpsertStep(ctx context.Context, step *StepExecution) error
	GetStep(ctx context.Context, runID string, stepIndex int) (*StepExecution, error)
	ListSteps(ctx context.Context, runID string) ([]*StepExecution, error)
	// NextPendingStep returns the run's earliest step with no executed_at,
	// or a NOT_FOUND error when every step is terminal. Used by crash recovery.
	NextPendingStep(ctx context.Context, runID string) (*StepExecution, error)

	// AdvanceRun persists a step outcome, an optional run update and the
	// optional next pending step as one atomic unit, so a crash between
	// executing and persisting never splits the transition.
	AdvanceRun(ctx context.Context, step *StepExecution, update *RunUpdate, next *StepExecution) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *RunEvent) error
	ListEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Recurring schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

package store

import (
	"encoding/json"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// Run is one instantiation of a workflow definition against one entity.
// Actions, Templates and Config are captured copies taken at dispatch time;
// editing the definition never alters an in-flight run.
type Run struct {
	ID             string              `json:"id"`
	DefinitionID   string              `json:"definition_id"`
	CompanyID      string              `json:"company_id"`
	WorkflowType   schema.WorkflowType `json:"workflow_type"`
	EntityType     string              `json:"entity_type"`
	EntityID       string              `json:"entity_id"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Actions        []schema.ActionSpec `json:"actions"`
	Templates      map[string]string   `json:"templates,omitempty"`
	Config         map[string]any      `json:"config,omitempty"`
	Status         schema.RunStatus    `json:"status"`
	Result         map[string]any      `json:"result,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Meta returns the run metadata exposed to condition expressions and
// template variables.
func (r *Run) Meta() map[string]any {
	return map[string]any{
		"id":            r.ID,
		"definition_id": r.DefinitionID,
		"company_id":    r.CompanyID,
		"workflow_type": string(r.WorkflowType),
		"entity_type":   r.EntityType,
		"entity_id":     r.EntityID,
	}
}

// StepExecution is the permanent log entry for one action of a run, keyed
// (run_id, step_index) so outcome writes are idempotent upserts: a retried
// write after a crash overwrites the same row instead of appending.
type StepExecution struct {
	RunID           string             `json:"run_id"`
	StepIndex       int                `json:"step_index"`
	ActionName      string             `json:"action_name"`
	Channel         schema.Channel     `json:"channel"`
	ScheduledFor    time.Time          `json:"scheduled_for"`
	ExecutedAt      *time.Time         `json:"executed_at,omitempty"`
	Outcome         schema.StepOutcome `json:"outcome"`
	Attempts        int                `json:"attempts"`
	RenderedContent string             `json:"rendered_content,omitempty"`
	ResponseSummary string             `json:"response_summary,omitempty"`
	ErrorDetail     string             `json:"error_detail,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// RunEvent is an immutable entry in the append-only run audit log.
// StepIndex is -1 for run-level events.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepIndex int             `json:"step_index"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Schedule is a recurring (cron) trigger persisted alongside runs so missed
// fires survive restarts.
type Schedule struct {
	ID             string     `json:"id"`
	DefinitionID   string     `json:"definition_id"`
	CompanyID      string     `json:"company_id"`
	EntityType     string     `json:"entity_type,omitempty"`
	EntityID       string     `json:"entity_id,omitempty"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	CompanyID    string            `json:"company_id,omitempty"`
	DefinitionID string            `json:"definition_id,omitempty"`
	EntityID     string            `json:"entity_id,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

package schema

import (
	"maps"
	"time"
)

// WorkflowType identifies a family of workflow definitions.
type WorkflowType string

const (
	TypeLeadNurturing     WorkflowType = "lead_nurturing"
	TypeReviewReferral    WorkflowType = "review_referral"
	TypeContentGeneration WorkflowType = "content_generation"
	TypeCustom            WorkflowType = "custom"
)

// Channel is the outbound delivery channel for an action.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPublish Channel = "publish"
)

// WorkflowDefinition is the JSON-serializable workflow format, scoped to one
// company. Definitions are authored by configuration management and read-only
// to the engine; a Run captures its own copy of Actions, Templates and Config
// at dispatch time, so edits never alter in-flight runs.
type WorkflowDefinition struct {
	ID        string            `json:"id"`
	CompanyID string            `json:"company_id"`
	Name      string            `json:"name,omitempty"`
	Type      WorkflowType      `json:"type"`
	Active    bool              `json:"active"`
	Trigger   TriggerPredicate  `json:"trigger"`
	Actions   []ActionSpec      `json:"actions"`
	Templates map[string]string `json:"templates,omitempty"`
	Config    map[string]any    `json:"config,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the definition. The registry stores and hands
// out clones, and runs capture one at dispatch time, so nothing shares the
// action slice, template map or config map with caller-held objects.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	cp := *d
	cp.Trigger.Match = maps.Clone(d.Trigger.Match)
	cp.Actions = CloneActions(d.Actions)
	cp.Templates = maps.Clone(d.Templates)
	cp.Config = CloneValues(d.Config)
	cp.Metadata = CloneValues(d.Metadata)
	return &cp
}

// CloneActions deep-copies an action list, including retry policies.
func CloneActions(actions []ActionSpec) []ActionSpec {
	if actions == nil {
		return nil
	}
	out := make([]ActionSpec, len(actions))
	copy(out, actions)
	for i, a := range actions {
		if a.Retry != nil {
			r := *a.Retry
			out[i].Retry = &r
		}
	}
	return out
}

// CloneValues deep-copies a JSON-shaped value map, descending into nested
// maps and slices. Scalar values are copied as-is.
func CloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneValues(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// TriggerPredicate is a conjunctive match over event fields. All declared
// criteria must match for the definition to fire. An empty predicate
// (no entity type, no field matches) fires only on explicit manual triggers.
type TriggerPredicate struct {
	EntityType string            `json:"entity_type,omitempty"`
	Match      map[string]string `json:"match,omitempty"`
}

// Empty reports whether the predicate declares no criteria at all.
func (p TriggerPredicate) Empty() bool {
	return p.EntityType == "" && len(p.Match) == 0
}

// ActionSpec describes a single step in a workflow definition. Delay is
// measured from the completion of the predecessor step (or from run start for
// the first step). Condition names a tag evaluated against a fresh entity
// snapshot at fire time; empty means unconditional.
type ActionSpec struct {
	Name        string       `json:"name"`
	Channel     Channel      `json:"channel"`
	Template    string       `json:"template"`
	Delay       string       `json:"delay,omitempty"`     // e.g. "24h", "0s"
	Condition   string       `json:"condition,omitempty"` // tag, "expr:..." or "cel:..."
	StopIfFalse bool         `json:"stop_if_false,omitempty"`
	Retry       *RetryPolicy `json:"retry,omitempty"`
	Timeout     string       `json:"timeout,omitempty"`
}

// DelayDuration parses the step delay, returning 0 for empty or malformed
// values. Malformed delays are rejected earlier by definition validation.
func (a ActionSpec) DelayDuration() time.Duration {
	if a.Delay == "" {
		return 0
	}
	d, err := time.ParseDuration(a.Delay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// RetryPolicy configures retry behavior for transient delivery failures.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max attempts, including the first
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// DefaultRetryPolicy is applied to actions that declare no policy of their own.
var DefaultRetryPolicy = RetryPolicy{Max: 3, Backoff: "exponential", Delay: "2s", MaxDelay: "1m"}

// EventKind distinguishes the sources of trigger events.
type EventKind string

const (
	EventKindEntityChange EventKind = "entity_change"
	EventKindCron         EventKind = "cron"
	EventKindManual       EventKind = "manual"
)

// Event is a structured trigger event delivered to the dispatcher. Entity
// change events carry the entity coordinates and a flat field view for
// predicate matching. Cron events reference the schedule that fired. Manual
// events name the definition to run directly.
type Event struct {
	Kind           EventKind         `json:"kind"`
	CompanyID      string            `json:"company_id"`
	EntityType     string            `json:"entity_type,omitempty"`
	EntityID       string            `json:"entity_id,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	DefinitionID   string            `json:"definition_id,omitempty"` // manual and cron events
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at,omitempty"`
}

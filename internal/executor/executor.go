// Package executor runs a single workflow step end to end: fresh entity
// snapshot, condition check, template rendering, content generation with
// fallback, delivery with bounded retries, and outcome classification.
// The executor is stateless; persistence of the outcome is the caller's job.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/outflowhq/outflow/internal/collab"
	"github.com/outflowhq/outflow/internal/conditions"
	"github.com/outflowhq/outflow/internal/expressions"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/internal/template"
	"github.com/outflowhq/outflow/pkg/schema"
)

const (
	defaultStepTimeout = 30 * time.Second

	// Config key holding the jq variable projections of a definition:
	// a map of template variable name to jq expression over
	// {"entity": fields, "run": meta, "params": config}.
	configKeyVariables = "variables"
)

// Result is the classified outcome of one step execution.
type Result struct {
	Outcome         schema.StepOutcome
	Attempts        int
	RenderedContent string
	ResponseSummary string
	ErrorDetail     string
	Err             error
}

// AuditSink receives best-effort audit events emitted during execution.
type AuditSink interface {
	AppendEvent(ctx context.Context, event *store.RunEvent) error
}

// Executor executes workflow steps against the external collaborators.
type Executor struct {
	logger     *slog.Logger
	conditions *conditions.Evaluator
	generator  collab.Generator
	deliverers map[schema.Channel]collab.Deliverer
	entities   collab.EntityStore
	projector  *expressions.GoJQEngine
	audit      AuditSink
}

// New creates an Executor. The audit sink may be nil, in which case no audit
// events are emitted.
func New(logger *slog.Logger, eval *conditions.Evaluator, gen collab.Generator,
	deliverers map[schema.Channel]collab.Deliverer, entities collab.EntityStore,
	audit AuditSink) *Executor {
	return &Executor{
		logger:     logger,
		conditions: eval,
		generator:  gen,
		deliverers: deliverers,
		entities:   entities,
		projector:  expressions.NewGoJQEngine(),
		audit:      audit,
	}
}

// ExecuteStep runs the step at stepIndex of the run and returns its terminal
// outcome. It never returns a non-terminal outcome: transient failures are
// retried in-process per the action's retry policy, and exhaustion or a
// permanent failure yields OutcomeFailedFatal.
func (e *Executor) ExecuteStep(ctx context.Context, run *store.Run, stepIndex int) Result {
	if stepIndex < 0 || stepIndex >= len(run.Actions) {
		err := schema.NewErrorf(schema.ErrCodeExecution, "step index %d out of range", stepIndex).
			WithRun(run.ID, stepIndex)
		return Result{Outcome: schema.OutcomeFailedFatal, ErrorDetail: err.Error(), Err: err}
	}
	action := run.Actions[stepIndex]
	ctx = logging.WithIDs(ctx, run.ID, stepIndex, run.CompanyID)

	e.emit(ctx, run.ID, stepIndex, schema.EventStepExecuting, map[string]any{
		"action":  action.Name,
		"channel": string(action.Channel),
	})

	deliverer, ok := e.deliverers[action.Channel]
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeDeliveryPermanent,
			"no deliverer registered for channel %q", action.Channel).WithRun(run.ID, stepIndex)
		return Result{Outcome: schema.OutcomeFailedFatal, ErrorDetail: err.Error(), Err: err}
	}

	policy := schema.DefaultRetryPolicy
	if action.Retry != nil {
		policy = *action.Retry
	}
	maxAttempts := policy.Max
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := parseDurationOr(action.Timeout, defaultStepTimeout)

	var rendered string
	conditionChecked := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Every attempt fetches a fresh snapshot, so retries render
		// against current entity state. A transient snapshot failure
		// consumes an attempt like a transient delivery failure.
		snap, err := e.snapshot(ctx, run)
		if err != nil {
			if res, done := e.retryOrFail(ctx, run, stepIndex, action, policy, attempt, maxAttempts, rendered, err); done {
				return res
			}
			continue
		}

		// The condition is judged once, on live data at fire time.
		if !conditionChecked && action.Condition != "" {
			met := e.conditions.Evaluate(ctx, action.Condition, snap, run.Meta(), run.Config)
			e.emit(ctx, run.ID, stepIndex, schema.EventConditionEvaluated, map[string]any{
				"condition": action.Condition,
				"met":       met,
			})
			if !met {
				e.logger.InfoContext(ctx, "step skipped, condition not met",
					slog.String("action", action.Name),
					slog.String("condition", action.Condition))
				return Result{Outcome: schema.OutcomeSkippedCondition, Attempts: 0}
			}
		}
		conditionChecked = true

		rendered = e.render(ctx, run, action, snap)
		content := e.generate(ctx, run, stepIndex, action, rendered, timeout)

		receipt, err := e.deliver(ctx, deliverer, snap, action, content, timeout)
		if err == nil {
			e.recordOutcome(ctx, run, action)
			summary := ""
			if receipt != nil {
				summary = receipt.Detail
				if receipt.ProviderID != "" {
					summary = fmt.Sprintf("%s (%s)", receipt.Detail, receipt.ProviderID)
				}
			}
			return Result{
				Outcome:         schema.OutcomeSucceeded,
				Attempts:        attempt,
				RenderedContent: content,
				ResponseSummary: summary,
			}
		}

		if res, done := e.retryOrFail(ctx, run, stepIndex, action, policy, attempt, maxAttempts, content, err); done {
			return res
		}
	}

	// Unreachable: the loop always returns.
	err := schema.NewError(schema.ErrCodeExecution, "retry loop exited without outcome").
		WithRun(run.ID, stepIndex)
	return Result{Outcome: schema.OutcomeFailedFatal, ErrorDetail: err.Error(), Err: err}
}

// retryOrFail decides what a failed attempt becomes: the terminal result when
// the error is permanent, the policy is exhausted or the backoff wait was
// interrupted, or a completed backoff signalling the next attempt.
func (e *Executor) retryOrFail(ctx context.Context, run *store.Run, stepIndex int, action schema.ActionSpec,
	policy schema.RetryPolicy, attempt, maxAttempts int, content string, err error) (Result, bool) {
	if !IsRetryableError(err) || attempt == maxAttempts {
		res := e.classifyFailure(run, stepIndex, attempt, content, err)
		if IsRetryableError(err) {
			res.Err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %q failed after %d attempts: %s", action.Name, attempt, err.Error()).
				WithRun(run.ID, stepIndex).WithCause(err)
			res.ErrorDetail = res.Err.Error()
		}
		return res, true
	}

	backoff := ComputeBackoff(policy, attempt)
	e.logger.WarnContext(ctx, "transient step failure, retrying",
		slog.String("action", action.Name),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", backoff),
		slog.String("error", err.Error()))
	e.emit(ctx, run.ID, stepIndex, schema.EventStepRetrying, map[string]any{
		"attempt": attempt,
		"backoff": backoff.String(),
		"error":   err.Error(),
	})
	if werr := WaitForBackoff(ctx, backoff); werr != nil {
		return e.classifyFailure(run, stepIndex, attempt, content, werr), true
	}
	return Result{}, false
}

// snapshot fetches a fresh entity view. Runs without an entity (recurring
// content workflows) execute against an empty snapshot.
func (e *Executor) snapshot(ctx context.Context, run *store.Run) (collab.EntitySnapshot, error) {
	if run.EntityID == "" {
		return collab.EntitySnapshot{Fields: map[string]any{}}, nil
	}
	return e.entities.GetSnapshot(ctx, run.EntityType, run.EntityID)
}

// render builds the template variable map and substitutes placeholders. The
// action's template name is resolved against the run's captured templates;
// an unknown name is treated as inline template text.
func (e *Executor) render(ctx context.Context, run *store.Run, action schema.ActionSpec, snap collab.EntitySnapshot) string {
	body := action.Template
	if t, ok := run.Templates[action.Template]; ok {
		body = t
	}
	vars := e.buildVariables(ctx, run, snap)
	return template.Render(body, vars)
}

// buildVariables flattens scalar snapshot fields into template variables,
// layers run metadata on top, then applies the definition's jq projections.
func (e *Executor) buildVariables(ctx context.Context, run *store.Run, snap collab.EntitySnapshot) map[string]string {
	vars := make(map[string]string, len(snap.Fields)+4)
	for k, v := range snap.Fields {
		switch v.(type) {
		case map[string]any, []any:
			// Nested values are reached through jq projections.
		default:
			vars[k] = fmt.Sprintf("%v", v)
		}
	}
	vars["entity_id"] = run.EntityID
	vars["entity_type"] = run.EntityType
	vars["company_id"] = run.CompanyID

	projections, ok := run.Config[configKeyVariables].(map[string]any)
	if !ok {
		return vars
	}

	scope := map[string]any{
		"entity": snap.Fields,
		"run":    run.Meta(),
		"params": run.Config,
	}

	names := make([]string, 0, len(projections))
	for name := range projections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		expr, ok := projections[name].(string)
		if !ok || expr == "" {
			continue
		}
		out, err := e.projector.Evaluate(ctx, expr, scope)
		if err != nil {
			e.logger.WarnContext(ctx, "variable projection failed",
				slog.String("variable", name),
				slog.String("error", err.Error()))
			continue
		}
		if out == nil {
			continue
		}
		vars[name] = fmt.Sprintf("%v", out)
	}
	return vars
}

// generate asks the generator for final content using the rendered template
// as prompt. Generation failures fall back to the rendered template itself:
// a degraded message beats a stranded workflow.
func (e *Executor) generate(ctx context.Context, run *store.Run, stepIndex int, action schema.ActionSpec, rendered string, timeout time.Duration) string {
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	meta := run.Meta()
	meta["action"] = action.Name
	meta["channel"] = string(action.Channel)

	content, err := e.generator.Generate(genCtx, rendered, meta)
	if err != nil {
		e.logger.WarnContext(ctx, "generation failed, using rendered template",
			slog.String("action", action.Name),
			slog.String("error", err.Error()))
		e.emit(ctx, run.ID, stepIndex, schema.EventGenerationFallback, map[string]any{
			"action": action.Name,
			"error":  err.Error(),
		})
		return rendered
	}
	if strings.TrimSpace(content) == "" {
		return rendered
	}
	return content
}

func (e *Executor) deliver(ctx context.Context, deliverer collab.Deliverer, snap collab.EntitySnapshot, action schema.ActionSpec, content string, timeout time.Duration) (*collab.DeliveryReceipt, error) {
	recipient := snap.Recipient(action.Channel)
	delCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return deliverer.Deliver(delCtx, recipient, content)
}

// classifyFailure maps a terminal error to the fatal step outcome.
func (e *Executor) classifyFailure(run *store.Run, stepIndex, attempts int, content string, err error) Result {
	detail := err.Error()
	e.logger.Error("step failed",
		slog.String("run_id", run.ID),
		slog.Int("step", stepIndex),
		slog.Int("attempts", attempts),
		slog.String("error", detail))
	return Result{
		Outcome:         schema.OutcomeFailedFatal,
		Attempts:        attempts,
		RenderedContent: content,
		ErrorDetail:     detail,
		Err:             err,
	}
}

// recordOutcome writes the step's effect back to the entity store so later
// conditions in this run (and other runs) observe it. Failures are logged,
// never fatal.
func (e *Executor) recordOutcome(ctx context.Context, run *store.Run, action schema.ActionSpec) {
	if run.EntityID == "" {
		return
	}
	tag := outcomeTag(action)
	if err := e.entities.RecordOutcome(ctx, run.EntityType, run.EntityID, tag); err != nil {
		e.logger.WarnContext(ctx, "outcome write-back failed",
			slog.String("tag", tag),
			slog.String("error", err.Error()))
	}
}

// outcomeTag derives the entity event tag recorded after successful delivery.
func outcomeTag(action schema.ActionSpec) string {
	name := strings.ToLower(action.Name)
	switch {
	case strings.Contains(name, "review"):
		return "review_requested"
	case strings.Contains(name, "referral"):
		return "referral_offered"
	case action.Channel == schema.ChannelPublish:
		return "content_published"
	default:
		return "message_sent"
	}
}

func (e *Executor) emit(ctx context.Context, runID string, stepIndex int, eventType string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	ev := &store.RunEvent{RunID: runID, StepIndex: stepIndex, Type: eventType, Payload: raw}
	if err := e.audit.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "audit event append failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}

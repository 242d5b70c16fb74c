// Package dispatcher turns trigger events into runs. An entity-change event
// fans out to every active definition whose predicate matches; cron and
// manual events name their definition directly. The dispatcher captures the
// definition's actions, templates and config into the run, persists it, and
// hands the first step timer to the scheduler.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/registry"
	"github.com/outflowhq/outflow/internal/scheduler"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

const defaultCronInterval = 30 * time.Second

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Dispatcher creates runs from events and drives recurring schedules.
type Dispatcher struct {
	logger   *slog.Logger
	registry *registry.Registry
	store    store.Store
	sched    *scheduler.Scheduler
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Dispatcher. cronInterval controls how often due schedules are
// checked; zero selects the default.
func New(logger *slog.Logger, reg *registry.Registry, st store.Store, sched *scheduler.Scheduler, cronInterval time.Duration) *Dispatcher {
	if cronInterval <= 0 {
		cronInterval = defaultCronInterval
	}
	return &Dispatcher{
		logger:   logger,
		registry: reg,
		store:    st,
		sched:    sched,
		interval: cronInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Dispatch resolves an event to its definitions and starts one run per match.
// It returns the IDs of all runs now covering the event, including runs that
// already existed under the event's idempotency key.
func (d *Dispatcher) Dispatch(ctx context.Context, event schema.Event) ([]string, error) {
	defs, err := d.resolve(event)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}

	var runIDs []string
	for _, def := range defs {
		runID, err := d.startRun(ctx, def, event)
		if err != nil {
			return runIDs, err
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, nil
}

// resolve maps an event to the definitions it should start.
func (d *Dispatcher) resolve(event schema.Event) ([]*schema.WorkflowDefinition, error) {
	switch event.Kind {
	case schema.EventKindEntityChange:
		return d.registry.FindMatching(event), nil
	case schema.EventKindCron, schema.EventKindManual:
		if event.DefinitionID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"%s event requires a definition id", event.Kind)
		}
		def, err := d.registry.Get(event.DefinitionID)
		if err != nil {
			return nil, err
		}
		if !def.Active {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"definition %q is not active", def.ID)
		}
		return []*schema.WorkflowDefinition{def}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown event kind %q", event.Kind)
	}
}

// startRun creates the run with a captured copy of the definition and
// schedules its first step. A duplicate idempotency key returns the existing
// run's ID without side effects.
func (d *Dispatcher) startRun(ctx context.Context, def *schema.WorkflowDefinition, event schema.Event) (string, error) {
	if event.IdempotencyKey != "" {
		existing, err := d.store.FindRunByIdempotencyKey(ctx, def.ID, event.IdempotencyKey)
		if err == nil {
			d.logger.InfoContext(ctx, "duplicate event, reusing run",
				slog.String("definition_id", def.ID),
				slog.String("run_id", existing.ID))
			return existing.ID, nil
		}
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:             uuid.NewString(),
		DefinitionID:   def.ID,
		CompanyID:      def.CompanyID,
		WorkflowType:   def.Type,
		EntityType:     event.EntityType,
		EntityID:       event.EntityID,
		IdempotencyKey: event.IdempotencyKey,
		Actions:        def.Actions,
		Templates:      def.Templates,
		Config:         def.Config,
		Status:         schema.RunStatusRunning,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ctx = logging.WithIDs(ctx, run.ID, -1, run.CompanyID)

	if err := d.store.CreateRun(ctx, run); err != nil {
		// A concurrent dispatch of the same event may have won the
		// unique-index race; surface its run instead.
		if event.IdempotencyKey != "" {
			if existing, ferr := d.store.FindRunByIdempotencyKey(ctx, def.ID, event.IdempotencyKey); ferr == nil {
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("create run: %w", err)
	}

	d.appendEvent(ctx, run.ID, -1, schema.EventRunStarted, map[string]any{
		"definition_id": def.ID,
		"event_kind":    string(event.Kind),
	})

	first := def.Actions[0]
	step := &store.StepExecution{
		RunID:        run.ID,
		StepIndex:    0,
		ActionName:   first.Name,
		Channel:      first.Channel,
		ScheduledFor: now.Add(first.DelayDuration()),
		Outcome:      schema.OutcomePending,
	}
	if err := d.store.UpsertStep(ctx, step); err != nil {
		return run.ID, fmt.Errorf("schedule first step: %w", err)
	}
	d.appendEvent(ctx, run.ID, 0, schema.EventStepScheduled, map[string]any{
		"action":        first.Name,
		"scheduled_for": step.ScheduledFor.Format(time.RFC3339),
	})
	d.sched.Enqueue(run.ID, 0, step.ScheduledFor)

	d.logger.InfoContext(ctx, "run started",
		slog.String("definition_id", def.ID),
		slog.String("workflow_type", string(def.Type)),
		slog.String("entity_id", event.EntityID))
	return run.ID, nil
}

// AddSchedule validates the cron expression, computes the first fire time and
// persists the schedule.
func (d *Dispatcher) AddSchedule(ctx context.Context, sched *store.Schedule) error {
	spec, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q", sched.CronExpression).WithCause(err)
	}
	if _, err := d.registry.Get(sched.DefinitionID); err != nil {
		return err
	}

	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	next := spec.Next(time.Now().UTC())
	sched.NextRunAt = &next
	return d.store.CreateSchedule(ctx, sched)
}

// Start launches the cron loop. Schedules whose fire time passed while the
// engine was down fire once immediately; the per-fire idempotency key keeps
// a crash-restart from double-firing.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.cronLoop(ctx)
}

// Stop halts the cron loop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) cronLoop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tickSchedules(ctx)
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tickSchedules(ctx)
		}
	}
}

// tickSchedules fires every enabled schedule whose next fire time has passed.
func (d *Dispatcher) tickSchedules(ctx context.Context) {
	enabled := true
	schedules, err := d.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		d.logger.Error("cron: list schedules failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		spec, err := cronParser.Parse(sched.CronExpression)
		if err != nil {
			d.logger.Error("cron: unparseable expression, disabling schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("expression", sched.CronExpression))
			off := false
			_ = d.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{Enabled: &off})
			continue
		}

		if sched.NextRunAt == nil {
			next := spec.Next(now)
			_ = d.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{NextRunAt: &next})
			continue
		}
		if sched.NextRunAt.After(now) {
			continue
		}

		d.fireSchedule(ctx, sched, spec, now)
	}
}

func (d *Dispatcher) fireSchedule(ctx context.Context, sched *store.Schedule, spec cron.Schedule, now time.Time) {
	event := schema.Event{
		Kind:         schema.EventKindCron,
		CompanyID:    sched.CompanyID,
		EntityType:   sched.EntityType,
		EntityID:     sched.EntityID,
		DefinitionID: sched.DefinitionID,
		// One run per schedule fire time, even across restarts.
		IdempotencyKey: fmt.Sprintf("cron:%s:%d", sched.ID, sched.NextRunAt.Unix()),
		OccurredAt:     now,
	}

	status := "ok"
	if _, err := d.Dispatch(ctx, event); err != nil {
		status = "error"
		d.logger.Error("cron: dispatch failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	}

	next := spec.Next(now)
	if err := d.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	}); err != nil {
		d.logger.Error("cron: schedule update failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) appendEvent(ctx context.Context, runID string, stepIndex int, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ev := &store.RunEvent{RunID: runID, StepIndex: stepIndex, Type: eventType, Payload: raw}
	if err := d.store.AppendEvent(ctx, ev); err != nil {
		d.logger.WarnContext(ctx, "audit event append failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

// Package scheduler owns the delay timers of all in-flight runs. Timers live
// in an in-memory min-heap; the durable truth is the store, from which the
// heap is rebuilt after a restart. When a timer fires, the step is handed to
// the worker pool, executed, and its outcome plus the follow-up timer are
// committed in one store transaction.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outflowhq/outflow/internal/executor"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

const (
	// Wait before re-dispatching a step whose outcome could not be
	// persisted. Execution is at-least-once across this boundary.
	persistRetryDelay = 5 * time.Second

	// Upper bound on timer sleep so clock adjustments are noticed.
	maxTimerWait = time.Minute
)

// Scheduler fires step timers and drives runs forward.
type Scheduler struct {
	logger *slog.Logger
	store  store.Store
	exec   *executor.Executor
	pool   *WorkerPool

	// Delay before re-dispatching after a persistence failure; tests
	// shorten it.
	retryDelay time.Duration

	mu       sync.Mutex
	timers   timerHeap
	inflight map[string]struct{}

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Scheduler with the given worker concurrency.
func New(logger *slog.Logger, st store.Store, exec *executor.Executor, workers int) *Scheduler {
	return &Scheduler{
		logger:     logger,
		store:      st,
		exec:       exec,
		pool:       NewWorkerPool(workers, logger),
		retryDelay: persistRetryDelay,
		inflight:   make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the timer loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the timer loop and waits for in-flight steps to finish or the
// context to expire. Pending timers stay in the store and fire after restart.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return s.pool.Shutdown(ctx)
}

// Enqueue registers a step timer. Safe to call from any goroutine.
func (s *Scheduler) Enqueue(runID string, stepIndex int, dueAt time.Time) {
	s.mu.Lock()
	heap.Push(&s.timers, stepTimer{runID: runID, stepIndex: stepIndex, dueAt: dueAt})
	s.mu.Unlock()
	s.signal()
}

// PendingTimers reports how many timers are waiting to fire.
func (s *Scheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Cancel transitions a run to cancelled and drops its pending timers.
// In-flight steps finish their current attempt; their outcome is recorded
// but no further step is scheduled.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !schema.CanTransitionRun(run.Status, schema.RunStatusCancelled) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel run in status %q", run.Status).WithRun(runID, -1)
	}

	now := time.Now().UTC()
	status := schema.RunStatusCancelled
	if err := s.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status, CompletedAt: &now}); err != nil {
		return err
	}
	s.appendEvent(ctx, runID, -1, schema.EventRunCancelled, nil)

	s.mu.Lock()
	kept := s.timers[:0]
	for _, t := range s.timers {
		if t.runID != runID {
			kept = append(kept, t)
		}
	}
	s.timers = kept
	heap.Init(&s.timers)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "run cancelled", slog.String("run_id", runID))
	return nil
}

// Recover rebuilds timers from the store after a restart. Every running run
// gets its next unexecuted step enqueued; steps already past due fire
// immediately. Runs whose steps all finished are closed out.
func (s *Scheduler) Recover(ctx context.Context) error {
	running := schema.RunStatusRunning
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		next, err := s.store.NextPendingStep(ctx, run.ID)
		if err != nil {
			if isNotFound(err) {
				// Crashed between final step outcome and run close.
				s.finalizeRun(ctx, run)
				continue
			}
			s.logger.Error("recovery: next step lookup failed",
				slog.String("run_id", run.ID), slog.String("error", err.Error()))
			continue
		}
		s.Enqueue(run.ID, next.StepIndex, next.ScheduledFor)
		recovered++
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered pending timers", slog.Int("count", recovered))
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(maxTimerWait)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}

		s.fireDue(ctx)
	}
}

// nextWait returns the sleep until the earliest timer, capped at maxTimerWait.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.timers) == 0 {
		return maxTimerWait
	}
	wait := time.Until(s.timers[0].dueAt)
	if wait < 0 {
		return 0
	}
	if wait > maxTimerWait {
		return maxTimerWait
	}
	return wait
}

// fireDue pops every due timer and submits it for execution. A (run, step)
// already in flight is skipped; its follow-up is rescheduled by the dispatch
// path.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()

	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].dueAt.After(now) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.timers).(stepTimer)
		key := timerKey(t.runID, t.stepIndex)
		if _, busy := s.inflight[key]; busy {
			s.mu.Unlock()
			continue
		}
		s.inflight[key] = struct{}{}
		s.mu.Unlock()

		err := s.pool.Submit(ctx, func() {
			defer s.release(key)
			s.dispatchStep(ctx, t.runID, t.stepIndex)
		})
		if err != nil {
			s.release(key)
			s.logger.Error("submit failed", slog.String("run_id", t.runID),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// dispatchStep executes one due step and commits the resulting transition.
func (s *Scheduler) dispatchStep(ctx context.Context, runID string, stepIndex int) {
	ctx = logging.WithIDs(ctx, runID, stepIndex, "")

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("dispatch: run lookup failed", slog.String("error", err.Error()))
		s.Enqueue(runID, stepIndex, time.Now().Add(s.retryDelay))
		return
	}
	if run.Status != schema.RunStatusRunning {
		s.logger.InfoContext(ctx, "dispatch: run no longer running, dropping timer",
			slog.String("status", string(run.Status)))
		return
	}

	prev, err := s.store.GetStep(ctx, runID, stepIndex)
	if err != nil && !isNotFound(err) {
		s.logger.Error("dispatch: step lookup failed", slog.String("error", err.Error()))
		s.Enqueue(runID, stepIndex, time.Now().Add(s.retryDelay))
		return
	}
	if prev != nil && prev.Outcome.Terminal() {
		// Recovered timer for a step that already completed.
		return
	}

	result := s.exec.ExecuteStep(ctx, run, stepIndex)

	now := time.Now().UTC()
	action := run.Actions[stepIndex]
	attempts := result.Attempts
	if prev != nil {
		attempts += prev.Attempts
	}
	stepRec := &store.StepExecution{
		RunID:           runID,
		StepIndex:       stepIndex,
		ActionName:      action.Name,
		Channel:         action.Channel,
		ScheduledFor:    scheduledFor(prev, now),
		ExecutedAt:      &now,
		Outcome:         result.Outcome,
		Attempts:        attempts,
		RenderedContent: result.RenderedContent,
		ResponseSummary: result.ResponseSummary,
		ErrorDetail:     result.ErrorDetail,
	}

	update, next := s.planTransition(run, stepIndex, result, now)

	if err := s.store.AdvanceRun(ctx, stepRec, update, next); err != nil {
		s.logger.Error("dispatch: persisting outcome failed, will re-dispatch",
			slog.String("error", err.Error()))
		s.Enqueue(runID, stepIndex, time.Now().Add(s.retryDelay))
		return
	}

	// Cancel may have landed while the step was executing. The store kept
	// the terminal status and dropped the transition; record the outcome
	// event only and schedule nothing.
	if cur, err := s.store.GetRun(ctx, runID); err == nil && cur.Status == schema.RunStatusCancelled {
		s.emitOutcome(ctx, run, stepIndex, result, nil, nil)
		return
	}

	s.emitOutcome(ctx, run, stepIndex, result, update, next)

	if next != nil {
		s.Enqueue(runID, next.StepIndex, next.ScheduledFor)
	}
}

// planTransition decides the run update and the follow-up step for a
// terminal step outcome.
func (s *Scheduler) planTransition(run *store.Run, stepIndex int, result executor.Result, now time.Time) (*store.RunUpdate, *store.StepExecution) {
	action := run.Actions[stepIndex]

	fail := func(detail string) *store.RunUpdate {
		status := schema.RunStatusFailed
		return &store.RunUpdate{
			Status:      &status,
			Result:      map[string]any{"failed_step": action.Name, "error": detail},
			CompletedAt: &now,
		}
	}
	complete := func(reason string) *store.RunUpdate {
		status := schema.RunStatusCompleted
		return &store.RunUpdate{
			Status:      &status,
			Result:      map[string]any{"last_step": action.Name, "reason": reason},
			CompletedAt: &now,
		}
	}

	switch result.Outcome {
	case schema.OutcomeFailedFatal:
		return fail(result.ErrorDetail), nil
	case schema.OutcomeSkippedCondition:
		if action.StopIfFalse {
			return complete("condition_stop"), nil
		}
	}

	if stepIndex == len(run.Actions)-1 {
		return complete("all_steps_done"), nil
	}

	nextIndex := stepIndex + 1
	nextAction := run.Actions[nextIndex]
	return nil, &store.StepExecution{
		RunID:        run.ID,
		StepIndex:    nextIndex,
		ActionName:   nextAction.Name,
		Channel:      nextAction.Channel,
		ScheduledFor: now.Add(nextAction.DelayDuration()),
		Outcome:      schema.OutcomePending,
	}
}

func (s *Scheduler) emitOutcome(ctx context.Context, run *store.Run, stepIndex int, result executor.Result, update *store.RunUpdate, next *store.StepExecution) {
	action := run.Actions[stepIndex]

	switch result.Outcome {
	case schema.OutcomeSucceeded:
		s.appendEvent(ctx, run.ID, stepIndex, schema.EventStepSucceeded, map[string]any{
			"action": action.Name, "attempts": result.Attempts,
		})
	case schema.OutcomeSkippedCondition:
		s.appendEvent(ctx, run.ID, stepIndex, schema.EventStepSkipped, map[string]any{
			"action": action.Name, "condition": action.Condition,
		})
	case schema.OutcomeFailedFatal:
		s.appendEvent(ctx, run.ID, stepIndex, schema.EventStepFailed, map[string]any{
			"action": action.Name, "attempts": result.Attempts, "error": result.ErrorDetail,
		})
	}

	if update != nil && update.Status != nil {
		switch *update.Status {
		case schema.RunStatusCompleted:
			s.appendEvent(ctx, run.ID, -1, schema.EventRunCompleted, update.Result)
		case schema.RunStatusFailed:
			s.appendEvent(ctx, run.ID, -1, schema.EventRunFailed, update.Result)
		}
	}

	if next != nil {
		s.appendEvent(ctx, run.ID, next.StepIndex, schema.EventStepScheduled, map[string]any{
			"action": next.ActionName, "scheduled_for": next.ScheduledFor.Format(time.RFC3339),
		})
	}
}

// finalizeRun closes a running run whose steps have all reached a terminal
// outcome. Used by recovery when the close itself was lost in a crash.
func (s *Scheduler) finalizeRun(ctx context.Context, run *store.Run) {
	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		s.logger.Error("finalize: list steps failed",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	status := schema.RunStatusCompleted
	result := map[string]any{"reason": "recovered"}
	for _, step := range steps {
		if step.Outcome == schema.OutcomeFailedFatal {
			status = schema.RunStatusFailed
			result = map[string]any{"failed_step": step.ActionName, "error": step.ErrorDetail}
			break
		}
	}

	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &status, Result: result, CompletedAt: &now}); err != nil {
		s.logger.Error("finalize: run update failed",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}
	if status == schema.RunStatusFailed {
		s.appendEvent(ctx, run.ID, -1, schema.EventRunFailed, result)
	} else {
		s.appendEvent(ctx, run.ID, -1, schema.EventRunCompleted, result)
	}
}

func (s *Scheduler) appendEvent(ctx context.Context, runID string, stepIndex int, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ev := &store.RunEvent{RunID: runID, StepIndex: stepIndex, Type: eventType, Payload: raw}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "audit event append failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func scheduledFor(prev *store.StepExecution, fallback time.Time) time.Time {
	if prev != nil && !prev.ScheduledFor.IsZero() {
		return prev.ScheduledFor
	}
	return fallback
}

func timerKey(runID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", runID, stepIndex)
}

func isNotFound(err error) bool {
	var engineErr *schema.EngineError
	return errors.As(err, &engineErr) && engineErr.Code == schema.ErrCodeNotFound
}

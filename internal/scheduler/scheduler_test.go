package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/collab"
	"github.com/outflowhq/outflow/internal/conditions"
	"github.com/outflowhq/outflow/internal/executor"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

type schedFixture struct {
	sched    *Scheduler
	st       *store.MemoryStore
	entities *collab.MemoryEntityStore
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	logger := discardLogger()
	eval, err := conditions.NewEvaluator(logger)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	entities := collab.NewMemoryEntityStore()
	deliverers := map[schema.Channel]collab.Deliverer{
		schema.ChannelEmail: &collab.LogDeliverer{Channel: schema.ChannelEmail, Logger: logger},
		schema.ChannelSMS:   &collab.LogDeliverer{Channel: schema.ChannelSMS, Logger: logger},
	}
	exec := executor.New(logger, eval, collab.PassthroughGenerator{}, deliverers, entities, st)

	return &schedFixture{
		sched:    New(logger, st, exec, 4),
		st:       st,
		entities: entities,
	}
}

// seedRun persists a running run plus its first pending step.
func (f *schedFixture) seedRun(t *testing.T, id string, actions []schema.ActionSpec, templates map[string]string) *store.Run {
	t.Helper()
	now := time.Now().UTC()
	run := &store.Run{
		ID: id, DefinitionID: "def-1", CompanyID: "co-1",
		WorkflowType: schema.TypeLeadNurturing,
		EntityType:   "lead", EntityID: "l-1",
		Actions: actions, Templates: templates,
		Status: schema.RunStatusRunning, StartedAt: now,
	}
	require.NoError(t, f.st.CreateRun(context.Background(), run))
	require.NoError(t, f.st.UpsertStep(context.Background(), &store.StepExecution{
		RunID: id, StepIndex: 0,
		ActionName: actions[0].Name, Channel: actions[0].Channel,
		ScheduledFor: now, Outcome: schema.OutcomePending,
	}))
	return run
}

func waitForRunStatus(t *testing.T, st store.Store, runID string, want schema.RunStatus) *store.Run {
	t.Helper()
	var run *store.Run
	require.Eventually(t, func() bool {
		r, err := st.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestTimerHeapOrdering(t *testing.T) {
	now := time.Now()
	h := &timerHeap{}
	heap.Push(h, stepTimer{runID: "b", stepIndex: 0, dueAt: now.Add(time.Hour)})
	heap.Push(h, stepTimer{runID: "a", stepIndex: 1, dueAt: now})
	heap.Push(h, stepTimer{runID: "a", stepIndex: 0, dueAt: now})
	heap.Push(h, stepTimer{runID: "c", stepIndex: 0, dueAt: now.Add(time.Minute)})

	first := heap.Pop(h).(stepTimer)
	second := heap.Pop(h).(stepTimer)
	third := heap.Pop(h).(stepTimer)
	fourth := heap.Pop(h).(stepTimer)

	assert.Equal(t, "a", first.runID)
	assert.Equal(t, 0, first.stepIndex)
	assert.Equal(t, 1, second.stepIndex)
	assert.Equal(t, "c", third.runID)
	assert.Equal(t, "b", fourth.runID)
}

func TestRunExecutesAllStepsInOrder(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "step_a", Channel: schema.ChannelEmail, Template: "t", Delay: "0s"},
		{Name: "step_b", Channel: schema.ChannelEmail, Template: "t", Delay: "0s"},
		{Name: "step_c", Channel: schema.ChannelEmail, Template: "t", Delay: "0s"},
	}, map[string]string{"t": "Hi {{name}}"})

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())
	f.sched.Enqueue(run.ID, 0, time.Now())

	done := waitForRunStatus(t, f.st, "r-1", schema.RunStatusCompleted)
	require.NotNil(t, done.CompletedAt)

	steps, err := f.st.ListSteps(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, schema.OutcomeSucceeded, step.Outcome)
		require.NotNil(t, step.ExecutedAt)
	}

	// Three deliveries recorded against the entity.
	snap, err := f.entities.GetSnapshot(context.Background(), "lead", "l-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Int("message_sent_count"))
}

func TestSkippedConditionContinuesRun(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com", "reply_count": 3})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "followup", Channel: schema.ChannelEmail, Template: "t", Condition: "no_reply"},
		{Name: "wrapup", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())
	f.sched.Enqueue(run.ID, 0, time.Now())

	waitForRunStatus(t, f.st, "r-1", schema.RunStatusCompleted)

	steps, err := f.st.ListSteps(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, schema.OutcomeSkippedCondition, steps[0].Outcome)
	assert.Equal(t, schema.OutcomeSucceeded, steps[1].Outcome)
}

func TestStopIfFalseEndsRunCompleted(t *testing.T) {
	f := newSchedFixture(t)
	// Rating below threshold: the referral offer must not go out and the
	// run ends without it.
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com", "rating": 2})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "referral_offer", Channel: schema.ChannelEmail, Template: "t",
			Condition: "positive_review", StopIfFalse: true},
		{Name: "never_reached", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())
	f.sched.Enqueue(run.ID, 0, time.Now())

	done := waitForRunStatus(t, f.st, "r-1", schema.RunStatusCompleted)
	assert.Equal(t, "condition_stop", done.Result["reason"])

	steps, err := f.st.ListSteps(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, schema.OutcomeSkippedCondition, steps[0].Outcome)
}

func TestFatalStepFailsRun(t *testing.T) {
	f := newSchedFixture(t)
	// Entity without an email: the deliverer rejects permanently.
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada"})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t",
			Retry: &schema.RetryPolicy{Max: 1}},
		{Name: "never_reached", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())
	f.sched.Enqueue(run.ID, 0, time.Now())

	done := waitForRunStatus(t, f.st, "r-1", schema.RunStatusFailed)
	assert.Equal(t, "outreach", done.Result["failed_step"])

	steps, err := f.st.ListSteps(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, schema.OutcomeFailedFatal, steps[0].Outcome)
}

func TestCancelStopsPendingSteps(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())

	// Timer is far in the future; cancel before it fires.
	f.sched.Enqueue(run.ID, 0, time.Now().Add(time.Hour))
	require.NoError(t, f.sched.Cancel(context.Background(), "r-1"))

	got, err := f.st.GetRun(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	assert.Equal(t, 0, f.sched.PendingTimers())

	// Cancelling again is an invalid transition.
	err = f.sched.Cancel(context.Background(), "r-1")
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engineErr.Code)
}

func TestDroppedTimerForTerminalRun(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	status := schema.RunStatusCancelled
	require.NoError(t, f.st.UpdateRun(context.Background(), "r-1", store.RunUpdate{Status: &status}))

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())
	f.sched.Enqueue(run.ID, 0, time.Now())

	// The fired timer must not execute anything.
	require.Eventually(t, func() bool {
		return f.sched.PendingTimers() == 0
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	step, err := f.st.GetStep(context.Background(), "r-1", 0)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomePending, step.Outcome)
	assert.Nil(t, step.ExecutedAt)
}

func TestRecoverEnqueuesPendingSteps(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})

	// Simulate a restart: run and overdue step exist in the store, heap is empty.
	f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	require.NoError(t, f.sched.Recover(context.Background()))
	assert.Equal(t, 1, f.sched.PendingTimers())

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())

	waitForRunStatus(t, f.st, "r-1", schema.RunStatusCompleted)
}

func TestRecoverSkipsExecutedSteps(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
		{Name: "followup", Channel: schema.ChannelEmail, Template: "t", Delay: "24h"},
	}, map[string]string{"t": "Hi {{name}}"})

	// Step 0 already executed before the crash; step 1 is pending.
	now := time.Now().UTC()
	require.NoError(t, f.st.UpsertStep(context.Background(), &store.StepExecution{
		RunID: run.ID, StepIndex: 0, ActionName: "outreach", Channel: schema.ChannelEmail,
		ScheduledFor: now.Add(-time.Hour), ExecutedAt: &now,
		Outcome: schema.OutcomeSucceeded, Attempts: 1,
	}))
	require.NoError(t, f.st.UpsertStep(context.Background(), &store.StepExecution{
		RunID: run.ID, StepIndex: 1, ActionName: "followup", Channel: schema.ChannelEmail,
		ScheduledFor: now.Add(23 * time.Hour), Outcome: schema.OutcomePending,
	}))

	require.NoError(t, f.sched.Recover(context.Background()))
	require.Equal(t, 1, f.sched.PendingTimers())
}

func TestRecoverFinalizesFinishedRun(t *testing.T) {
	f := newSchedFixture(t)

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi"})

	// All steps terminal but the run close was lost.
	now := time.Now().UTC()
	require.NoError(t, f.st.UpsertStep(context.Background(), &store.StepExecution{
		RunID: run.ID, StepIndex: 0, ActionName: "outreach", Channel: schema.ChannelEmail,
		ScheduledFor: now, ExecutedAt: &now, Outcome: schema.OutcomeSucceeded, Attempts: 1,
	}))

	require.NoError(t, f.sched.Recover(context.Background()))

	got, err := f.st.GetRun(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
}

func TestAuditTrailWrittenInOrder(t *testing.T) {
	f := newSchedFixture(t)
	f.entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})

	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	f.sched.Start(context.Background())
	defer f.sched.Stop(context.Background())
	f.sched.Enqueue(run.ID, 0, time.Now())

	waitForRunStatus(t, f.st, "r-1", schema.RunStatusCompleted)

	events, err := f.st.ListEvents(context.Background(), "r-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var seq int64
	var types []string
	for _, ev := range events {
		assert.Greater(t, ev.Sequence, seq)
		seq = ev.Sequence
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventStepExecuting)
	assert.Contains(t, types, schema.EventStepSucceeded)
	assert.Contains(t, types, schema.EventRunCompleted)
}

// gatedDeliverer blocks mid-delivery until released, so tests can land a
// cancel while a step is in flight.
type gatedDeliverer struct {
	started chan struct{}
	release chan struct{}
}

func (d *gatedDeliverer) Deliver(ctx context.Context, recipient, content string) (*collab.DeliveryReceipt, error) {
	select {
	case d.started <- struct{}{}:
	default:
	}
	<-d.release
	return &collab.DeliveryReceipt{ProviderID: "gated-1"}, nil
}

func TestCancelDuringExecutionKeepsRunCancelled(t *testing.T) {
	logger := discardLogger()
	eval, err := conditions.NewEvaluator(logger)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	entities := collab.NewMemoryEntityStore()
	entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})
	gate := &gatedDeliverer{started: make(chan struct{}, 1), release: make(chan struct{})}
	exec := executor.New(logger, eval, collab.PassthroughGenerator{},
		map[schema.Channel]collab.Deliverer{schema.ChannelEmail: gate}, entities, st)
	sched := New(logger, st, exec, 2)

	f := &schedFixture{sched: sched, st: st, entities: entities}
	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
		{Name: "followup", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	sched.Start(context.Background())
	defer sched.Stop(context.Background())
	sched.Enqueue(run.ID, 0, time.Now())

	// Cancel lands while the first delivery is blocked in flight.
	<-gate.started
	require.NoError(t, sched.Cancel(context.Background(), "r-1"))
	close(gate.release)

	// The in-flight step finishes and its outcome is recorded.
	require.Eventually(t, func() bool {
		step, err := st.GetStep(context.Background(), "r-1", 0)
		return err == nil && step.Outcome == schema.OutcomeSucceeded
	}, 5*time.Second, 5*time.Millisecond)

	// The run keeps its terminal status and no follow-up step appears.
	got, err := st.GetRun(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	_, err = st.GetStep(context.Background(), "r-1", 1)
	require.Error(t, err)
	assert.Equal(t, 0, sched.PendingTimers())
}

// failingAdvanceStore fails the first AdvanceRun calls, simulating a crash
// between execution and persistence.
type failingAdvanceStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *failingAdvanceStore) AdvanceRun(ctx context.Context, step *store.StepExecution, update *store.RunUpdate, next *store.StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	return f.Store.AdvanceRun(ctx, step, update, next)
}

func TestPersistFailureRedispatchesStep(t *testing.T) {
	logger := discardLogger()
	eval, err := conditions.NewEvaluator(logger)
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	flaky := &failingAdvanceStore{Store: mem, failures: 1}
	entities := collab.NewMemoryEntityStore()
	entities.Put("lead", "l-1", map[string]any{"name": "Ada", "email": "a@x.com"})
	deliverers := map[schema.Channel]collab.Deliverer{
		schema.ChannelEmail: &collab.LogDeliverer{Channel: schema.ChannelEmail, Logger: logger},
	}
	exec := executor.New(logger, eval, collab.PassthroughGenerator{}, deliverers, entities, mem)
	sched := New(logger, flaky, exec, 2)
	sched.retryDelay = 10 * time.Millisecond

	f := &schedFixture{sched: sched, st: mem, entities: entities}
	run := f.seedRun(t, "r-1", []schema.ActionSpec{
		{Name: "outreach", Channel: schema.ChannelEmail, Template: "t"},
	}, map[string]string{"t": "Hi {{name}}"})

	sched.Start(context.Background())
	defer sched.Stop(context.Background())
	sched.Enqueue(run.ID, 0, time.Now())

	// The lost outcome is re-dispatched and the run still completes; the
	// step is never marked failed.
	waitForRunStatus(t, mem, "r-1", schema.RunStatusCompleted)

	// Both writes landed on the same (run, step) row.
	steps, err := mem.ListSteps(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, schema.OutcomeSucceeded, steps[0].Outcome)

	// Delivery happened on both executions: at-least-once across the
	// persistence boundary.
	snap, err := entities.GetSnapshot(context.Background(), "lead", "l-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Int("message_sent_count"))
}

func TestStopTwiceIsSafe(t *testing.T) {
	f := newSchedFixture(t)
	f.sched.Start(context.Background())

	require.NoError(t, f.sched.Stop(context.Background()))
	require.NotPanics(t, func() { _ = f.sched.Stop(context.Background()) })
}

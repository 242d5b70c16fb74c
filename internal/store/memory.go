package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and ephemeral local runs.
// Nothing survives a restart; production deployments use LibSQLStore.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	steps     map[string]map[int]*StepExecution
	events    map[string][]*RunEvent
	schedules map[string]*Schedule
	nextEvent int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		steps:     make(map[string]map[int]*StepExecution),
		events:    make(map[string][]*RunEvent),
		schedules: make(map[string]*Schedule),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	if run.IdempotencyKey != "" {
		for _, existing := range m.runs {
			if existing.DefinitionID == run.DefinitionID && existing.IdempotencyKey == run.IdempotencyKey {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"run already exists for definition %s key %s", run.DefinitionID, run.IdempotencyKey)
			}
		}
	}

	now := time.Now().UTC()
	cp := cloneRun(run)
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.runs[run.ID] = cp
	return nil
}

// cloneRun deep-copies a run. The captured actions, templates and config must
// never share backing storage with caller-held objects: a definition edit
// after dispatch must not reach in-flight state.
func cloneRun(run *Run) *Run {
	cp := *run
	cp.Actions = schema.CloneActions(run.Actions)
	cp.Templates = maps.Clone(run.Templates)
	cp.Config = schema.CloneValues(run.Config)
	cp.Result = schema.CloneValues(run.Result)
	return &cp
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) FindRunByIdempotencyKey(ctx context.Context, definitionID, key string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.DefinitionID == definitionID && run.IdempotencyKey == key {
			return cloneRun(run), nil
		}
	}
	return nil, notFound("run", definitionID+"/"+key)
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyRunUpdate(id, update)
}

func (m *MemoryStore) applyRunUpdate(id string, update RunUpdate) error {
	run, ok := m.runs[id]
	if !ok {
		return notFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Result != nil {
		run.Result = update.Result
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*Run
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.CompanyID != "" && run.CompanyID != filter.CompanyID {
			continue
		}
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.EntityID != "" && run.EntityID != filter.EntityID {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (m *MemoryStore) UpsertStep(ctx context.Context, step *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putStep(step)
	return nil
}

func (m *MemoryStore) putStep(step *StepExecution) {
	if m.steps[step.RunID] == nil {
		m.steps[step.RunID] = make(map[int]*StepExecution)
	}
	cp := *step
	cp.UpdatedAt = time.Now().UTC()
	m.steps[step.RunID][step.StepIndex] = &cp
}

func (m *MemoryStore) GetStep(ctx context.Context, runID string, stepIndex int) (*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	step, ok := m.steps[runID][stepIndex]
	if !ok {
		return nil, notFound("step", runID)
	}
	cp := *step
	return &cp, nil
}

func (m *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var steps []*StepExecution
	for _, step := range m.steps[runID] {
		cp := *step
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

func (m *MemoryStore) NextPendingStep(ctx context.Context, runID string) (*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var next *StepExecution
	for _, step := range m.steps[runID] {
		if step.ExecutedAt != nil {
			continue
		}
		if next == nil || step.StepIndex < next.StepIndex {
			next = step
		}
	}
	if next == nil {
		return nil, notFound("pending step", runID)
	}
	cp := *next
	return &cp, nil
}

func (m *MemoryStore) AdvanceRun(ctx context.Context, step *StepExecution, update *RunUpdate, next *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[step.RunID]
	if !ok {
		return notFound("run", step.RunID)
	}
	m.putStep(step)

	// A run cancelled while the step executed keeps its terminal status:
	// the outcome stays recorded, the transition and follow-up step do not
	// apply.
	if run.Status != schema.RunStatusRunning {
		return nil
	}
	if update != nil {
		if err := m.applyRunUpdate(step.RunID, *update); err != nil {
			return err
		}
	}
	if next != nil {
		m.putStep(next)
	}
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvent++
	cp := *event
	cp.ID = m.nextEvent
	cp.Sequence = int64(len(m.events[event.RunID]) + 1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	event.ID = cp.ID
	event.Sequence = cp.Sequence
	event.Timestamp = cp.Timestamp
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*RunEvent
	for _, ev := range m.events[runID] {
		if ev.Sequence <= since {
			continue
		}
		cp := *ev
		events = append(events, &cp)
	}
	return events, nil
}

func (m *MemoryStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[sched.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	cp := *sched
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sched, ok := m.schedules[id]
	if !ok {
		return nil, notFound("schedule", id)
	}
	cp := *sched
	return &cp, nil
}

func (m *MemoryStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[id]
	if !ok {
		return notFound("schedule", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sched.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		sched.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var schedules []*Schedule
	for _, sched := range m.schedules {
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		if filter.CompanyID != "" && sched.CompanyID != filter.CompanyID {
			continue
		}
		cp := *sched
		schedules = append(schedules, &cp)
	}
	sort.Slice(schedules, func(i, j int) bool {
		if !schedules[i].CreatedAt.Equal(schedules[j].CreatedAt) {
			return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
		}
		return strings.Compare(schedules[i].ID, schedules[j].ID) < 0
	})
	if filter.Limit > 0 && len(schedules) > filter.Limit {
		schedules = schedules[:filter.Limit]
	}
	return schedules, nil
}

func (m *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return notFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

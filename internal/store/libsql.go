package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/outflowhq/outflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/outflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

const runColumns = `id, definition_id, company_id, workflow_type, entity_type, entity_id, idempotency_key, actions, templates, config, status, result, started_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	actions, err := json.Marshal(run.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	templates, err := marshalMapOrNull(run.Templates)
	if err != nil {
		return fmt.Errorf("marshal templates: %w", err)
	}
	config, err := marshalMapOrNull(run.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	result, err := marshalMapOrNull(run.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, run.CompanyID, string(run.WorkflowType),
		run.EntityType, run.EntityID, nullStr(run.IdempotencyKey),
		string(actions), templates, config, string(run.Status), result,
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run already exists for definition %s key %s", run.DefinitionID, run.IdempotencyKey).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) FindRunByIdempotencyKey(ctx context.Context, definitionID, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE definition_id = ? AND idempotency_key = ?`,
		definitionID, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, notFound("run", definitionID+"/"+key)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets, args, err := runUpdateClauses(update)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		workflowType, status               string
		idemKey                            sql.NullString
		actionsJSON                        string
		templatesJSON, configJSON, resJSON sql.NullString
		completedAt                        sql.NullTime
	)
	err := row.Scan(&run.ID, &run.DefinitionID, &run.CompanyID, &workflowType,
		&run.EntityType, &run.EntityID, &idemKey, &actionsJSON,
		&templatesJSON, &configJSON, &status, &resJSON,
		&run.StartedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.WorkflowType = schema.WorkflowType(workflowType)
	run.Status = schema.RunStatus(status)
	run.IdempotencyKey = idemKey.String
	if err := json.Unmarshal([]byte(actionsJSON), &run.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if templatesJSON.Valid && templatesJSON.String != "" {
		_ = json.Unmarshal([]byte(templatesJSON.String), &run.Templates)
	}
	if configJSON.Valid && configJSON.String != "" {
		_ = json.Unmarshal([]byte(configJSON.String), &run.Config)
	}
	if resJSON.Valid && resJSON.String != "" {
		_ = json.Unmarshal([]byte(resJSON.String), &run.Result)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Step executions ---

const stepColumns = `run_id, step_index, action_name, channel, scheduled_for, executed_at, outcome, attempts, rendered_content, response_summary, error_detail, updated_at`

func (s *LibSQLStore) UpsertStep(ctx context.Context, step *StepExecution) error {
	return upsertStepExec(ctx, s.db, step)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStepExec(ctx context.Context, db execer, step *StepExecution) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO step_executions (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_index) DO UPDATE SET
			executed_at = excluded.executed_at,
			outcome = excluded.outcome,
			attempts = excluded.attempts,
			rendered_content = excluded.rendered_content,
			response_summary = excluded.response_summary,
			error_detail = excluded.error_detail,
			updated_at = excluded.updated_at`,
		step.RunID, step.StepIndex, step.ActionName, string(step.Channel),
		step.ScheduledFor, nullTime(step.ExecutedAt), string(step.Outcome),
		step.Attempts, nullStr(step.RenderedContent), nullStr(step.ResponseSummary),
		nullStr(step.ErrorDetail), timeOrNow(step.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetStep(ctx context.Context, runID string, stepIndex int) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE run_id = ? AND step_index = ?`,
		runID, stepIndex)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, notFound("step", fmt.Sprintf("%s/%d", runID, stepIndex))
	}
	return step, err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) NextPendingStep(ctx context.Context, runID string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		 WHERE run_id = ? AND executed_at IS NULL
		 ORDER BY step_index LIMIT 1`, runID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, notFound("pending step", runID)
	}
	return step, err
}

func scanStep(row rowScanner) (*StepExecution, error) {
	step := &StepExecution{}
	var (
		channel, outcome                string
		executedAt                      sql.NullTime
		rendered, response, errorDetail sql.NullString
	)
	err := row.Scan(&step.RunID, &step.StepIndex, &step.ActionName, &channel,
		&step.ScheduledFor, &executedAt, &outcome, &step.Attempts,
		&rendered, &response, &errorDetail, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	step.Channel = schema.Channel(channel)
	step.Outcome = schema.StepOutcome(outcome)
	step.RenderedContent = rendered.String
	step.ResponseSummary = response.String
	step.ErrorDetail = errorDetail.String
	if executedAt.Valid {
		step.ExecutedAt = &executedAt.Time
	}
	return step, nil
}

// AdvanceRun writes the step outcome, the run update and the next pending
// step in one transaction. This is the commit point of the dispatch loop:
// either the whole transition lands or none of it does.
func (s *LibSQLStore) AdvanceRun(ctx context.Context, step *StepExecution, update *RunUpdate, next *StepExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", step.RunID).Scan(&status)
	if err == sql.ErrNoRows {
		return notFound("run", step.RunID)
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}

	if err := upsertStepExec(ctx, tx, step); err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}

	// A run cancelled while the step executed keeps its terminal status:
	// the outcome stays recorded, the transition and follow-up step do not
	// apply.
	if schema.RunStatus(status) != schema.RunStatusRunning {
		return tx.Commit()
	}

	if update != nil {
		sets, args, err := runUpdateClauses(*update)
		if err != nil {
			return err
		}
		if len(sets) > 0 {
			sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
			args = append(args, step.RunID)
			query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("update run: %w", err)
			}
		}
	}

	if next != nil {
		if err := upsertStepExec(ctx, tx, next); err != nil {
			return fmt.Errorf("upsert next step: %w", err)
		}
	}

	return tx.Commit()
}

func runUpdateClauses(update RunUpdate) ([]string, []any, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		result, err := json.Marshal(update.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(result))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	return sets, args, nil
}

// --- Audit log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_index, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.StepIndex, event.Type, nullRaw(event.Payload), ts, seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	event.Sequence = seq
	event.Timestamp = ts

	return tx.Commit()
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_index, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		ev := &RunEvent{}
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepIndex, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, definition_id, company_id, entity_type, entity_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.DefinitionID, sched.CompanyID,
		nullStr(sched.EntityType), nullStr(sched.EntityID),
		sched.CronExpression, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, notFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		entityType, entityID, lastStatus sql.NullString
		lastRun, nextRun                 sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.DefinitionID, &sched.CompanyID,
		&entityType, &entityID, &sched.CronExpression, &sched.Enabled,
		&lastRun, &nextRun, &lastStatus, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	sched.EntityType = entityType.String
	sched.EntityID = entityID.String
	sched.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func marshalMapOrNull(m any) (any, error) {
	switch v := m.(type) {
	case map[string]string:
		if len(v) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

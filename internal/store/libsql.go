package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
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
		"PRAGMA cache_size=-20000",
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

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if def.Version == 0 {
		var max int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE id = ?`, def.ID,
		).Scan(&max); err != nil {
			return err
		}
		def.Version = max + 1
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, description, definition) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Version, nullStr(def.Name), nullStr(def.Description), string(raw),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"definition %q version %d already exists", def.ID, def.Version)
		}
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id), id)
}

func (s *LibSQLStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_definitions WHERE id = ? AND version = ?`, id, version), id)
}

func (s *LibSQLStore) scanDefinition(row *sql.Row, id string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %q: %w", id, err)
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.definition FROM workflow_definitions d
		 JOIN (SELECT id, MAX(version) AS version FROM workflow_definitions GROUP BY id) latest
		   ON d.id = latest.id AND d.version = latest.version
		 ORDER BY d.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	input, err := marshalMapOrDefault(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	variables, err := marshalMapOrDefault(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	results, err := json.Marshal(stepResultsOrDefault(run.StepResults))
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	order, err := json.Marshal(stepOrderOrDefault(run.StepOrder))
	if err != nil {
		return fmt.Errorf("marshal step_order: %w", err)
	}
	output, err := marshalOrNil(run.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	approval, err := marshalOrNil(run.PendingApproval)
	if err != nil {
		return fmt.Errorf("marshal pending_approval: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs
		   (id, workflow_id, workflow_version, user_id, status, current_step_id,
		    input, variables, step_results, step_order, output, error, pending_approval,
		    started_at, paused_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, nullStr(run.UserID),
		string(run.Status), nullStr(run.CurrentStepID),
		string(input), string(variables), string(results), string(order),
		output, nullStr(run.Error), approval,
		timeOrNow(run.StartedAt), nullTime(run.PausedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var userID, currentStep, errMsg sql.NullString
	var input, variables, results, order, output, approval sql.NullString
	var pausedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, user_id, status, current_step_id,
		        input, variables, step_results, step_order, output, error, pending_approval,
		        started_at, paused_at, completed_at, updated_at
		   FROM workflow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &userID, &run.Status, &currentStep,
		&input, &variables, &results, &order, &output, &errMsg, &approval,
		&run.StartedAt, &pausedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, err
	}

	run.UserID = userID.String
	run.CurrentStepID = currentStep.String
	run.Error = errMsg.String
	if pausedAt.Valid {
		run.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	if err := unmarshalInto(input, &run.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input for run %q: %w", id, err)
	}
	if err := unmarshalInto(variables, &run.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables for run %q: %w", id, err)
	}
	if err := unmarshalInto(results, &run.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step_results for run %q: %w", id, err)
	}
	if err := unmarshalInto(order, &run.StepOrder); err != nil {
		return nil, fmt.Errorf("unmarshal step_order for run %q: %w", id, err)
	}
	if err := unmarshalInto(output, &run.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output for run %q: %w", id, err)
	}
	if err := unmarshalInto(approval, &run.PendingApproval); err != nil {
		return nil, fmt.Errorf("unmarshal pending_approval for run %q: %w", id, err)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStepID != nil {
		sets = append(sets, "current_step_id = ?")
		args = append(args, nullStr(*update.CurrentStepID))
	}
	if update.Variables != nil {
		raw, err := json.Marshal(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(raw))
	}
	if update.StepResults != nil {
		raw, err := json.Marshal(update.StepResults)
		if err != nil {
			return fmt.Errorf("marshal step_results: %w", err)
		}
		sets = append(sets, "step_results = ?")
		args = append(args, string(raw))
	}
	if update.StepOrder != nil {
		raw, err := json.Marshal(update.StepOrder)
		if err != nil {
			return fmt.Errorf("marshal step_order: %w", err)
		}
		sets = append(sets, "step_order = ?")
		args = append(args, string(raw))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.PendingApproval != nil {
		raw, err := json.Marshal(update.PendingApproval)
		if err != nil {
			return fmt.Errorf("marshal pending_approval: %w", err)
		}
		sets = append(sets, "pending_approval = ?")
		args = append(args, string(raw))
	} else if update.ClearPendingApproval {
		sets = append(sets, "pending_approval = NULL")
	}
	if update.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, *update.PausedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	query := `SELECT id FROM workflow_runs WHERE 1=1`
	var args []any

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.PausedBefore != nil {
		query += ` AND paused_at IS NOT NULL AND paused_at < ?`
		args = append(args, *filter.PausedBefore)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// --- Audit ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, workflow_id, step_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.WorkflowID, nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), timeOrNow(event.Timestamp),
	)
	return err
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*RunEvent, error) {
	query := `SELECT id, run_id, workflow_id, step_id, type, payload, created_at FROM run_events WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ?`
		args = append(args, filter.StepID)
	}
	if filter.EventType != "" {
		query += ` AND type = ?`
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkflowID, &stepID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *LibSQLStore) RecordApproval(ctx context.Context, rec *ApprovalRecord) error {
	var items []byte
	if len(rec.Items) > 0 {
		raw, err := json.Marshal(rec.Items)
		if err != nil {
			return err
		}
		items = raw
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_records (id, run_id, step_id, prompt, items, approved, user_id, comment, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.StepID, nullStr(rec.Prompt), nullRaw(items), rec.Approved,
		nullStr(rec.UserID), nullStr(rec.Comment), timeOrNow(rec.DecidedAt),
	)
	return err
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, runID string) ([]*ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, prompt, items, approved, user_id, comment, decided_at
		   FROM approval_records WHERE run_id = ? ORDER BY decided_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ApprovalRecord
	for rows.Next() {
		rec := &ApprovalRecord{}
		var prompt, items, userID, comment sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.StepID, &prompt, &items, &rec.Approved, &userID, &comment, &rec.DecidedAt); err != nil {
			return nil, err
		}
		rec.Prompt = prompt.String
		rec.UserID = userID.String
		rec.Comment = comment.String
		if items.Valid && items.String != "" {
			if err := json.Unmarshal([]byte(items.String), &rec.Items); err != nil {
				return nil, err
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*PendingApproval); ok && p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func stepResultsOrDefault(m map[string]*StepResult) map[string]*StepResult {
	if m == nil {
		return map[string]*StepResult{}
	}
	return m
}

func stepOrderOrDefault(o []string) []string {
	if o == nil {
		return []string{}
	}
	return o
}

func unmarshalInto(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

var _ Store = (*LibSQLStore)(nil)

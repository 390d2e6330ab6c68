package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
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

// --- Workflows ---

// RegisterWorkflow inserts a new immutable version of the workflow and
// returns the assigned version number. Re-registering an existing ID
// creates the next version; rows are never updated in place.
func (s *LibSQLStore) RegisterWorkflow(ctx context.Context, wf *schema.Workflow) (int, error) {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return 0, fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, txAbort("begin register", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE id = ?`, wf.ID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, version, name, start_step, steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, version, wf.Name, wf.StartStep, string(steps), timeOrNow(wf.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, txAbort("commit register", err)
	}
	return version, nil
}

// GetWorkflow loads a workflow definition. Version 0 means latest.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	query := `SELECT id, version, name, start_step, steps, created_at
	          FROM workflows WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	wf := &schema.Workflow{}
	var stepsJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&wf.ID, &wf.Version, &wf.Name, &wf.StartStep, &stepsJSON, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		ref := id
		if version > 0 {
			ref = fmt.Sprintf("%s@%d", id, version)
		}
		return nil, storeNotFound("workflow", ref)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns the latest version of every registered workflow.
func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.version, w.name, w.start_step, w.steps, w.created_at
		 FROM workflows w
		 JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
		   ON w.id = latest.id AND w.version = latest.version
		 ORDER BY w.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf := &schema.Workflow{}
		var stepsJSON string
		if err := rows.Scan(&wf.ID, &wf.Version, &wf.Name, &wf.StartStep, &stepsJSON, &wf.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	ctxJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_version, status, current_step, context, idempotency_key, input_hash, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, string(run.Status),
		nullStr(run.CurrentStep), string(ctxJSON),
		nullStr(run.IdempotencyKey), nullStr(run.InputHash),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt), nullTime(run.CompletedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run with idempotency key %q already exists", run.IdempotencyKey).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) FindRunByIdempotencyKey(ctx context.Context, key string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE idempotency_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", "idempotency_key="+key)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := runSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
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

	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CommitStepDelta applies a step outcome in one transaction. The UPDATE is
// guarded by the expected status and position, so a run canceled or advanced
// by a concurrent caller is never overwritten.
func (s *LibSQLStore) CommitStepDelta(ctx context.Context, delta *StepDelta) error {
	ctxJSON, err := json.Marshal(delta.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txAbort("begin step delta", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, current_step = ?, context = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ? AND COALESCE(current_step, '') = ?`,
		string(delta.NewStatus), nullStr(delta.NewCurrentStep), string(ctxJSON), nullTime(delta.CompletedAt),
		delta.RunID, string(delta.ExpectedStatus), delta.ExpectedStep,
	)
	if err != nil {
		return txAbort("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return txAbort("rows affected", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, delta.RunID).Scan(&exists); err != nil {
			return txAbort("check run", err)
		}
		if exists == 0 {
			return storeNotFound("run", delta.RunID)
		}
		return schema.NewErrorf(schema.ErrCodeStalePosition,
			"run %q moved past (%s, %s); outcome discarded",
			delta.RunID, delta.ExpectedStatus, delta.ExpectedStep).WithStep(delta.ExpectedStep)
	}

	if delta.Step != nil {
		var seq int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_steps WHERE run_id = ?`, delta.RunID,
		).Scan(&seq)
		if err != nil {
			return txAbort("next seq", err)
		}
		delta.Step.Seq = seq

		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_steps (id, run_id, seq, step_id, type, status, attempt, output, error, started_at, ended_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			delta.Step.ID, delta.RunID, seq, delta.Step.StepID, string(delta.Step.Type),
			string(delta.Step.Status), delta.Step.Attempt,
			nullRaw(delta.Step.Output), nullRaw(delta.Step.Error),
			timeOrNow(delta.Step.StartedAt), nullTime(delta.Step.EndedAt),
		)
		if err != nil {
			return txAbort("insert run step", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return txAbort("commit step delta", err)
	}
	return nil
}

// ListRunSteps returns the execution history of a run in sequence order.
func (s *LibSQLStore) ListRunSteps(ctx context.Context, runID string) ([]*schema.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, step_id, type, status, attempt, output, error, started_at, ended_at
		 FROM run_steps WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.RunStep
	for rows.Next() {
		rs := &schema.RunStep{}
		var stepType, status string
		var output, errJSON sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&rs.ID, &rs.RunID, &rs.Seq, &rs.StepID, &stepType, &status,
			&rs.Attempt, &output, &errJSON, &rs.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		rs.Type = schema.StepType(stepType)
		rs.Status = schema.RunStepStatus(status)
		rs.Output = rawOrNil(output)
		rs.Error = rawOrNil(errJSON)
		if endedAt.Valid {
			rs.EndedAt = &endedAt.Time
		}
		steps = append(steps, rs)
	}
	return steps, rows.Err()
}

// --- Scanning helpers ---

const runSelect = `SELECT id, workflow_id, workflow_version, status, current_step, context, idempotency_key, input_hash, created_at, updated_at, completed_at FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		status             string
		currentStep        sql.NullString
		ctxJSON            string
		idemKey, inputHash sql.NullString
		completedAt        sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &status, &currentStep,
		&ctxJSON, &idemKey, &inputHash, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.IdempotencyKey = idemKey.String
	run.InputHash = inputHash.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Context = &schema.Context{}
	if err := json.Unmarshal([]byte(ctxJSON), run.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return run, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func txAbort(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeTransactionAbort, "%s: %s", op, err.Error()).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
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

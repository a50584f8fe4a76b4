package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" opens a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, state, message, output_dir, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, string(run.State), run.Message, run.OutputDir,
		run.CreatedAt.Format(time.RFC3339Nano), formatOptionalTime(run.CompletedAt),
	)
	return err
}

// GetRun returns the run with its step records, or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, state, message, output_dir, created_at, completed_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.ListStepRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	run.StepSummary = model.ComputeStepSummary(steps)
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any

	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, opts.State)
	}
	if opts.Workflow != "" {
		whereClauses = append(whereClauses, "workflow = ?")
		countArgs = append(countArgs, opts.Workflow)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM runs` + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, workflow, state, message, output_dir, created_at, completed_at
		FROM runs` + whereSQL + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, message=?, completed_at=? WHERE id=?`,
		string(run.State), run.Message, formatOptionalTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// --- Step results ---

// SaveStepReport stores rep and its task reports, replacing any previous
// record of the same step in the run.
func (s *SQLiteStore) SaveStepReport(ctx context.Context, runID string, rep task.Report) error {
	s.logger.Debug("sql", "op", "upsert", "table", "step_results", "run_id", runID, "step_id", rep.StepID)

	countersJSON, err := json.Marshal(rep.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_results WHERE run_id = ? AND step_id = ?`, runID, rep.StepID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO step_results
		 (run_id, step_id, module, success, task_count, failed_tasks, error_message, counters, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rep.StepID, rep.StepName, boolToInt(rep.Success), rep.TaskCount, rep.FailedTasks,
		reportError(rep), string(countersJSON),
		rep.StartTime.Format(time.RFC3339Nano), rep.EndTime.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert step %s: %w", rep.StepID, err)
	}

	for _, tr := range rep.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_results (run_id, step_id, name, success, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, rep.StepID, tr.Name, boolToInt(tr.Success), tr.DurationMS, tr.Error,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", tr.Name, err)
		}
	}
	return tx.Commit()
}

// ListStepRecords returns the step records of a run ordered by start time.
func (s *SQLiteStore) ListStepRecords(ctx context.Context, runID string) ([]model.StepRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "step_results", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, module, success, task_count, failed_tasks, error_message, counters, start_time, end_time
		 FROM step_results WHERE run_id = ? ORDER BY start_time, step_id`, runID)
	if err != nil {
		return nil, err
	}

	var steps []model.StepRecord
	for rows.Next() {
		rec := model.StepRecord{RunID: runID}
		var success int
		var countersJSON, startTime, endTime string
		if err := rows.Scan(&rec.StepID, &rec.Module, &success, &rec.TaskCount, &rec.FailedTasks,
			&rec.ErrorMessage, &countersJSON, &startTime, &endTime); err != nil {
			rows.Close()
			return nil, err
		}
		rec.Success = success != 0
		json.Unmarshal([]byte(countersJSON), &rec.Counters)
		rec.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
		rec.EndTime, _ = time.Parse(time.RFC3339Nano, endTime)
		steps = append(steps, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Tasks are loaded after the step cursor is closed; an in-memory
	// database has a single connection.
	for i := range steps {
		tasks, err := s.listTaskRecords(ctx, runID, steps[i].StepID)
		if err != nil {
			return nil, err
		}
		steps[i].Tasks = tasks
	}
	return steps, nil
}

func (s *SQLiteStore) listTaskRecords(ctx context.Context, runID, stepID string) ([]model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, success, duration_ms, error FROM task_results
		 WHERE run_id = ? AND step_id = ? ORDER BY name`, runID, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.TaskRecord
	for rows.Next() {
		var tr model.TaskRecord
		var success int
		if err := rows.Scan(&tr.Name, &success, &tr.DurationMS, &tr.Error); err != nil {
			return nil, err
		}
		tr.Success = success != 0
		tasks = append(tasks, tr)
	}
	return tasks, rows.Err()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, createdAt string
	var completedAt *string
	if err := row.Scan(&run.ID, &run.Workflow, &state, &run.Message, &run.OutputDir,
		&createdAt, &completedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		run.CompletedAt = &t
	}
	return &run, nil
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func reportError(rep task.Report) string {
	if rep.ErrorMessage == "" || rep.ErrorCause == "" {
		return rep.ErrorMessage
	}
	return rep.ErrorMessage + ": " + rep.ErrorCause
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

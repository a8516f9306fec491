package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/pipeline/internal/scheduler"
)

// SaveRun archives a finished run: one row per task record, its
// dependencies and its attempt history. Records are inserted in dependency
// order so every foreign key points at an existing row.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run, g *scheduler.Graph, snap scheduler.Snapshot) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	order, err := g.Order()
	if err != nil {
		return fmt.Errorf("failed to order tasks: %w", err)
	}

	sum := snap.Summary()
	if run.Status == "" {
		run.Status = runStatus(sum, run.Error)
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, name, status, started_at, ended_at, total, completed, failed, cancelled, pending, success_rate, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Name, run.Status, nanos(run.StartedAt), nanos(run.EndedAt),
		sum.Total, sum.Completed, sum.Failed, sum.Cancelled, sum.Pending, sum.SuccessRate, nullString(run.Error))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for seq, id := range order {
		rec, ok := snap[id]
		if !ok {
			return fmt.Errorf("snapshot has no record for task %s", id)
		}

		result, err := marshalNullable(rec.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result of %s: %w", id, err)
		}
		taskErr, err := marshalNullable(rec.Error)
		if err != nil {
			return fmt.Errorf("failed to encode error of %s: %w", id, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_records (run_id, task_id, seq, kind, level, status, attempt, started_at, ended_at, result, error, cancelled_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, id, seq, rec.Kind, rec.Level, rec.Status.String(), rec.Attempt,
			nanos(rec.StartedAt), nanos(rec.EndedAt), result, taskErr, nullString(rec.CancelledBy))
		if err != nil {
			return fmt.Errorf("failed to insert task record %s: %w", id, err)
		}

		task, _ := g.Task(id)
		for _, depID := range task.DependsOn {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (run_id, task_id, depends_on_id)
				VALUES (?, ?, ?)
			`, run.ID, id, depID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", id, depID, err)
			}
		}

		for _, a := range rec.History {
			attemptErr, err := marshalNullable(a.Error)
			if err != nil {
				return fmt.Errorf("failed to encode attempt error of %s: %w", id, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO attempts (run_id, task_id, attempt, started_at, ended_at, error, backoff_ns)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, run.ID, id, a.Attempt, nanos(a.StartedAt), nanos(a.EndedAt), attemptErr, int64(a.Backoff))
			if err != nil {
				return fmt.Errorf("failed to insert attempt %d of %s: %w", a.Attempt, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetRun loads a run with all of its task records.
// Returns a wrapped ErrRunNotFound if the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, name, status, started_at, ended_at, total, completed, failed, cancelled, pending, success_rate, error
		FROM runs
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	tasks, index, err := s.loadTaskRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadDependencies(ctx, id, tasks, index); err != nil {
		return nil, err
	}
	if err := s.loadAttempts(ctx, id, tasks, index); err != nil {
		return nil, err
	}

	run.Tasks = tasks
	run.Summary = run.Snapshot().Summary()
	return run, nil
}

// ListRuns returns the most recent runs first, without task records.
// A limit of zero or less returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, started_at, ended_at, total, completed, failed, cancelled, pending, success_rate, error
		FROM runs
		ORDER BY started_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (s *SQLiteStore) loadTaskRecords(ctx context.Context, runID string) ([]TaskRecord, map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, level, status, attempt, started_at, ended_at, result, error, cancelled_by
		FROM task_records
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query task records: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			tr              TaskRecord
			status          string
			started, ended  int64
			result, taskErr sql.NullString
			cancelledBy     sql.NullString
		)
		if err := rows.Scan(&tr.TaskID, &tr.Kind, &tr.Level, &status, &tr.Attempt,
			&started, &ended, &result, &taskErr, &cancelledBy); err != nil {
			return nil, nil, fmt.Errorf("failed to scan task record: %w", err)
		}

		if err := tr.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, nil, fmt.Errorf("task %s: %w", tr.TaskID, err)
		}
		tr.StartedAt = fromNanos(started)
		tr.EndedAt = fromNanos(ended)
		tr.CancelledBy = cancelledBy.String
		if result.Valid {
			tr.Result = &scheduler.Result{}
			if err := json.Unmarshal([]byte(result.String), tr.Result); err != nil {
				return nil, nil, fmt.Errorf("failed to decode result of %s: %w", tr.TaskID, err)
			}
		}
		if taskErr.Valid {
			tr.Error = &scheduler.TaskError{}
			if err := json.Unmarshal([]byte(taskErr.String), tr.Error); err != nil {
				return nil, nil, fmt.Errorf("failed to decode error of %s: %w", tr.TaskID, err)
			}
		}

		index[tr.TaskID] = len(tasks)
		tasks = append(tasks, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating task records: %w", err)
	}

	return tasks, index, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, runID string, tasks []TaskRecord, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN task_records r ON r.run_id = d.run_id AND r.task_id = d.depends_on_id
		WHERE d.run_id = ?
		ORDER BY r.seq
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}

	return nil
}

func (s *SQLiteStore) loadAttempts(ctx context.Context, runID string, tasks []TaskRecord, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt, started_at, ended_at, error, backoff_ns
		FROM attempts
		WHERE run_id = ?
		ORDER BY task_id, attempt
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			taskID         string
			a              scheduler.AttemptRecord
			started, ended int64
			attemptErr     sql.NullString
			backoff        int64
		)
		if err := rows.Scan(&taskID, &a.Attempt, &started, &ended, &attemptErr, &backoff); err != nil {
			return fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.StartedAt = fromNanos(started)
		a.EndedAt = fromNanos(ended)
		a.Backoff = time.Duration(backoff)
		if attemptErr.Valid {
			a.Error = &scheduler.TaskError{}
			if err := json.Unmarshal([]byte(attemptErr.String), a.Error); err != nil {
				return fmt.Errorf("failed to decode attempt error of %s: %w", taskID, err)
			}
		}
		if i, ok := index[taskID]; ok {
			tasks[i].History = append(tasks[i].History, a)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating attempts: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run            Run
		started, ended int64
		runErr         sql.NullString
	)
	err := row.Scan(&run.ID, &run.Name, &run.Status, &started, &ended,
		&run.Summary.Total, &run.Summary.Completed, &run.Summary.Failed, &run.Summary.Cancelled,
		&run.Summary.Pending, &run.Summary.SuccessRate, &runErr)
	if err != nil {
		return nil, err
	}
	run.StartedAt = fromNanos(started)
	run.EndedAt = fromNanos(ended)
	run.Error = runErr.String
	return &run, nil
}

// runStatus derives the stored status of a run.
func runStatus(sum scheduler.Summary, runErr string) string {
	switch {
	case runErr != "":
		return RunCancelled
	case sum.Succeeded():
		return RunSucceeded
	default:
		return RunFailed
	}
}

// marshalNullable encodes v as JSON, mapping a nil pointer to SQL NULL.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

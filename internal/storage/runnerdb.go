package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/migrations"
)

const (
	writeRetries    = 3
	writeRetryDelay = 25 * time.Millisecond
)

// RunnerDB is the private database of one runner. It records every run
// launched under the runner.
type RunnerDB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenRunnerDB opens (creating if needed) the database at path and applies
// pending migrations.
func OpenRunnerDB(ctx context.Context, path string, logger *slog.Logger) (*RunnerDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create database dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open runner database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping runner database: %w", err)
	}
	if err := runMigrations(ctx, db, migrations.FS, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &RunnerDB{db: db, path: path, logger: logger}, nil
}

// Path returns the database file path.
func (r *RunnerDB) Path() string { return r.path }

// Close releases the database connections.
func (r *RunnerDB) Close() error {
	return r.db.Close()
}

// CreateRun inserts a pending run and returns it with its allocated id.
func (r *RunnerDB) CreateRun(ctx context.Context, runnerID string, args model.RunArgs, endpoints []string) (model.Run, error) {
	run := model.Run{
		RunnerID:   runnerID,
		RunnerArgs: args,
		Endpoints:  endpoints,
		Status:     model.RunStatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: encode run args: %w", err)
	}
	endpointsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: encode run endpoints: %w", err)
	}

	err = WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO runs (runner_id, runner_args, endpoints, status, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runnerID, string(argsJSON), string(endpointsJSON), string(run.Status), formatTime(&run.CreatedAt),
		)
		if err != nil {
			return err
		}
		run.RunID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// ReserveRunIDs makes sure the next run id allocated is greater than last.
// It never lowers the sequence.
func (r *RunnerDB) ReserveRunIDs(ctx context.Context, last int64) error {
	if last <= 0 {
		return nil
	}
	err := WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		// sqlite_sequence gets a row for runs only after the first insert.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sqlite_sequence (name, seq)
			 SELECT 'runs', 0 WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'runs')`,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sqlite_sequence SET seq = ? WHERE name = 'runs' AND seq < ?`, last, last,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("storage: reserve run ids: %w", err)
	}
	return nil
}

// UpdateRun persists the mutable fields of run.
func (r *RunnerDB) UpdateRun(ctx context.Context, run model.Run) error {
	var affected int64
	err := WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE runs SET start_time = ?, end_time = ?, duration = ?, status = ?,
			        error_kind = ?, error_message = ?, result_id = ?
			 WHERE run_id = ?`,
			formatTime(run.StartTime), formatTime(run.EndTime), run.Duration, string(run.Status),
			run.ErrorKind, run.ErrorMessage, run.ResultID, run.RunID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update run %d: %w", run.RunID, err)
	}
	if affected == 0 {
		return fmt.Errorf("storage: run %d: %w", run.RunID, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, runner_id, runner_args, endpoints, start_time, end_time, duration,
	status, error_kind, error_message, result_id, created_at`

// GetRun returns the run with the given id.
func (r *RunnerDB) GetRun(ctx context.Context, runID int64) (model.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %d: %w", runID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run %d: %w", runID, err)
	}
	return run, nil
}

// LatestRun returns the run with the highest id.
func (r *RunnerDB) LatestRun(ctx context.Context) (model.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY run_id DESC LIMIT 1`)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: latest run: %w", ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run in ascending id order.
func (r *RunnerDB) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FailUnfinished marks runs left pending, running or cancelling by a previous
// process as failed. It returns the number of runs changed.
func (r *RunnerDB) FailUnfinished(ctx context.Context, reason string) (int64, error) {
	var n int64
	err := WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, error_kind = 'invariant', error_message = ?
			 WHERE status IN ('pending', 'running', 'cancelling')`,
			string(model.RunStatusFailed), reason,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: fail unfinished runs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (model.Run, error) {
	var (
		run                 model.Run
		argsJSON, endpoints string
		start, end          sql.NullString
		duration            sql.NullInt64
		status, createdAt   string
	)
	if err := s.Scan(
		&run.RunID, &run.RunnerID, &argsJSON, &endpoints, &start, &end, &duration,
		&status, &run.ErrorKind, &run.ErrorMessage, &run.ResultID, &createdAt,
	); err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &run.RunnerArgs); err != nil {
		return model.Run{}, fmt.Errorf("decode runner_args: %w", err)
	}
	if err := json.Unmarshal([]byte(endpoints), &run.Endpoints); err != nil {
		return model.Run{}, fmt.Errorf("decode endpoints: %w", err)
	}
	run.Status = model.RunStatus(status)
	var err error
	if run.StartTime, err = parseTime(start); err != nil {
		return model.Run{}, err
	}
	if run.EndTime, err = parseTime(end); err != nil {
		return model.Run{}, err
	}
	if duration.Valid {
		d := duration.Int64
		run.Duration = &d
	}
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return model.Run{}, fmt.Errorf("decode created_at: %w", err)
	}
	run.CreatedAt = created
	return run, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, fmt.Errorf("decode time %q: %w", s.String, err)
	}
	return &t, nil
}

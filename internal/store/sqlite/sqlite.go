// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/retry"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ store.ExecutionStore  = (*Store)(nil)
	_ store.StepResultStore = (*Store)(nil)
	_ store.SignalStore     = (*Store)(nil)
	_ store.StreamStore     = (*Store)(nil)
	_ store.LockStore       = (*Store)(nil)
	_ store.WakeupStore     = (*Store)(nil)
	_ store.WorkflowStore   = (*Store)(nil)
	_ store.Store           = (*Store)(nil)
)

// Store is a SQLite storage backend.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	policy retry.Policy
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Logger receives retry warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:     db,
		logger: log.WithComponent(logger, "store"),
		policy: retry.DefaultPolicy(),
	}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			last_error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at_epoch_ms INTEGER,
			completed_at_epoch_ms INTEGER,
			start_at_epoch_ms INTEGER NOT NULL DEFAULT 0,
			deadline_at_epoch_ms INTEGER,
			locked_at_epoch_ms INTEGER,
			locked_until_epoch_ms INTEGER,
			lock_id TEXT,
			parent_execution_id TEXT,
			runtime_context TEXT,
			created_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_start
			ON workflow_executions(status, start_at_epoch_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow
			ON workflow_executions(workflow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS execution_step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			started_at_epoch_ms INTEGER NOT NULL,
			completed_at_epoch_ms INTEGER,
			output TEXT,
			error TEXT,
			PRIMARY KEY (execution_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS step_stream_chunks (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_data TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (execution_id, step_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_signals (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			name TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			consumed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending
			ON workflow_signals(execution_id, name, consumed_at)`,
		`CREATE TABLE IF NOT EXISTS execution_wakeups (
			execution_id TEXT PRIMARY KEY,
			wake_at_epoch_ms INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wakeups_due
			ON execution_wakeups(wake_at_epoch_ms)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}

// withRetry wraps a mutating statement so transient SQLite contention
// ("database is locked") is retried with backoff.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, s.policy, s.logger, op, func() error {
		return fn(ctx)
	})
}

const executionColumns = `id, workflow_id, status, input, output, error, last_error,
	retry_count, max_retries, created_at, updated_at,
	started_at_epoch_ms, completed_at_epoch_ms, start_at_epoch_ms, deadline_at_epoch_ms,
	locked_at_epoch_ms, locked_until_epoch_ms, lock_id,
	parent_execution_id, runtime_context, created_by`

// CreateExecution inserts a new enqueued execution.
func (s *Store) CreateExecution(ctx context.Context, req store.CreateExecutionRequest) (*store.Execution, error) {
	inputJSON, err := marshalJSON(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	runtimeJSON, err := marshalJSON(req.RuntimeContext)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runtime_context: %w", err)
	}

	now := time.Now()
	exec := &store.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        req.WorkflowID,
		Status:            store.StatusEnqueued,
		Input:             req.Input,
		MaxRetries:        req.MaxRetries,
		CreatedAt:         now,
		UpdatedAt:         now,
		StartAtEpochMs:    req.StartAtEpochMs,
		ParentExecutionID: req.ParentExecutionID,
		RuntimeContext:    req.RuntimeContext,
		CreatedBy:         req.CreatedBy,
	}
	if req.TimeoutMs > 0 {
		deadline := now.UnixMilli() + req.TimeoutMs
		exec.DeadlineAtEpochMs = &deadline
	}

	query := `
		INSERT INTO workflow_executions (id, workflow_id, status, input, retry_count, max_retries,
			created_at, updated_at, start_at_epoch_ms, deadline_at_epoch_ms,
			parent_execution_id, runtime_context, created_by)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = s.withRetry(ctx, "create execution", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			exec.ID, exec.WorkflowID, exec.Status, inputJSON, exec.MaxRetries,
			now.Format(time.RFC3339), now.Format(time.RFC3339),
			exec.StartAtEpochMs, nullInt64(exec.DeadlineAtEpochMs),
			nullString(exec.ParentExecutionID), runtimeJSON, nullString(exec.CreatedBy),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	return exec, nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution applies a partial update and returns the new row.
func (s *Store) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) (*store.Execution, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Format(time.RFC3339)}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Output != nil {
		outputJSON, err := marshalJSON(*update.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, outputJSON)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*update.Error))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullString(*update.LastError))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.StartedAtEpochMs != nil {
		sets = append(sets, "started_at_epoch_ms = ?")
		args = append(args, *update.StartedAtEpochMs)
	}
	if update.CompletedAtEpochMs != nil {
		sets = append(sets, "completed_at_epoch_ms = ?")
		args = append(args, *update.CompletedAtEpochMs)
	}

	args = append(args, id)
	query := "UPDATE workflow_executions SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	err := s.withRetry(ctx, "update execution", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil
	})
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	return s.GetExecution(ctx, id)
}

// CancelExecution flips an enqueued or running execution to cancelled.
// Returns (nil, nil) when the current status does not permit cancellation.
func (s *Store) CancelExecution(ctx context.Context, id string) (*store.Execution, error) {
	now := time.Now()
	query := `
		UPDATE workflow_executions
		SET status = ?, completed_at_epoch_ms = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`

	var affected int64
	err := s.withRetry(ctx, "cancel execution", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			store.StatusCancelled, now.UnixMilli(), now.Format(time.RFC3339),
			id, store.StatusEnqueued, store.StatusRunning,
		)
		if err != nil {
			return err
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.GetExecution(ctx, id)
}

// ResumeExecution flips a cancelled execution back to enqueued, clearing the
// completion timestamp and any stale lock. Returns (nil, nil) when the
// execution is not cancelled.
func (s *Store) ResumeExecution(ctx context.Context, id string) (*store.Execution, error) {
	now := time.Now()
	query := `
		UPDATE workflow_executions
		SET status = ?, completed_at_epoch_ms = NULL, error = NULL,
			locked_at_epoch_ms = NULL, locked_until_epoch_ms = NULL, lock_id = NULL,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	var affected int64
	err := s.withRetry(ctx, "resume execution", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			store.StatusEnqueued, now.Format(time.RFC3339), id, store.StatusCancelled,
		)
		if err != nil {
			return err
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resume execution: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.GetExecution(ctx, id)
}

// ListExecutions lists executions with optional filtering.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var conds []string
	var args []any

	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*store.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// ProcessEnqueued atomically flips every enqueued execution whose start time
// has passed to running and returns their ids.
func (s *Store) ProcessEnqueued(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "process enqueued", func(ctx context.Context) error {
		ids = ids[:0]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM workflow_executions WHERE status = ? AND start_at_epoch_ms <= ?`,
			store.StatusEnqueued, now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE workflow_executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				store.StatusRunning, now.Format(time.RFC3339), id, store.StatusEnqueued,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process enqueued executions: %w", err)
	}
	return ids, nil
}

// CreateStepResult claims the (executionID, step) checkpoint. created reports
// whether this caller inserted the row; on conflict the existing row wins.
func (s *Store) CreateStepResult(ctx context.Context, executionID, step string) (*store.StepResult, bool, error) {
	now := time.Now().UnixMilli()
	query := `
		INSERT INTO execution_step_results (execution_id, step_id, started_at_epoch_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(execution_id, step_id) DO NOTHING
	`

	var created bool
	err := s.withRetry(ctx, "create step result", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, executionID, step, now)
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		created = affected > 0
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create step result: %w", err)
	}

	row, err := s.GetStepResult(ctx, executionID, step)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, fmt.Errorf("step result vanished after insert: %s/%s", executionID, step)
	}
	return row, created, nil
}

// CompleteStepResult records the step outcome. The write is guarded by
// completed_at_epoch_ms IS NULL so a finished outcome is immutable; when the
// guard loses, the already recorded outcome is returned.
func (s *Store) CompleteStepResult(ctx context.Context, executionID, step string, output any, stepErr string) (*store.StepResult, error) {
	outputJSON, err := marshalJSON(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step output: %w", err)
	}

	query := `
		UPDATE execution_step_results
		SET completed_at_epoch_ms = ?, output = ?, error = ?
		WHERE execution_id = ? AND step_id = ? AND completed_at_epoch_ms IS NULL
	`

	err = s.withRetry(ctx, "complete step result", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			time.Now().UnixMilli(), outputJSON, nullString(stepErr), executionID, step)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete step result: %w", err)
	}

	row, err := s.GetStepResult(ctx, executionID, step)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &errors.NotFoundError{Resource: "step result", ID: executionID + "/" + step}
	}
	return row, nil
}

// ReleaseStepResult deletes an incomplete checkpoint row. Completed rows
// are immutable and never removed.
func (s *Store) ReleaseStepResult(ctx context.Context, executionID, step string) error {
	err := s.withRetry(ctx, "release step result", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM execution_step_results
			WHERE execution_id = ? AND step_id = ? AND completed_at_epoch_ms IS NULL
		`, executionID, step)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release step result: %w", err)
	}
	return nil
}

// GetStepResult retrieves one checkpoint row, or (nil, nil) if absent.
func (s *Store) GetStepResult(ctx context.Context, executionID, step string) (*store.StepResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		FROM execution_step_results WHERE execution_id = ? AND step_id = ?
	`, executionID, step)

	result, err := scanStepResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step result: %w", err)
	}
	return result, nil
}

// GetStepResults retrieves all checkpoint rows for an execution.
func (s *Store) GetStepResults(ctx context.Context, executionID string) ([]*store.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		FROM execution_step_results WHERE execution_id = ? ORDER BY started_at_epoch_ms, step_id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []*store.StepResult
	for rows.Next() {
		result, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// SendSignal records a signal for an execution.
func (s *Store) SendSignal(ctx context.Context, executionID, name string, payload any) (*store.Signal, error) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	sig := &store.Signal{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Name:        name,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}

	err = s.withRetry(ctx, "send signal", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_signals (id, execution_id, name, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sig.ID, sig.ExecutionID, sig.Name, payloadJSON, sig.CreatedAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send signal: %w", err)
	}
	return sig, nil
}

// ConsumeSignal atomically consumes the oldest unconsumed signal with the
// given name, or returns (nil, nil) when none is pending.
func (s *Store) ConsumeSignal(ctx context.Context, executionID, name string) (*store.Signal, error) {
	var sig *store.Signal
	err := s.withRetry(ctx, "consume signal", func(ctx context.Context) error {
		sig = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT id, execution_id, name, payload, created_at
			FROM workflow_signals
			WHERE execution_id = ? AND name = ? AND consumed_at IS NULL
			ORDER BY created_at, id LIMIT 1
		`, executionID, name)

		var id, execID, sigName, createdAt string
		var payloadJSON sql.NullString
		if err := row.Scan(&id, &execID, &sigName, &payloadJSON, &createdAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}

		consumedAt := time.Now()
		result, err := tx.ExecContext(ctx, `
			UPDATE workflow_signals SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL
		`, consumedAt.Format(time.RFC3339Nano), id)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			// Lost the race to another consumer.
			return nil
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		sig = &store.Signal{ID: id, ExecutionID: execID, Name: sigName, ConsumedAt: &consumedAt}
		sig.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &sig.Payload); err != nil {
				return fmt.Errorf("failed to unmarshal signal payload: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume signal: %w", err)
	}
	return sig, nil
}

// WriteStreamChunk appends one unit of incremental step output.
func (s *Store) WriteStreamChunk(ctx context.Context, executionID, step string, index int, data any) error {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	err = s.withRetry(ctx, "write stream chunk", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO step_stream_chunks (execution_id, step_id, chunk_index, chunk_data, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(execution_id, step_id, chunk_index) DO NOTHING
		`, executionID, step, index, dataJSON, time.Now().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write stream chunk: %w", err)
	}
	return nil
}

// GetStreamChunks returns chunks newer than lastSeen (step -> highest seen
// index), ordered by creation.
func (s *Store) GetStreamChunks(ctx context.Context, executionID string, lastSeen map[string]int) ([]*store.StreamChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, step_id, chunk_index, chunk_data, created_at
		FROM step_stream_chunks WHERE execution_id = ?
		ORDER BY created_at, chunk_index
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*store.StreamChunk
	for rows.Next() {
		var chunk store.StreamChunk
		var dataJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&chunk.ExecutionID, &chunk.Step, &chunk.Index, &dataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan stream chunk: %w", err)
		}
		if last, ok := lastSeen[chunk.Step]; ok && chunk.Index <= last {
			continue
		}
		chunk.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &chunk.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk: %w", err)
			}
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// DeleteStreamChunks removes all chunks for an execution.
func (s *Store) DeleteStreamChunks(ctx context.Context, executionID string) error {
	err := s.withRetry(ctx, "delete stream chunks", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM step_stream_chunks WHERE execution_id = ?`, executionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete stream chunks: %w", err)
	}
	return nil
}

// AcquireLock reserves the execution for lockID until now+duration. The
// guard admits only unlocked or expired rows in a live status, which makes
// the claim a compare-and-set.
func (s *Store) AcquireLock(ctx context.Context, executionID, lockID string, duration time.Duration) (bool, error) {
	now := time.Now()
	query := `
		UPDATE workflow_executions
		SET locked_at_epoch_ms = ?, locked_until_epoch_ms = ?, lock_id = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
			AND (locked_until_epoch_ms IS NULL OR locked_until_epoch_ms < ?)
	`

	var acquired bool
	err := s.withRetry(ctx, "acquire lock", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			now.UnixMilli(), now.Add(duration).UnixMilli(), lockID, now.Format(time.RFC3339),
			executionID, store.StatusEnqueued, store.StatusRunning, now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		acquired = affected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return acquired, nil
}

// ExtendLock renews locked_until when lockID still holds the lock.
func (s *Store) ExtendLock(ctx context.Context, executionID, lockID string, duration time.Duration) (bool, error) {
	now := time.Now()
	var extended bool
	err := s.withRetry(ctx, "extend lock", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE workflow_executions
			SET locked_until_epoch_ms = ?, updated_at = ?
			WHERE id = ? AND lock_id = ? AND locked_until_epoch_ms >= ?
		`, now.Add(duration).UnixMilli(), now.Format(time.RFC3339), executionID, lockID, now.UnixMilli())
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		extended = affected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	return extended, nil
}

// ReleaseLock clears the lock when lockID holds it; otherwise no-op.
func (s *Store) ReleaseLock(ctx context.Context, executionID, lockID string) error {
	err := s.withRetry(ctx, "release lock", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_executions
			SET locked_at_epoch_ms = NULL, locked_until_epoch_ms = NULL, lock_id = NULL, updated_at = ?
			WHERE id = ? AND lock_id = ?
		`, time.Now().Format(time.RFC3339), executionID, lockID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ScheduleWakeup upserts the wake time, keeping the earliest of the existing
// and new times so a sleep never pushes back an already due re-entry.
func (s *Store) ScheduleWakeup(ctx context.Context, executionID string, wakeAtEpochMs int64, retryCount int) error {
	err := s.withRetry(ctx, "schedule wakeup", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO execution_wakeups (execution_id, wake_at_epoch_ms, retry_count)
			VALUES (?, ?, ?)
			ON CONFLICT(execution_id) DO UPDATE SET
				wake_at_epoch_ms = MIN(wake_at_epoch_ms, excluded.wake_at_epoch_ms),
				retry_count = excluded.retry_count
		`, executionID, wakeAtEpochMs, retryCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to schedule wakeup: %w", err)
	}
	return nil
}

// DueWakeups removes and returns every wakeup due at now.
func (s *Store) DueWakeups(ctx context.Context, now time.Time) ([]*store.Wakeup, error) {
	var due []*store.Wakeup
	err := s.withRetry(ctx, "collect due wakeups", func(ctx context.Context) error {
		due = due[:0]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
			SELECT execution_id, wake_at_epoch_ms, retry_count
			FROM execution_wakeups WHERE wake_at_epoch_ms <= ?
			ORDER BY wake_at_epoch_ms
		`, now.UnixMilli())
		if err != nil {
			return err
		}
		for rows.Next() {
			var w store.Wakeup
			if err := rows.Scan(&w.ExecutionID, &w.WakeAtEpochMs, &w.RetryCount); err != nil {
				rows.Close()
				return err
			}
			due = append(due, &w)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, w := range due {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM execution_wakeups WHERE execution_id = ?`, w.ExecutionID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect due wakeups: %w", err)
	}
	return due, nil
}

// GetWakeup returns the pending wakeup for an execution without consuming
// it, or (nil, nil) when none is scheduled.
func (s *Store) GetWakeup(ctx context.Context, executionID string) (*store.Wakeup, error) {
	var w store.Wakeup
	found := false
	err := s.withRetry(ctx, "get wakeup", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT execution_id, wake_at_epoch_ms, retry_count
			FROM execution_wakeups WHERE execution_id = ?
		`, executionID)
		err := row.Scan(&w.ExecutionID, &w.WakeAtEpochMs, &w.RetryCount)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get wakeup: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &w, nil
}

// PutWorkflow stores a workflow definition, replacing any previous version.
func (s *Store) PutWorkflow(ctx context.Context, def *workflow.Definition) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	err = s.withRetry(ctx, "put workflow", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflows (id, definition, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
		`, def.ID, string(defJSON), time.Now().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to put workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ?`, id).Scan(&defJSON)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	def.NormalizeTemplates()
	return &def, nil
}

// ListWorkflows lists all stored workflow definitions.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		var defJSON string
		if err := rows.Scan(&defJSON); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var def workflow.Definition
		if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		def.NormalizeTemplates()
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var exec store.Execution
	var inputJSON, outputJSON, runtimeJSON sql.NullString
	var errStr, lastErr, lockID, parentID, createdBy sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt, deadlineAt, lockedAt, lockedUntil sql.NullInt64

	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.Status, &inputJSON, &outputJSON, &errStr, &lastErr,
		&exec.RetryCount, &exec.MaxRetries, &createdAt, &updatedAt,
		&startedAt, &completedAt, &exec.StartAtEpochMs, &deadlineAt,
		&lockedAt, &lockedUntil, &lockID,
		&parentID, &runtimeJSON, &createdBy,
	)
	if err != nil {
		return nil, err
	}

	exec.Error = errStr.String
	exec.LastError = lastErr.String
	exec.LockID = lockID.String
	exec.ParentExecutionID = parentID.String
	exec.CreatedBy = createdBy.String

	exec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	exec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	exec.StartedAtEpochMs = intPtr(startedAt)
	exec.CompletedAtEpochMs = intPtr(completedAt)
	exec.DeadlineAtEpochMs = intPtr(deadlineAt)
	if lockedAt.Valid {
		t := time.UnixMilli(lockedAt.Int64)
		exec.LockedAt = &t
	}
	if lockedUntil.Valid {
		t := time.UnixMilli(lockedUntil.Int64)
		exec.LockedUntil = &t
	}

	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &exec.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &exec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if runtimeJSON.Valid && runtimeJSON.String != "" {
		if err := json.Unmarshal([]byte(runtimeJSON.String), &exec.RuntimeContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runtime_context: %w", err)
		}
	}

	return &exec, nil
}

func scanStepResult(row rowScanner) (*store.StepResult, error) {
	var result store.StepResult
	var completedAt sql.NullInt64
	var outputJSON, errStr sql.NullString

	err := row.Scan(&result.ExecutionID, &result.Step, &result.StartedAtEpochMs,
		&completedAt, &outputJSON, &errStr)
	if err != nil {
		return nil, err
	}

	result.CompletedAtEpochMs = intPtr(completedAt)
	result.Error = errStr.String
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &result.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
	}
	return &result, nil
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

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

// Package store defines persistent storage for workflow executions.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components can declare minimal
// requirements:
//
//   - ExecutionStore (core): execution rows and their atomic transitions
//   - StepResultStore: per-step checkpoint rows
//   - SignalStore: named signals, consumed at most once
//   - StreamStore: incremental step output chunks
//   - LockStore: optimistic time-bounded execution locks
//   - WakeupStore: persisted delayed re-entries
//   - WorkflowStore: workflow definitions
//
// The Store interface composes all of these plus io.Closer.
package store

import (
	"context"
	"io"
	"time"

	"github.com/tombee/stepflow/pkg/workflow"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	// StatusEnqueued means the execution is waiting for its first delivery.
	StatusEnqueued Status = "enqueued"
	// StatusRunning means at least one delivery has started the execution.
	StatusRunning Status = "running"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"
	// StatusCancelled was set by an operator. Revivable via resume.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is sticky for deliveries. Cancelled
// executions can still be revived through ResumeExecution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is one run of a workflow.
type Execution struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Status     Status `json:"status"`
	Input      any    `json:"input,omitempty"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	StartedAtEpochMs   *int64    `json:"started_at_epoch_ms,omitempty"`
	CompletedAtEpochMs *int64    `json:"completed_at_epoch_ms,omitempty"`
	StartAtEpochMs     int64     `json:"start_at_epoch_ms"`
	DeadlineAtEpochMs  *int64    `json:"deadline_at_epoch_ms,omitempty"`

	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockID      string     `json:"lock_id,omitempty"`

	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	RuntimeContext    map[string]any `json:"runtime_context,omitempty"`
	CreatedBy         string         `json:"created_by,omitempty"`
}

// Locked reports whether the row currently holds an unexpired lock.
func (e *Execution) Locked(now time.Time) bool {
	return e.LockedUntil != nil && e.LockedUntil.After(now)
}

// CreateExecutionRequest carries the parameters for a new execution.
type CreateExecutionRequest struct {
	WorkflowID        string
	Input             any
	TimeoutMs         int64
	StartAtEpochMs    int64
	MaxRetries        int
	ParentExecutionID string
	RuntimeContext    map[string]any
	CreatedBy         string
}

// ExecutionUpdate is a partial update of an execution row. Nil fields are
// left unchanged.
type ExecutionUpdate struct {
	Status             *Status
	Output             *any
	Error              *string
	LastError          *string
	RetryCount         *int
	StartedAtEpochMs   *int64
	CompletedAtEpochMs *int64
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	WorkflowID string
	Status     Status
	Limit      int
	Offset     int
}

// StepResult is the per-step checkpoint row. Its existence marks a step as
// claimed; a set CompletedAtEpochMs marks its outcome immutable.
type StepResult struct {
	ExecutionID        string `json:"execution_id"`
	Step               string `json:"step_id"`
	StartedAtEpochMs   int64  `json:"started_at_epoch_ms"`
	CompletedAtEpochMs *int64 `json:"completed_at_epoch_ms,omitempty"`
	Output             any    `json:"output,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Completed reports whether the step's outcome is recorded.
func (r *StepResult) Completed() bool {
	return r.CompletedAtEpochMs != nil
}

// Failed reports whether the completed step recorded an error.
func (r *StepResult) Failed() bool {
	return r.Completed() && r.Error != ""
}

// Signal is a named external event delivered to one execution and consumed
// at most once.
type Signal struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	Payload     any        `json:"payload,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// StreamChunk is one unit of incremental step output.
type StreamChunk struct {
	ExecutionID string    `json:"execution_id"`
	Step        string    `json:"step_id"`
	Index       int       `json:"chunk_index"`
	Data        any       `json:"chunk_data"`
	CreatedAt   time.Time `json:"created_at"`
}

// Wakeup is a persisted delayed re-entry for an execution.
type Wakeup struct {
	ExecutionID   string `json:"execution_id"`
	WakeAtEpochMs int64  `json:"wake_at_epoch_ms"`
	RetryCount    int    `json:"retry_count"`
}

// ExecutionStore is the core interface for execution rows.
type ExecutionStore interface {
	// CreateExecution inserts a new enqueued execution.
	CreateExecution(ctx context.Context, req CreateExecutionRequest) (*Execution, error)

	// GetExecution retrieves an execution. Returns *errors.NotFoundError
	// when the id is unknown.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecution applies a partial update and returns the new row.
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*Execution, error)

	// CancelExecution flips an enqueued or running execution to cancelled.
	// Returns (nil, nil) when the status does not permit cancellation.
	CancelExecution(ctx context.Context, id string) (*Execution, error)

	// ResumeExecution flips a cancelled execution back to enqueued and
	// clears its completion timestamp. Returns (nil, nil) when the
	// execution is not cancelled.
	ResumeExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions lists executions ordered by created_at DESC, id DESC.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// ProcessEnqueued atomically flips every enqueued execution whose
	// start_at_epoch_ms has passed to running and returns their ids.
	ProcessEnqueued(ctx context.Context, now time.Time) ([]string, error)
}

// StepResultStore manages per-step checkpoint rows.
type StepResultStore interface {
	// CreateStepResult claims the (executionID, step) checkpoint with
	// INSERT ... ON CONFLICT DO NOTHING. created reports whether this
	// caller won the race; on conflict the existing row is returned.
	CreateStepResult(ctx context.Context, executionID, step string) (result *StepResult, created bool, err error)

	// CompleteStepResult records the step outcome. Guarded by
	// completed_at_epoch_ms IS NULL; when the row is already completed the
	// existing outcome is returned unchanged.
	CompleteStepResult(ctx context.Context, executionID, step string, output any, stepErr string) (*StepResult, error)

	// ReleaseStepResult deletes the checkpoint row only while it is
	// incomplete, letting a later delivery re-claim a step whose attempt
	// failed retryably. Completed rows are never deleted.
	ReleaseStepResult(ctx context.Context, executionID, step string) error

	// GetStepResult retrieves one checkpoint row, or (nil, nil) if absent.
	GetStepResult(ctx context.Context, executionID, step string) (*StepResult, error)

	// GetStepResults retrieves all checkpoint rows for an execution.
	GetStepResults(ctx context.Context, executionID string) ([]*StepResult, error)
}

// SignalStore manages named signals.
type SignalStore interface {
	// SendSignal records a signal for an execution.
	SendSignal(ctx context.Context, executionID, name string, payload any) (*Signal, error)

	// ConsumeSignal atomically consumes the oldest unconsumed signal with
	// the given name, or returns (nil, nil) when none is pending.
	ConsumeSignal(ctx context.Context, executionID, name string) (*Signal, error)
}

// StreamStore manages incremental step output chunks.
type StreamStore interface {
	WriteStreamChunk(ctx context.Context, executionID, step string, index int, data any) error

	// GetStreamChunks returns chunks newer than lastSeen (step -> highest
	// seen index), ordered by (created_at, chunk_index).
	GetStreamChunks(ctx context.Context, executionID string, lastSeen map[string]int) ([]*StreamChunk, error)

	DeleteStreamChunks(ctx context.Context, executionID string) error
}

// LockStore implements optimistic, time-bounded row locks on executions.
type LockStore interface {
	// AcquireLock reserves the execution for lockID until now+duration.
	// Succeeds only when the row is unlocked or its lock has expired, and
	// the status is enqueued or running.
	AcquireLock(ctx context.Context, executionID, lockID string, duration time.Duration) (bool, error)

	// ExtendLock renews locked_until. No-op (false) when lockID does not
	// hold the lock.
	ExtendLock(ctx context.Context, executionID, lockID string, duration time.Duration) (bool, error)

	// ReleaseLock clears the lock when lockID holds it; otherwise no-op.
	ReleaseLock(ctx context.Context, executionID, lockID string) error
}

// WakeupStore persists delayed re-entries so they survive restarts.
type WakeupStore interface {
	// ScheduleWakeup upserts the wake time for an execution, keeping the
	// earliest of the existing and the new time.
	ScheduleWakeup(ctx context.Context, executionID string, wakeAtEpochMs int64, retryCount int) error

	// DueWakeups removes and returns every wakeup due at now.
	DueWakeups(ctx context.Context, now time.Time) ([]*Wakeup, error)

	// GetWakeup returns the pending wakeup for an execution without
	// consuming it, or (nil, nil) when none is scheduled.
	GetWakeup(ctx context.Context, executionID string) (*Wakeup, error)
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	PutWorkflow(ctx context.Context, def *workflow.Definition) error

	// GetWorkflow returns *errors.NotFoundError for unknown ids.
	GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error)

	ListWorkflows(ctx context.Context) ([]*workflow.Definition, error)
}

// Store composes every storage capability plus lifecycle management.
type Store interface {
	ExecutionStore
	StepResultStore
	SignalStore
	StreamStore
	LockStore
	WakeupStore
	WorkflowStore
	io.Closer
}

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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{Path: filepath.Join(t.TempDir(), "stepflow.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestExecution(t *testing.T, s *Store) *store.Execution {
	t.Helper()

	exec, err := s.CreateExecution(context.Background(), store.CreateExecutionRequest{
		WorkflowID: "wf-test",
		Input:      map[string]any{"orderId": "o-1"},
	})
	require.NoError(t, err)
	return exec
}

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := createTestExecution(t, s)
	assert.Equal(t, store.StatusEnqueued, exec.Status)
	assert.NotEmpty(t, exec.ID)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "wf-test", got.WorkflowID)
	assert.Equal(t, map[string]any{"orderId": "o-1"}, got.Input)
	assert.Nil(t, got.CompletedAtEpochMs)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "nope")
	require.Error(t, err)

	var notFound *errors.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestUpdateExecutionPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	running := store.StatusRunning
	started := time.Now().UnixMilli()
	got, err := s.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:           &running,
		StartedAtEpochMs: &started,
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAtEpochMs)

	// Untouched fields survive.
	assert.Equal(t, map[string]any{"orderId": "o-1"}, got.Input)
}

func TestCancelAndResumeExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	cancelled, err := s.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, store.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAtEpochMs)

	// Cancelling a cancelled execution is a no-op.
	again, err := s.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	resumed, err := s.ResumeExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, store.StatusEnqueued, resumed.Status)
	assert.Nil(t, resumed.CompletedAtEpochMs)

	// Resuming a non-cancelled execution is a no-op.
	again, err = s.ResumeExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCancelCompletedExecutionNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	completed := store.StatusCompleted
	_, err := s.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &completed})
	require.NoError(t, err)

	got, err := s.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProcessEnqueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := createTestExecution(t, s)

	future, err := s.CreateExecution(ctx, store.CreateExecutionRequest{
		WorkflowID:     "wf-test",
		StartAtEpochMs: time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	ids, err := s.ProcessEnqueued(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, ids)

	got, err := s.GetExecution(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)

	got, err = s.GetExecution(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnqueued, got.Status)

	// Already flipped rows are not returned again.
	ids, err = s.ProcessEnqueued(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListExecutionsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestExecution(t, s)
	createTestExecution(t, s)

	completed := store.StatusCompleted
	_, err := s.UpdateExecution(ctx, a.ID, store.ExecutionUpdate{Status: &completed})
	require.NoError(t, err)

	all, err := s.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf-test"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := s.ListExecutions(ctx, store.ExecutionFilter{Status: store.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)
}

func TestCreateStepResultClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	first, created, err := s.CreateStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, first.Completed())

	second, created, err := s.CreateStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	assert.False(t, created, "second claim must lose")
	assert.Equal(t, first.StartedAtEpochMs, second.StartedAtEpochMs)
}

func TestCompleteStepResultImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	_, _, err := s.CreateStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)

	done, err := s.CompleteStepResult(ctx, exec.ID, "fetch", map[string]any{"total": float64(10)}, "")
	require.NoError(t, err)
	require.True(t, done.Completed())
	assert.Equal(t, map[string]any{"total": float64(10)}, done.Output)

	// A later write must not overwrite the recorded outcome.
	again, err := s.CompleteStepResult(ctx, exec.ID, "fetch", map[string]any{"total": float64(99)}, "boom")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": float64(10)}, again.Output)
	assert.Empty(t, again.Error)
	assert.Equal(t, done.CompletedAtEpochMs, again.CompletedAtEpochMs)
}

func TestReleaseStepResultOnlyWhileIncomplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	_, _, err := s.CreateStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseStepResult(ctx, exec.ID, "fetch"))

	gone, err := s.GetStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Completed rows survive a release attempt.
	_, _, err = s.CreateStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	_, err = s.CompleteStepResult(ctx, exec.ID, "fetch", "done", "")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseStepResult(ctx, exec.ID, "fetch"))

	kept, err := s.GetStepResult(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.True(t, kept.Completed())
}

func TestGetStepResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	for _, step := range []string{"a", "b"} {
		_, _, err := s.CreateStepResult(ctx, exec.ID, step)
		require.NoError(t, err)
	}

	missing, err := s.GetStepResult(ctx, exec.ID, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)

	results, err := s.GetStepResults(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSignalsConsumedAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	_, err := s.SendSignal(ctx, exec.ID, "approve", map[string]any{"by": "ada"})
	require.NoError(t, err)
	_, err = s.SendSignal(ctx, exec.ID, "approve", map[string]any{"by": "grace"})
	require.NoError(t, err)

	first, err := s.ConsumeSignal(ctx, exec.ID, "approve")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, map[string]any{"by": "ada"}, first.Payload, "oldest signal first")

	second, err := s.ConsumeSignal(ctx, exec.ID, "approve")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, map[string]any{"by": "grace"}, second.Payload)

	none, err := s.ConsumeSignal(ctx, exec.ID, "approve")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConsumeSignalWrongNameLeavesPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	_, err := s.SendSignal(ctx, exec.ID, "approve", nil)
	require.NoError(t, err)

	got, err := s.ConsumeSignal(ctx, exec.ID, "reject")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.ConsumeSignal(ctx, exec.ID, "approve")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStreamChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteStreamChunk(ctx, exec.ID, "generate", i, map[string]any{"n": float64(i)}))
	}

	chunks, err := s.GetStreamChunks(ctx, exec.ID, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Index)

	// Incremental read skips already seen indexes.
	chunks, err = s.GetStreamChunks(ctx, exec.ID, map[string]int{"generate": 1})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].Index)

	require.NoError(t, s.DeleteStreamChunks(ctx, exec.ID))
	chunks, err = s.GetStreamChunks(ctx, exec.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestAcquireLockExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	ok, err := s.AcquireLock(ctx, exec.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, exec.ID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be stolen")

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.LockID)
	assert.True(t, got.Locked(time.Now()))
}

func TestAcquireLockAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	ok, err := s.AcquireLock(ctx, exec.ID, "worker-1", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The expired lock can be claimed by another worker.
	ok, err = s.AcquireLock(ctx, exec.ID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtendAndReleaseLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	ok, err := s.AcquireLock(ctx, exec.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ExtendLock(ctx, exec.ID, "worker-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ExtendLock(ctx, exec.ID, "worker-2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder can extend")

	// Releasing with the wrong id is a no-op.
	require.NoError(t, s.ReleaseLock(ctx, exec.ID, "worker-2"))
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.LockID)

	require.NoError(t, s.ReleaseLock(ctx, exec.ID, "worker-1"))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockID)
	assert.False(t, got.Locked(time.Now()))
}

func TestLockRequiresLiveStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s)

	_, err := s.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)

	ok, err := s.AcquireLock(ctx, exec.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWakeupsKeepEarliest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.ScheduleWakeup(ctx, "exec-1", now.Add(time.Minute).UnixMilli(), 0))
	require.NoError(t, s.ScheduleWakeup(ctx, "exec-1", now.Add(time.Hour).UnixMilli(), 1))

	// Nothing is due yet.
	due, err := s.DueWakeups(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueWakeups(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "exec-1", due[0].ExecutionID)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), due[0].WakeAtEpochMs)
	assert.Equal(t, 1, due[0].RetryCount)

	// Due rows are consumed.
	due, err = s.DueWakeups(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestGetWakeupPeeksWithoutConsuming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetWakeup(ctx, "exec-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	wakeAt := time.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, s.ScheduleWakeup(ctx, "exec-1", wakeAt, 2))

	got, err = s.GetWakeup(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wakeAt, got.WakeAtEpochMs)
	assert.Equal(t, 2, got.RetryCount)

	// Peeking leaves the row in place.
	got, err = s.GetWakeup(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := workflow.ParseDefinition([]byte(`
id: wf-round
title: Round trip
steps:
  - name: only
    action: {type: code, source: "1"}
`))
	require.NoError(t, err)

	require.NoError(t, s.PutWorkflow(ctx, def))

	got, err := s.GetWorkflow(ctx, "wf-round")
	require.NoError(t, err)
	assert.Equal(t, "wf-round", got.ID)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, workflow.ActionCode, got.Steps[0].Action.Type)

	defs, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	_, err = s.GetWorkflow(ctx, "nope")
	var notFound *errors.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

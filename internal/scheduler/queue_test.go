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

package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/internal/store/sqlite"
	"github.com/tombee/stepflow/pkg/errors"
)

type scriptedDeliverer struct {
	mu      sync.Mutex
	calls   []Delivery
	results map[string]*engine.Result
	errs    map[string]error
}

func newScriptedDeliverer() *scriptedDeliverer {
	return &scriptedDeliverer{
		results: make(map[string]*engine.Result),
		errs:    make(map[string]error),
	}
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, executionID string, retryCount int) (*engine.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Delivery{ExecutionID: executionID, RetryCount: retryCount})
	if err, ok := d.errs[executionID]; ok {
		return nil, err
	}
	if res, ok := d.results[executionID]; ok {
		return res, nil
	}
	return &engine.Result{Kind: engine.KindCompleted, ExecutionID: executionID}, nil
}

func (d *scriptedDeliverer) delivered() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.calls...)
}

func newTestQueue(t *testing.T) (*Queue, *sqlite.Store, *scriptedDeliverer) {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "scheduler.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := newScriptedDeliverer()
	q := NewQueue(QueueConfig{Store: s, Deliverer: d})
	return q, s, d
}

// sweepAndWait forces one sweep pass and waits for the spawned deliveries.
func sweepAndWait(q *Queue) {
	q.Sweep(context.Background())
	q.wg.Wait()
}

func TestQueueDeliversDueWakeup(t *testing.T) {
	q, _, d := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.ScheduleAfter(ctx, "e1", 0, 3))
	sweepAndWait(q)

	calls := d.delivered()
	require.Len(t, calls, 1)
	assert.Equal(t, "e1", calls[0].ExecutionID)
	assert.Equal(t, 3, calls[0].RetryCount)

	// The wakeup row was consumed; a second sweep delivers nothing.
	sweepAndWait(q)
	assert.Len(t, d.delivered(), 1)
}

func TestQueueLeavesFutureWakeups(t *testing.T) {
	q, s, d := newTestQueue(t)
	ctx := context.Background()

	wakeAt := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, q.ScheduleAt(ctx, "e1", wakeAt, 0))
	sweepAndWait(q)
	assert.Empty(t, d.delivered())

	// Still pending in the store.
	due, err := s.DueWakeups(ctx, time.UnixMilli(wakeAt))
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestQueueSweepsEnqueuedExecutions(t *testing.T) {
	q, s, d := newTestQueue(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, store.CreateExecutionRequest{WorkflowID: "wf"})
	require.NoError(t, err)

	sweepAndWait(q)

	calls := d.delivered()
	require.Len(t, calls, 1)
	assert.Equal(t, exec.ID, calls[0].ExecutionID)
	assert.Equal(t, 0, calls[0].RetryCount)

	// ProcessEnqueued flipped it to running; not picked up again.
	sweepAndWait(q)
	assert.Len(t, d.delivered(), 1)
}

func TestQueueSleepingResultSchedulesWake(t *testing.T) {
	q, s, d := newTestQueue(t)
	ctx := context.Background()

	wakeAt := time.Now().Add(time.Hour).UnixMilli()
	d.results["e1"] = &engine.Result{
		Kind:          engine.KindSleeping,
		ExecutionID:   "e1",
		WakeAtEpochMs: wakeAt,
	}

	require.NoError(t, q.ScheduleAfter(ctx, "e1", 0, 0))
	sweepAndWait(q)

	due, err := s.DueWakeups(ctx, time.UnixMilli(wakeAt))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, wakeAt, due[0].WakeAtEpochMs)
}

func TestQueueNeedsRetryReschedulesWithCount(t *testing.T) {
	q, s, d := newTestQueue(t)
	ctx := context.Background()

	d.results["e1"] = &engine.Result{
		Kind:         engine.KindNeedsRetry,
		ExecutionID:  "e1",
		RetryAfterMs: time.Hour.Milliseconds(),
		RetryCount:   2,
	}

	require.NoError(t, q.ScheduleAfter(ctx, "e1", 0, 1))
	sweepAndWait(q)

	due, err := s.DueWakeups(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].RetryCount)
}

func TestQueueWaitingForSignalTimeoutSchedulesWake(t *testing.T) {
	q, s, d := newTestQueue(t)
	ctx := context.Background()

	timeoutAt := time.Now().Add(time.Hour).UnixMilli()
	d.results["e1"] = &engine.Result{
		Kind:             engine.KindWaitingForSignal,
		ExecutionID:      "e1",
		SignalName:       "approval",
		TimeoutAtEpochMs: timeoutAt,
	}
	d.results["e2"] = &engine.Result{
		Kind:        engine.KindWaitingForSignal,
		ExecutionID: "e2",
		SignalName:  "approval",
	}

	require.NoError(t, q.ScheduleAfter(ctx, "e1", 0, 0))
	require.NoError(t, q.ScheduleAfter(ctx, "e2", 0, 0))
	sweepAndWait(q)

	// Only the timed-out wait gets a wake-up; e2 waits for its signal.
	due, err := s.DueWakeups(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "e1", due[0].ExecutionID)
	assert.Equal(t, timeoutAt, due[0].WakeAtEpochMs)
}

func TestQueueDelivererErrorReschedules(t *testing.T) {
	q, s, d := newTestQueue(t)
	ctx := context.Background()

	d.errs["e1"] = errors.New("store unavailable")

	require.NoError(t, q.ScheduleAfter(ctx, "e1", 0, 2))
	sweepAndWait(q)

	// Rescheduled with the same retry count after the redelivery delay.
	due, err := s.DueWakeups(ctx, time.Now().Add(redeliveryDelay+time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].RetryCount)
}

func TestQueueStartStop(t *testing.T) {
	q, _, d := newTestQueue(t)
	ctx := context.Background()

	q.interval = 10 * time.Millisecond
	q.Start(ctx)
	defer q.Stop()

	require.NoError(t, q.ScheduleAfter(ctx, "e1", 0, 0))

	require.Eventually(t, func() bool {
		return len(d.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()
	// Stop is idempotent.
	q.Stop()
}

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

// Package scheduler re-enters suspended executions. Both implementations
// persist wake-ups through the store so delayed re-entries survive process
// restarts; they differ only in how a due wake-up reaches the executor.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/store"
)

// Scheduler arranges a future delivery of an execution. retryCount is
// bookkeeping for delivery backoff and is carried through to the executor
// unchanged.
type Scheduler interface {
	// ScheduleAfter delivers a re-entry after a delay.
	ScheduleAfter(ctx context.Context, executionID string, delay time.Duration, retryCount int) error

	// ScheduleAt delivers a re-entry at a wall-clock time.
	ScheduleAt(ctx context.Context, executionID string, wakeAtEpochMs int64, retryCount int) error
}

// Deliverer runs one delivery attempt. Satisfied by *engine.Executor.
type Deliverer interface {
	Deliver(ctx context.Context, executionID string, retryCount int) (*engine.Result, error)
}

// Store is the slice of the execution store the schedulers need.
type Store interface {
	store.WakeupStore

	// ProcessEnqueued flips due enqueued executions to running and
	// returns their ids.
	ProcessEnqueued(ctx context.Context, now time.Time) ([]string, error)
}

// FollowUp maps a delivery result to its next scheduled re-entry, if any.
// Completed, failed and cancelled results need none. A waiting execution is
// re-entered by the signal sender; the scheduler only arms the optional
// timeout.
func FollowUp(ctx context.Context, s Scheduler, res *engine.Result, logger *slog.Logger) error {
	switch res.Kind {
	case engine.KindSleeping:
		return s.ScheduleAt(ctx, res.ExecutionID, res.WakeAtEpochMs, 0)

	case engine.KindWaitingForSignal:
		if res.TimeoutAtEpochMs > 0 {
			return s.ScheduleAt(ctx, res.ExecutionID, res.TimeoutAtEpochMs, 0)
		}
		return nil

	case engine.KindNeedsRetry:
		logger.Warn("scheduling delivery retry",
			slog.String(log.ExecutionIDKey, res.ExecutionID),
			slog.Int("retry_count", res.RetryCount),
			slog.Int64("retry_after_ms", res.RetryAfterMs))
		return s.ScheduleAfter(ctx, res.ExecutionID,
			time.Duration(res.RetryAfterMs)*time.Millisecond, res.RetryCount)
	}
	return nil
}

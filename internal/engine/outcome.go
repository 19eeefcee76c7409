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

// Package engine executes workflow deliveries: it resolves step inputs,
// dispatches steps, checkpoints their outcomes, and suspends or completes
// the execution.
//
// Suspensions are values, not errors. A step returns a StepOutcome holding
// exactly one of an output, a sleep suspension, or a signal suspension; a
// delivery returns a Result whose Kind tells the scheduler what to do next.
package engine

import (
	"github.com/tombee/stepflow/internal/store"
)

// SleepSuspension parks the execution until a wall-clock time.
type SleepSuspension struct {
	WakeAtEpochMs int64
}

// SignalSuspension parks the execution until a named signal arrives.
type SignalSuspension struct {
	SignalName           string
	Step                 string
	WaitStartedAtEpochMs int64
	// TimeoutAtEpochMs is zero when the wait is unbounded.
	TimeoutAtEpochMs int64
}

// StepOutcome is the result of dispatching one step. Exactly one of the
// branches is set: Output (possibly nil for a step that produced nothing),
// Sleep, or Signal.
type StepOutcome struct {
	Output any
	Sleep  *SleepSuspension
	Signal *SignalSuspension
}

// Suspended reports whether the outcome parks the execution.
func (o StepOutcome) Suspended() bool {
	return o.Sleep != nil || o.Signal != nil
}

// Kind classifies the outcome of one delivery.
type Kind string

const (
	// KindCompleted means the execution finished; no re-entry.
	KindCompleted Kind = "completed"
	// KindFailed means the execution failed fatally; no re-entry.
	KindFailed Kind = "failed"
	// KindSleeping means the execution is parked until WakeAtEpochMs.
	KindSleeping Kind = "sleeping"
	// KindWaitingForSignal means the execution is parked until a signal
	// arrives (or TimeoutAtEpochMs passes, when set).
	KindWaitingForSignal Kind = "waiting_for_signal"
	// KindCancelled means the delivery observed a cancelled status.
	KindCancelled Kind = "cancelled"
	// KindNeedsRetry means the delivery hit a retryable condition and
	// should be redelivered after RetryAfterMs.
	KindNeedsRetry Kind = "needs_retry"
)

// TriggerStatus classifies the outcome of one trigger after completion.
type TriggerStatus string

const (
	TriggerFired   TriggerStatus = "triggered"
	TriggerSkipped TriggerStatus = "skipped"
	TriggerFailed  TriggerStatus = "failed"
)

// TriggerRecord reports what happened to one downstream trigger.
type TriggerRecord struct {
	WorkflowID   string        `json:"workflowId"`
	Status       TriggerStatus `json:"status"`
	ExecutionIDs []string      `json:"executionIds,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// Result is the outcome sum of one delivery. Kind selects which of the
// remaining fields are meaningful.
type Result struct {
	Kind        Kind
	ExecutionID string
	Status      store.Status

	// Output is set for KindCompleted.
	Output any

	// Error is set for KindFailed and KindNeedsRetry.
	Error string

	// RetryAfterMs is the backoff hint for KindNeedsRetry.
	RetryAfterMs int64
	// RetryCount is the delivery attempt count to carry into the retry.
	RetryCount int

	// WakeAtEpochMs is set for KindSleeping.
	WakeAtEpochMs int64

	// SignalName, Step and TimeoutAtEpochMs are set for KindWaitingForSignal.
	SignalName       string
	Step             string
	TimeoutAtEpochMs int64

	// Triggers reports fan-out results for KindCompleted.
	Triggers []TriggerRecord
}

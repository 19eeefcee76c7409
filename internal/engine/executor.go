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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/stepflow/internal/lock"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/retry"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/workflow"
	"github.com/tombee/stepflow/pkg/workflow/ref"
)

// DefaultMaxRetries bounds delivery retries when the execution row does not
// set its own limit.
const DefaultMaxRetries = 5

// groupKeyPrefix namespaces the synthetic checkpoint recorded for a
// parallel group's aggregate result.
const groupKeyPrefix = "@group:"

// Config wires an Executor.
type Config struct {
	Store  store.Store
	Locks  *lock.Manager
	Steps  *StepRunner
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *Metrics
	// Tracer may be nil; a no-op tracer is used.
	Tracer trace.Tracer
}

// Executor delivers workflow executions: each call to Deliver makes as much
// progress as possible and returns an outcome the scheduler acts on.
type Executor struct {
	store   store.Store
	locks   *lock.Manager
	steps   *StepRunner
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	now    func() time.Time
	policy retry.Policy

	// staleClaimAfter is how old an incomplete tool/code checkpoint must
	// be before it is treated as an abandoned claim and re-run.
	staleClaimAfter time.Duration
}

// New creates an executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("stepflow")
	}
	return &Executor{
		store:           cfg.Store,
		locks:           cfg.Locks,
		steps:           cfg.Steps,
		logger:          log.WithComponent(logger, "engine"),
		metrics:         cfg.Metrics,
		tracer:          tracer,
		now:             time.Now,
		policy:          retry.DefaultPolicy(),
		staleClaimAfter: lock.DefaultDuration,
	}
}

// Deliver runs one delivery attempt for an execution. Terminal executions
// return their recorded outcome without re-running anything; a held lock
// maps to a needs_retry result rather than an error.
func (e *Executor) Deliver(ctx context.Context, executionID string, retryCount int) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.deliver",
		trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer span.End()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	// Idempotent early exit on terminal status.
	switch exec.Status {
	case store.StatusCompleted:
		return &Result{Kind: KindCompleted, ExecutionID: executionID, Status: exec.Status, Output: exec.Output}, nil
	case store.StatusFailed:
		return &Result{Kind: KindFailed, ExecutionID: executionID, Status: exec.Status, Error: exec.Error}, nil
	case store.StatusCancelled:
		return &Result{Kind: KindCancelled, ExecutionID: executionID, Status: exec.Status}, nil
	}

	var out *deliveryOutcome
	err = e.locks.WithLock(ctx, executionID, func(ctx context.Context, lease *lock.Lease) error {
		var err error
		out, err = e.runLocked(ctx, executionID, retryCount)
		return err
	})
	if err != nil {
		var locked *errors.LockedError
		if errors.As(err, &locked) {
			return &Result{
				Kind:         KindNeedsRetry,
				ExecutionID:  executionID,
				Status:       exec.Status,
				Error:        err.Error(),
				RetryAfterMs: locked.RetryAfter.Milliseconds(),
				RetryCount:   retryCount,
			}, nil
		}
		return nil, err
	}

	// Trigger fan-out happens after the lock is released so children never
	// contend with the parent's final writes.
	if out.completedNow && len(out.def.Triggers) > 0 {
		out.result.Triggers = e.fireTriggers(ctx, out.exec, out.def, out.refCtx, out.result.Output)
	}

	e.metrics.observeDelivery(out.result.Kind)
	return out.result, nil
}

// deliveryOutcome carries the result of the locked portion of a delivery
// plus the context trigger fan-out needs.
type deliveryOutcome struct {
	result       *Result
	exec         *store.Execution
	def          *workflow.Definition
	refCtx       *ref.Context
	completedNow bool
}

func (e *Executor) runLocked(ctx context.Context, executionID string, retryCount int) (*deliveryOutcome, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	logger := log.WithExecutionContext(e.logger, exec.ID, exec.WorkflowID)

	if exec.Status == store.StatusCancelled {
		return &deliveryOutcome{
			result: &Result{Kind: KindCancelled, ExecutionID: exec.ID, Status: exec.Status},
			exec:   exec,
		}, nil
	}

	def, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return e.failExecution(ctx, exec, fmt.Sprintf("workflow %s not found", exec.WorkflowID), nil)
		}
		return nil, err
	}

	// Replay state: completed rows feed the reference context, incomplete
	// rows are claims left by suspensions or dead deliveries.
	rows, err := e.store.GetStepResults(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	refCtx := &ref.Context{Input: exec.Input, Steps: make(map[string]any, len(rows))}
	completedErrs := make(map[string]string)
	claims := make(map[string]*store.StepResult)
	for _, row := range rows {
		switch {
		case row.Failed():
			completedErrs[row.Step] = row.Error
		case row.Completed():
			refCtx.Steps[row.Step] = row.Output
		default:
			claims[row.Step] = row
		}
	}

	if exec.Status == store.StatusEnqueued || exec.StartedAtEpochMs == nil {
		running := store.StatusRunning
		started := e.now().UnixMilli()
		update := store.ExecutionUpdate{Status: &running}
		if exec.StartedAtEpochMs == nil {
			update.StartedAtEpochMs = &started
		}
		if exec, err = e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
			return nil, err
		}
	}

	d := &delivery{
		e:             e,
		exec:          exec,
		def:           def,
		refCtx:        refCtx,
		claims:        claims,
		completedErrs: completedErrs,
		logger:        logger,
		retryCount:    retryCount,
	}
	return d.run(ctx)
}

// delivery is the state of one locked delivery attempt.
type delivery struct {
	e             *Executor
	exec          *store.Execution
	def           *workflow.Definition
	refCtx        *ref.Context
	claims        map[string]*store.StepResult
	completedErrs map[string]string
	logger        *slog.Logger
	retryCount    int
}

func (d *delivery) run(ctx context.Context) (*deliveryOutcome, error) {
	phases := computePhases(d.def, d.logger)

	for _, phase := range phases {
		// Cancellation and deadline are observed at phase boundaries;
		// in-flight steps always finish and write their checkpoint.
		cur, err := d.e.store.GetExecution(ctx, d.exec.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == store.StatusCancelled {
			d.logger.Info("delivery observed cancellation")
			return &deliveryOutcome{
				result: &Result{Kind: KindCancelled, ExecutionID: d.exec.ID, Status: cur.Status},
				exec:   cur, def: d.def, refCtx: d.refCtx,
			}, nil
		}
		if d.exec.DeadlineAtEpochMs != nil && d.e.now().UnixMilli() > *d.exec.DeadlineAtEpochMs {
			return d.e.failExecution(ctx, d.exec, "execution deadline exceeded", d.refCtx)
		}

		if outcome := d.runPhase(ctx, phase); outcome != nil {
			return outcome, nil
		}
	}

	return d.complete(ctx)
}

// runPhase executes one phase. A nil return means the phase completed and
// the delivery proceeds; otherwise the returned outcome ends the delivery.
func (d *delivery) runPhase(ctx context.Context, phase []int) *deliveryOutcome {
	entries := d.executeUnits(ctx, d.phaseUnits(phase))

	var fatals []string
	var retryable error
	var sleep *SleepSuspension
	var signal *SignalSuspension

	for _, entry := range entries {
		switch {
		case entry.err != nil && isFatalStep(entry.err):
			fatals = append(fatals, fmt.Sprintf("%s: %s", entry.step, errMessage(entry.err)))
		case entry.err != nil:
			if retryable == nil {
				retryable = entry.err
			}
		case entry.outcome.Sleep != nil:
			if sleep == nil || entry.outcome.Sleep.WakeAtEpochMs < sleep.WakeAtEpochMs {
				sleep = entry.outcome.Sleep
			}
		case entry.outcome.Signal != nil:
			if signal == nil {
				signal = entry.outcome.Signal
			}
		default:
			d.refCtx.Steps[entry.step] = entry.outcome.Output
		}
	}

	switch {
	case len(fatals) > 0:
		out, err := d.e.failExecution(ctx, d.exec, strings.Join(fatals, "; "), d.refCtx)
		if err != nil {
			out = d.retryOutcome(ctx, err)
		}
		return out
	case sleep != nil:
		return d.sleepOutcome(ctx, sleep)
	case signal != nil:
		return d.signalOutcome(ctx, signal)
	case retryable != nil:
		return d.retryOutcome(ctx, retryable)
	}
	return nil
}

// unit is one schedulable element of a phase: a lone step or a whole
// parallel group.
type unit struct {
	steps []int
	group string
	mode  workflow.Mode
}

func (d *delivery) phaseUnits(phase []int) []unit {
	var units []unit
	groupIdx := make(map[string]int)

	for _, i := range phase {
		cfg := d.def.Steps[i].Config
		if cfg == nil || cfg.Parallel == nil {
			units = append(units, unit{steps: []int{i}})
			continue
		}
		g := cfg.Parallel.Group
		idx, ok := groupIdx[g]
		if !ok {
			mode := cfg.Parallel.Mode
			if mode == "" {
				mode = workflow.ModeAll
			}
			units = append(units, unit{group: g, mode: mode})
			idx = len(units) - 1
			groupIdx[g] = idx
		}
		units[idx].steps = append(units[idx].steps, i)
	}
	return units
}

// entryResult is the outcome of one step (or group aggregate) in a phase.
type entryResult struct {
	step    string
	outcome StepOutcome
	err     error
}

func (d *delivery) executeUnits(ctx context.Context, units []unit) []entryResult {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var entries []entryResult

	collect := func(es ...entryResult) {
		mu.Lock()
		entries = append(entries, es...)
		mu.Unlock()
	}

	for _, u := range units {
		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			if u.group == "" {
				collect(d.executeStep(ctx, u.steps[0]))
				return
			}
			collect(d.executeGroup(ctx, u)...)
		}(u)
	}
	wg.Wait()
	return entries
}

// executeStep runs one step with checkpointing and replay.
func (d *delivery) executeStep(ctx context.Context, stepIdx int) entryResult {
	step := &d.def.Steps[stepIdx]

	if step.Config != nil && step.Config.ForEach != nil {
		return d.runForEach(ctx, step)
	}
	return d.runCheckpointed(ctx, step, step.Name, d.refCtx)
}

// runCheckpointed claims the checkpoint for name, executes the step with
// refCtx, and records the outcome. Completed rows replay deterministically.
func (d *delivery) runCheckpointed(ctx context.Context, step *workflow.Step, name string, refCtx *ref.Context) entryResult {
	if msg, failed := d.completedErrs[name]; failed {
		return entryResult{step: name, err: &errors.FatalError{Step: name, Message: msg}}
	}
	if out, ok := d.refCtx.Steps[name]; ok {
		return entryResult{step: name, outcome: StepOutcome{Output: out}}
	}

	row, created, err := d.e.store.CreateStepResult(ctx, d.exec.ID, name)
	if err != nil {
		return entryResult{step: name, err: err}
	}
	if !created {
		switch {
		case row.Failed():
			return entryResult{step: name, err: &errors.FatalError{Step: name, Message: row.Error}}
		case row.Completed():
			return entryResult{step: name, outcome: StepOutcome{Output: row.Output}}
		case d.reenterable(step, row):
			// Suspension markers and abandoned claims are re-run under
			// the execution lock.
		default:
			return entryResult{step: name, err: &errors.ContentionError{ExecutionID: d.exec.ID, Step: name}}
		}
	}

	res := ref.Resolve(step.Input, refCtx)
	if res.Failed() {
		msg := fmt.Sprintf("unresolved references: %s", strings.Join(res.ErrorStrings(), "; "))
		_, _ = d.e.store.CompleteStepResult(ctx, d.exec.ID, name, nil, msg)
		return entryResult{step: name, err: &errors.FatalError{Step: name, Message: msg}}
	}

	stepCtx, span := d.e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("execution.id", d.exec.ID),
			attribute.String("step.name", name),
			attribute.String("step.action", string(step.Action.Type))))
	start := d.e.now()
	outcome, err := d.e.steps.Run(stepCtx, d.exec, step, refCtx, res.Resolved, row.StartedAtEpochMs)
	elapsed := d.e.now().Sub(start).Seconds()
	span.End()

	switch {
	case err != nil && isFatalStep(err):
		d.e.metrics.observeStep(string(step.Action.Type), "failed", elapsed)
		if final, cerr := d.e.store.CompleteStepResult(ctx, d.exec.ID, name, nil, errMessage(err)); cerr == nil && final.Output != nil && final.Error == "" {
			// Lost the completion guard to a peer that succeeded.
			return entryResult{step: name, outcome: StepOutcome{Output: final.Output}}
		}
		return entryResult{step: name, err: err}
	case err != nil:
		d.e.metrics.observeStep(string(step.Action.Type), "retryable", elapsed)
		var contention *errors.ContentionError
		if created && !errors.As(err, &contention) {
			// Free the claim so the retry delivery can re-run the step.
			if rerr := d.e.store.ReleaseStepResult(ctx, d.exec.ID, name); rerr != nil {
				d.logger.Warn("failed to release step claim", slog.String(log.StepKey, name), log.Error(rerr))
			}
		}
		return entryResult{step: name, err: err}
	case outcome.Suspended():
		// The claim stays incomplete; it marks the suspension point.
		return entryResult{step: name, outcome: outcome}
	}

	final, err := d.e.store.CompleteStepResult(ctx, d.exec.ID, name, outcome.Output, "")
	if err != nil {
		return entryResult{step: name, err: err}
	}
	d.e.metrics.observeStep(string(step.Action.Type), "completed", elapsed)
	if final.Failed() {
		return entryResult{step: name, err: &errors.FatalError{Step: name, Message: final.Error}}
	}
	return entryResult{step: name, outcome: StepOutcome{Output: final.Output}}
}

// reenterable reports whether an incomplete claim owned by someone else may
// be re-run. Sleep and waitForSignal claims are suspension markers and are
// always re-entered; other claims are re-run only once stale, since a fresh
// one may belong to a live peer whose lock raced ours.
func (d *delivery) reenterable(step *workflow.Step, row *store.StepResult) bool {
	switch step.Action.Type {
	case workflow.ActionSleep, workflow.ActionWaitForSignal:
		return true
	}
	age := d.e.now().UnixMilli() - row.StartedAtEpochMs
	return age > d.e.staleClaimAfter.Milliseconds()
}

// executeGroup runs the members of a parallel group under the group's mode
// and records the aggregate under the synthetic @group:<name> key.
func (d *delivery) executeGroup(ctx context.Context, u unit) []entryResult {
	groupKey := groupKeyPrefix + u.group

	if out, ok := d.refCtx.Steps[groupKey]; ok {
		// Replay: member entries are already in refCtx from their rows.
		return []entryResult{{step: groupKey, outcome: StepOutcome{Output: out}}}
	}

	groupCtx := ctx
	var cancel context.CancelFunc
	if u.mode == workflow.ModeRace {
		groupCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	entries := make([]entryResult, len(u.steps))

	for pos, idx := range u.steps {
		wg.Add(1)
		go func(pos, idx int) {
			defer wg.Done()
			entry := d.executeStep(groupCtx, idx)
			mu.Lock()
			entries[pos] = entry
			if u.mode == workflow.ModeRace && entry.err == nil && !entry.outcome.Suspended() && cancel != nil {
				cancel()
			}
			mu.Unlock()
		}(pos, idx)
	}
	wg.Wait()

	// Suspensions always win over aggregation.
	for _, entry := range entries {
		if entry.err == nil && entry.outcome.Suspended() {
			return entries
		}
	}

	aggregate, err := groupAggregate(u, entries)
	if err != nil {
		return append(entries, entryResult{step: groupKey, err: err})
	}

	if _, _, cerr := d.e.store.CreateStepResult(ctx, d.exec.ID, groupKey); cerr == nil {
		if final, cerr := d.e.store.CompleteStepResult(ctx, d.exec.ID, groupKey, aggregate, ""); cerr == nil {
			aggregate = final.Output
		}
	}

	// Only successful member outputs flow into later phases; the group
	// entry carries the aggregate.
	var out []entryResult
	for _, entry := range entries {
		if entry.err == nil {
			out = append(out, entry)
		} else if u.mode == workflow.ModeAll && isFatalStep(entry.err) {
			out = append(out, entry)
		} else if !isFatalStep(entry.err) && entry.err != nil {
			// Retryable member failures still retry the delivery except
			// under allSettled/race, where they are part of the aggregate.
			if u.mode == workflow.ModeAll {
				out = append(out, entry)
			}
		}
	}
	out = append(out, entryResult{step: groupKey, outcome: StepOutcome{Output: aggregate}})
	return out
}

func groupAggregate(u unit, entries []entryResult) (any, error) {
	switch u.mode {
	case workflow.ModeRace:
		for _, entry := range entries {
			if entry.err == nil && !entry.outcome.Suspended() {
				return map[string]any{"step": entry.step, "value": entry.outcome.Output}, nil
			}
		}
		var msgs []string
		for _, entry := range entries {
			msgs = append(msgs, fmt.Sprintf("%s: %s", entry.step, errMessage(entry.err)))
		}
		return nil, &errors.FatalError{Step: groupKeyPrefix + u.group, Message: "all group members failed: " + strings.Join(msgs, "; ")}

	case workflow.ModeAllSettled:
		settled := make([]any, 0, len(entries))
		for _, entry := range entries {
			if entry.err != nil {
				settled = append(settled, map[string]any{"step": entry.step, "status": "rejected", "reason": errMessage(entry.err)})
			} else {
				settled = append(settled, map[string]any{"step": entry.step, "status": "fulfilled", "value": entry.outcome.Output})
			}
		}
		return settled, nil

	default: // ModeAll
		results := make(map[string]any, len(entries))
		for _, entry := range entries {
			if entry.err != nil {
				return nil, entry.err
			}
			results[entry.step] = entry.outcome.Output
		}
		return results, nil
	}
}

// complete finalizes a delivery whose phases all succeeded.
func (d *delivery) complete(ctx context.Context) (*deliveryOutcome, error) {
	output := d.finalOutput()
	d.refCtx = d.refCtx.WithOutput(output)

	completed := store.StatusCompleted
	completedAt := d.e.now().UnixMilli()
	zero := 0
	wrapped := output
	exec, err := d.e.store.UpdateExecution(ctx, d.exec.ID, store.ExecutionUpdate{
		Status:             &completed,
		Output:             &wrapped,
		RetryCount:         &zero,
		CompletedAtEpochMs: &completedAt,
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("execution completed",
		log.Duration("duration", completedAt-startedAt(exec)))

	return &deliveryOutcome{
		result:       &Result{Kind: KindCompleted, ExecutionID: exec.ID, Status: exec.Status, Output: output},
		exec:         exec,
		def:          d.def,
		refCtx:       d.refCtx,
		completedNow: true,
	}, nil
}

func startedAt(exec *store.Execution) int64 {
	if exec.StartedAtEpochMs != nil {
		return *exec.StartedAtEpochMs
	}
	return exec.CreatedAt.UnixMilli()
}

// finalOutput is the output of the last non-excluded step in definition
// order, or a compact summary when every step is excluded.
func (d *delivery) finalOutput() any {
	var output any
	var lastStep string
	found := false
	var completedSteps []string

	for i := range d.def.Steps {
		step := &d.def.Steps[i]
		out, ok := d.refCtx.Steps[step.Name]
		if !ok {
			continue
		}
		completedSteps = append(completedSteps, step.Name)
		lastStep = step.Name
		if !step.ExcludeFromWorkflowOutput {
			output = out
			found = true
		}
	}

	if found {
		return output
	}
	return map[string]any{
		"_summary":       true,
		"completedSteps": completedSteps,
		"lastStep":       lastStep,
		"message":        "all step outputs are excluded from the workflow output",
	}
}

func (d *delivery) sleepOutcome(ctx context.Context, sleep *SleepSuspension) *deliveryOutcome {
	if err := d.e.store.ScheduleWakeup(ctx, d.exec.ID, sleep.WakeAtEpochMs, d.retryCount); err != nil {
		return d.retryOutcome(ctx, err)
	}
	d.logger.Info("execution sleeping", slog.Int64("wake_at_epoch_ms", sleep.WakeAtEpochMs))
	return &deliveryOutcome{
		result: &Result{
			Kind:          KindSleeping,
			ExecutionID:   d.exec.ID,
			Status:        store.StatusRunning,
			WakeAtEpochMs: sleep.WakeAtEpochMs,
		},
		exec: d.exec, def: d.def, refCtx: d.refCtx,
	}
}

func (d *delivery) signalOutcome(ctx context.Context, signal *SignalSuspension) *deliveryOutcome {
	if signal.TimeoutAtEpochMs > 0 {
		// Re-enter at the timeout so the wait can fail deterministically.
		if err := d.e.store.ScheduleWakeup(ctx, d.exec.ID, signal.TimeoutAtEpochMs, d.retryCount); err != nil {
			return d.retryOutcome(ctx, err)
		}
	}
	d.logger.Info("execution waiting for signal",
		slog.String("signal", signal.SignalName),
		slog.String(log.StepKey, signal.Step))
	return &deliveryOutcome{
		result: &Result{
			Kind:             KindWaitingForSignal,
			ExecutionID:      d.exec.ID,
			Status:           store.StatusRunning,
			SignalName:       signal.SignalName,
			Step:             signal.Step,
			TimeoutAtEpochMs: signal.TimeoutAtEpochMs,
		},
		exec: d.exec, def: d.def, refCtx: d.refCtx,
	}
}

// retryOutcome records a retryable failure and either schedules another
// attempt or, when attempts are exhausted, fails the execution.
func (d *delivery) retryOutcome(ctx context.Context, cause error) *deliveryOutcome {
	maxRetries := d.exec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	attempt := d.retryCount + 1

	if attempt > maxRetries {
		out, err := d.e.failExecution(ctx, d.exec,
			fmt.Sprintf("retries exhausted after %d attempts: %s", d.retryCount, errMessage(cause)), d.refCtx)
		if err != nil {
			d.logger.Error("failed to record exhausted retries", log.Error(err))
			out = &deliveryOutcome{
				result: &Result{Kind: KindFailed, ExecutionID: d.exec.ID, Status: store.StatusFailed, Error: errMessage(cause)},
				exec:   d.exec, def: d.def, refCtx: d.refCtx,
			}
		}
		return out
	}

	lastErr := errMessage(cause)
	if _, err := d.e.store.UpdateExecution(ctx, d.exec.ID, store.ExecutionUpdate{
		LastError:  &lastErr,
		RetryCount: &attempt,
	}); err != nil {
		d.logger.Warn("failed to record retry bookkeeping", log.Error(err))
	}

	delay := d.e.policy.Delay(attempt)
	if errors.RetryAfter(cause) > delay {
		delay = errors.RetryAfter(cause)
	}
	d.logger.Warn("delivery needs retry",
		slog.Int("attempt", attempt),
		slog.Int64("retry_after_ms", delay.Milliseconds()),
		log.Error(cause))

	return &deliveryOutcome{
		result: &Result{
			Kind:         KindNeedsRetry,
			ExecutionID:  d.exec.ID,
			Status:       store.StatusRunning,
			Error:        lastErr,
			RetryAfterMs: delay.Milliseconds(),
			RetryCount:   attempt,
		},
		exec: d.exec, def: d.def, refCtx: d.refCtx,
	}
}

// failExecution marks the execution failed with a human-readable error.
func (e *Executor) failExecution(ctx context.Context, exec *store.Execution, message string, refCtx *ref.Context) (*deliveryOutcome, error) {
	failed := store.StatusFailed
	completedAt := e.now().UnixMilli()
	updated, err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:             &failed,
		Error:              &message,
		CompletedAtEpochMs: &completedAt,
	})
	if err != nil {
		return nil, err
	}

	log.WithExecutionContext(e.logger, exec.ID, exec.WorkflowID).Error("execution failed",
		slog.String("reason", message))

	return &deliveryOutcome{
		result: &Result{Kind: KindFailed, ExecutionID: exec.ID, Status: updated.Status, Error: message},
		exec:   updated,
		refCtx: refCtx,
	}, nil
}

// isFatalStep classifies an error as permanently failing its step.
func isFatalStep(err error) bool {
	if errors.IsRetryable(err) {
		return false
	}
	var contention *errors.ContentionError
	if errors.As(err, &contention) {
		return false
	}
	return true
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

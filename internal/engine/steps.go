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
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tombee/stepflow/internal/jq"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/workflow"
	"github.com/tombee/stepflow/pkg/workflow/ref"
)

// ToolInvocation describes one call to an external integration.
type ToolInvocation struct {
	ConnectionID string
	ToolName     string
	Input        any

	// RuntimeContext carries the execution's stored auth context so the
	// invoker can build a connection descriptor.
	RuntimeContext map[string]any
}

// ToolInvoker dispatches tool steps to external integrations. Retryable
// transport failures (429, 5xx, network) must be reported as
// *errors.RetryableError so the engine can classify them.
type ToolInvoker interface {
	Invoke(ctx context.Context, inv ToolInvocation) (any, error)
}

// CodeRunner evaluates a code step's source against its resolved input.
type CodeRunner interface {
	Run(ctx context.Context, source string, input any) (any, error)
}

// InlineSleepThreshold is the longest sleep served in-process. Anything
// longer suspends durably and re-enters via the scheduler.
const InlineSleepThreshold = 2 * time.Second

// StepRunner dispatches a single step by action kind.
type StepRunner struct {
	tools   ToolInvoker
	code    CodeRunner
	signals store.SignalStore
	logger  *slog.Logger

	now         func() time.Time
	sleepInline time.Duration
}

// NewStepRunner creates a step runner. tools may be nil when no workflow
// uses tool steps; dispatching a tool step without an invoker fails the
// step.
func NewStepRunner(tools ToolInvoker, code CodeRunner, signals store.SignalStore, logger *slog.Logger) *StepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{
		tools:       tools,
		code:        code,
		signals:     signals,
		logger:      log.WithComponent(logger, "step"),
		now:         time.Now,
		sleepInline: InlineSleepThreshold,
	}
}

// Run dispatches one step after its input template has been resolved.
// startedAtEpochMs is the checkpoint row's claim time and anchors duration
// sleeps and signal timeouts across re-entries.
func (r *StepRunner) Run(ctx context.Context, exec *store.Execution, step *workflow.Step, refCtx *ref.Context, input any, startedAtEpochMs int64) (StepOutcome, error) {
	var outcome StepOutcome
	var err error

	switch step.Action.Type {
	case workflow.ActionTool:
		outcome.Output, err = r.runTool(ctx, exec, step, input)
	case workflow.ActionCode:
		outcome.Output, err = r.runCode(ctx, step, input)
	case workflow.ActionSleep:
		outcome, err = r.runSleep(ctx, step, refCtx, startedAtEpochMs)
	case workflow.ActionWaitForSignal:
		outcome, err = r.runWaitForSignal(ctx, exec, step, startedAtEpochMs)
	default:
		return StepOutcome{}, &errors.FatalError{
			Step:    step.Name,
			Message: fmt.Sprintf("unknown action type %q", step.Action.Type),
		}
	}
	if err != nil {
		return StepOutcome{}, err
	}

	if step.Transform != "" && !outcome.Suspended() {
		outcome.Output, err = applyTransform(ctx, step, outcome.Output)
		if err != nil {
			return StepOutcome{}, err
		}
	}
	return outcome, nil
}

func (r *StepRunner) runTool(ctx context.Context, exec *store.Execution, step *workflow.Step, input any) (any, error) {
	if r.tools == nil {
		return nil, &errors.FatalError{Step: step.Name, Message: "no tool invoker configured"}
	}

	inv := ToolInvocation{
		ConnectionID:   step.Action.Tool.ConnectionID,
		ToolName:       step.Action.Tool.ToolName,
		Input:          input,
		RuntimeContext: exec.RuntimeContext,
	}

	attempts := 1
	baseMs := int64(1000)
	multiplier := 2.0
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			attempts = step.Retry.MaxAttempts
		}
		if step.Retry.BackoffBaseMs > 0 {
			baseMs = int64(step.Retry.BackoffBaseMs)
		}
		if step.Retry.BackoffMultiplier > 0 {
			multiplier = step.Retry.BackoffMultiplier
		}
	}

	var lastErr error
	delay := time.Duration(baseMs) * time.Millisecond
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := r.tools.Invoke(ctx, inv)
		if err == nil {
			return unwrapToolResult(out), nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return nil, &errors.FatalError{Step: step.Name, Message: "tool invocation failed", Cause: err}
		}
		if attempt == attempts {
			break
		}

		r.logger.Warn("tool invocation failed, retrying",
			slog.String(log.StepKey, step.Name),
			slog.Int("attempt", attempt),
			log.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * multiplier)
	}

	// Exhausted in-step attempts; surface as retryable so the delivery
	// itself can back off and retry.
	return nil, errors.Wrapf(lastErr, "tool %s failed after %d attempts", step.Action.Tool.ToolName, attempts)
}

func (r *StepRunner) runCode(ctx context.Context, step *workflow.Step, input any) (any, error) {
	if r.code == nil {
		return nil, &errors.FatalError{Step: step.Name, Message: "no code runner configured"}
	}
	out, err := r.code.Run(ctx, step.Action.Code.Source, input)
	if err != nil {
		if errors.IsRetryable(err) {
			return nil, err
		}
		return nil, &errors.FatalError{Step: step.Name, Message: "code step failed", Cause: err}
	}
	return out, nil
}

func (r *StepRunner) runSleep(ctx context.Context, step *workflow.Step, refCtx *ref.Context, startedAtEpochMs int64) (StepOutcome, error) {
	wakeAt, err := r.sleepWakeTime(step, refCtx, startedAtEpochMs)
	if err != nil {
		return StepOutcome{}, err
	}

	now := r.now()
	remaining := time.Duration(wakeAt-now.UnixMilli()) * time.Millisecond
	if remaining > r.sleepInline {
		return StepOutcome{Sleep: &SleepSuspension{WakeAtEpochMs: wakeAt}}, nil
	}

	if remaining > 0 {
		select {
		case <-ctx.Done():
			return StepOutcome{}, ctx.Err()
		case <-time.After(remaining):
		}
	}
	return StepOutcome{Output: map[string]any{"wakeAtEpochMs": wakeAt}}, nil
}

// sleepWakeTime computes the absolute wake time. A duration sleep anchors at
// the checkpoint claim time so re-entries never restart the clock.
func (r *StepRunner) sleepWakeTime(step *workflow.Step, refCtx *ref.Context, startedAtEpochMs int64) (int64, error) {
	action := step.Action.Sleep
	if action.DurationMs > 0 {
		return startedAtEpochMs + action.DurationMs, nil
	}

	until := any(action.Until)
	if refCtx != nil {
		res := ref.Resolve(action.Until, refCtx)
		if res.Failed() {
			return 0, &errors.FatalError{
				Step:    step.Name,
				Message: fmt.Sprintf("cannot resolve sleep until %q: %v", action.Until, res.ErrorStrings()),
			}
		}
		until = res.Resolved
	}
	return parseWakeTime(step.Name, until)
}

func parseWakeTime(stepName string, v any) (int64, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli(), nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms, nil
		}
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	}
	return 0, &errors.FatalError{
		Step:    stepName,
		Message: fmt.Sprintf("sleep until value %v is not a timestamp", v),
	}
}

func (r *StepRunner) runWaitForSignal(ctx context.Context, exec *store.Execution, step *workflow.Step, startedAtEpochMs int64) (StepOutcome, error) {
	action := step.Action.WaitForSignal

	sig, err := r.signals.ConsumeSignal(ctx, exec.ID, action.SignalName)
	if err != nil {
		return StepOutcome{}, errors.Wrapf(err, "checking signal %s", action.SignalName)
	}
	if sig != nil {
		r.logger.Info("signal consumed",
			slog.String(log.ExecutionIDKey, exec.ID),
			slog.String(log.StepKey, step.Name),
			slog.String("signal", action.SignalName))
		return StepOutcome{Output: sig.Payload}, nil
	}

	suspension := &SignalSuspension{
		SignalName:           action.SignalName,
		Step:                 step.Name,
		WaitStartedAtEpochMs: startedAtEpochMs,
	}
	if action.TimeoutMs > 0 {
		suspension.TimeoutAtEpochMs = startedAtEpochMs + action.TimeoutMs
		if r.now().UnixMilli() >= suspension.TimeoutAtEpochMs {
			return StepOutcome{}, &errors.TimeoutError{
				Operation: fmt.Sprintf("waitForSignal %s", action.SignalName),
				Duration:  time.Duration(action.TimeoutMs) * time.Millisecond,
			}
		}
	}
	return StepOutcome{Signal: suspension}, nil
}

// transformer evaluates step transforms with the default timeout and
// input size cap.
var transformer = jq.NewExecutor(0, 0)

// applyTransform runs the step's jq expression over its output.
func applyTransform(ctx context.Context, step *workflow.Step, output any) (any, error) {
	out, err := transformer.Execute(ctx, step.Transform, output)
	if err != nil {
		return nil, &errors.FatalError{Step: step.Name, Message: "transform failed", Cause: err}
	}
	return out, nil
}

// unwrapToolResult extracts the useful payload from a tool response:
// structuredContent wins, then a single text content block (parsed as JSON
// when possible), then the raw value.
func unwrapToolResult(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if sc, ok := m["structuredContent"]; ok && sc != nil {
		return sc
	}
	if text, ok := contentText(m["content"]); ok {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed
		}
		return text
	}
	return v
}

// contentText extracts the text of a single-element content block list.
func contentText(v any) (string, bool) {
	blocks, ok := v.([]any)
	if !ok || len(blocks) == 0 {
		return "", false
	}
	block, ok := blocks[0].(map[string]any)
	if !ok {
		return "", false
	}
	if kind, _ := block["type"].(string); kind != "" && kind != "text" {
		return "", false
	}
	text, ok := block["text"].(string)
	return text, ok
}

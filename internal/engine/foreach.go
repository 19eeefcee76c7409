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
	"strings"
	"sync"

	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/workflow"
	"github.com/tombee/stepflow/pkg/workflow/ref"
)

// iterationKey is the synthetic checkpoint name of one forEach iteration.
func iterationKey(step string, index int) string {
	return fmt.Sprintf("%s[%d]", step, index)
}

// runForEach executes a step once per item. Every iteration gets its own
// checkpoint row under <step>[index]; the aggregate is recorded under the
// step's own name so later phases reference it like any other output.
func (d *delivery) runForEach(ctx context.Context, step *workflow.Step) entryResult {
	if msg, failed := d.completedErrs[step.Name]; failed {
		return entryResult{step: step.Name, err: &errors.FatalError{Step: step.Name, Message: msg}}
	}
	if out, ok := d.refCtx.Steps[step.Name]; ok {
		return entryResult{step: step.Name, outcome: StepOutcome{Output: out}}
	}

	fe := step.Config.ForEach
	items, err := d.resolveItems(step)
	if err != nil {
		return entryResult{step: step.Name, err: err}
	}
	if limit := step.EffectiveMaxIterations(); len(items) > limit {
		items = items[:limit]
	}

	var results []entryResult
	switch fe.EffectiveMode() {
	case workflow.ModeSequential:
		results = d.iterateSequential(ctx, step, items)
	case workflow.ModeRace:
		results = d.iterateRace(ctx, step, items)
	default: // parallel and allSettled both run concurrently
		concurrency := fe.MaxConcurrency
		if fe.EffectiveMode() == workflow.ModeAllSettled || concurrency <= 0 {
			concurrency = len(items)
		}
		results = d.iterateParallel(ctx, step, items, concurrency)
	}

	// A suspended iteration parks the whole delivery.
	for _, r := range results {
		if r.err == nil && r.outcome.Suspended() {
			return r
		}
	}

	aggregate, err := d.forEachAggregate(step, items, results)
	if err != nil {
		return entryResult{step: step.Name, err: err}
	}

	if _, _, cerr := d.e.store.CreateStepResult(ctx, d.exec.ID, step.Name); cerr == nil {
		if final, cerr := d.e.store.CompleteStepResult(ctx, d.exec.ID, step.Name, aggregate, ""); cerr == nil {
			aggregate = final.Output
		}
	}
	return entryResult{step: step.Name, outcome: StepOutcome{Output: aggregate}}
}

func (d *delivery) runIteration(ctx context.Context, step *workflow.Step, item any, index int) entryResult {
	iterCtx := d.refCtx.WithItem(item, index)
	return d.runCheckpointed(ctx, step, iterationKey(step.Name, index), iterCtx)
}

func (d *delivery) iterateSequential(ctx context.Context, step *workflow.Step, items []any) []entryResult {
	results := make([]entryResult, 0, len(items))
	for i, item := range items {
		r := d.runIteration(ctx, step, item, i)
		results = append(results, r)
		if r.err != nil || r.outcome.Suspended() {
			break
		}
	}
	return results
}

func (d *delivery) iterateParallel(ctx context.Context, step *workflow.Step, items []any, concurrency int) []entryResult {
	results := make([]entryResult, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.runIteration(ctx, step, item, i)
		}(i, item)
	}
	wg.Wait()
	return results
}

func (d *delivery) iterateRace(ctx context.Context, step *workflow.Step, items []any) []entryResult {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]entryResult, len(items))
	var once sync.Once
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			r := d.runIteration(raceCtx, step, item, i)
			results[i] = r
			if r.err == nil && !r.outcome.Suspended() {
				once.Do(cancel)
			}
		}(i, item)
	}
	wg.Wait()
	return results
}

// forEachAggregate folds iteration results into the step's output.
func (d *delivery) forEachAggregate(step *workflow.Step, items []any, results []entryResult) (any, error) {
	mode := step.Config.ForEach.EffectiveMode()

	switch mode {
	case workflow.ModeRace:
		for i, r := range results {
			if r.err == nil && !r.outcome.Suspended() {
				return map[string]any{"index": i, "item": items[i], "value": r.outcome.Output}, nil
			}
		}
		var msgs []string
		for i, r := range results {
			if r.err != nil {
				msgs = append(msgs, fmt.Sprintf("[%d]: %s", i, errMessage(r.err)))
			}
		}
		return nil, &errors.FatalError{Step: step.Name, Message: "all iterations failed: " + strings.Join(msgs, "; ")}

	case workflow.ModeAllSettled:
		settled := make([]any, 0, len(results))
		for _, r := range results {
			if r.err != nil {
				settled = append(settled, map[string]any{"status": "rejected", "reason": errMessage(r.err)})
			} else {
				settled = append(settled, map[string]any{"status": "fulfilled", "value": r.outcome.Output})
			}
		}
		return settled, nil

	default: // sequential, parallel: ordered outputs, any failure fails the step
		outputs := make([]any, 0, len(results))
		for _, r := range results {
			if r.err != nil {
				return nil, r.err
			}
			outputs = append(outputs, r.outcome.Output)
		}
		return outputs, nil
	}
}

// resolveItems produces the iteration array from the forEach items
// reference. A bare array passes through; a wrapped payload whose
// content[0].text holds a JSON-encoded array is unwrapped, accommodating
// LLM-style tool outputs.
func (d *delivery) resolveItems(step *workflow.Step) ([]any, error) {
	res := ref.Resolve(step.Config.ForEach.Items, d.refCtx)
	if res.Failed() {
		return nil, &errors.FatalError{
			Step:    step.Name,
			Message: "unresolved forEach items: " + strings.Join(res.ErrorStrings(), "; "),
		}
	}
	return extractItems(step.Name, res.Resolved)
}

func extractItems(stepName string, v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	if m, ok := v.(map[string]any); ok {
		if text, ok := contentText(m["content"]); ok {
			var items []any
			if err := json.Unmarshal([]byte(text), &items); err == nil {
				return items, nil
			}
		}
	}
	return nil, &errors.FatalError{
		Step:    stepName,
		Message: fmt.Sprintf("forEach items resolved to %T, expected an array", v),
	}
}

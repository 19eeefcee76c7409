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

package workflow

import (
	"fmt"

	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/workflow/ref"
)

// Validate checks structural invariants: non-empty id and steps, unique
// step names, well-formed actions and modes, and the forward-reference
// rule: every @<step> reference must name a step defined earlier in the
// flattened sequence.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no steps",
			Suggestion: "define at least one step (or a legacy phases container)",
		}
	}

	d.NormalizeTemplates()

	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name is required",
			}
		}
		if _, dup := seen[step.Name]; dup {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].name", i),
				Message:    fmt.Sprintf("duplicate step name %q", step.Name),
				Suggestion: "step names must be unique within a workflow",
			}
		}

		if err := validateAction(step); err != nil {
			return err
		}
		if err := validateConfig(step); err != nil {
			return err
		}

		// Earlier-steps-only rule. References to steps defined later (or
		// not at all) cannot resolve at runtime; context roots (@input,
		// @item, @index) always can.
		for dep := range ref.StepDependencies(step.Input) {
			if _, ok := seen[dep]; !ok {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps[%d].input", i),
					Message:    fmt.Sprintf("step %q references %q, which is not defined earlier in the workflow", step.Name, dep),
					Suggestion: "reorder steps so references point backwards",
				}
			}
		}
		if step.Config != nil && step.Config.ForEach != nil {
			for dep := range ref.StepDependencies(step.Config.ForEach.Items) {
				if _, ok := seen[dep]; !ok {
					return &errors.ValidationError{
						Field:   fmt.Sprintf("steps[%d].config.forEach.items", i),
						Message: fmt.Sprintf("step %q iterates over %q, which is not defined earlier in the workflow", step.Name, dep),
					}
				}
			}
		}

		seen[step.Name] = struct{}{}
	}

	for i, trig := range d.Triggers {
		if trig.WorkflowID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("triggers[%d].workflowId", i),
				Message: "trigger workflowId is required",
			}
		}
		for dep := range ref.StepDependencies(trig.Input) {
			if _, ok := seen[dep]; !ok {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("triggers[%d].input", i),
					Message: fmt.Sprintf("trigger references unknown step %q", dep),
				}
			}
		}
		if trig.ForEach != nil {
			if err := validateMode(trig.ForEach.EffectiveMode(), false); err != nil {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("triggers[%d].forEach.mode", i),
					Message: err.Error(),
				}
			}
		}
	}

	return nil
}

func validateAction(step *Step) error {
	field := fmt.Sprintf("steps[%s].action", step.Name)

	switch step.Action.Type {
	case ActionTool:
		if step.Action.Tool == nil || step.Action.Tool.ConnectionID == "" || step.Action.Tool.ToolName == "" {
			return &errors.ValidationError{
				Field:   field,
				Message: "tool action requires connectionId and toolName",
			}
		}
	case ActionCode:
		if step.Action.Code == nil || step.Action.Code.Source == "" {
			return &errors.ValidationError{
				Field:   field,
				Message: "code action requires source",
			}
		}
	case ActionSleep:
		if step.Action.Sleep == nil || (step.Action.Sleep.DurationMs <= 0 && step.Action.Sleep.Until == "") {
			return &errors.ValidationError{
				Field:      field,
				Message:    "sleep action requires durationMs or until",
				Suggestion: "set durationMs to a positive value, or until to a timestamp or reference",
			}
		}
	case ActionWaitForSignal:
		if step.Action.WaitForSignal == nil || step.Action.WaitForSignal.SignalName == "" {
			return &errors.ValidationError{
				Field:   field,
				Message: "waitForSignal action requires signalName",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      field,
			Message:    fmt.Sprintf("unknown action type %q", step.Action.Type),
			Suggestion: "use one of: tool, code, sleep, waitForSignal",
		}
	}
	return nil
}

func validateConfig(step *Step) error {
	if step.Config == nil {
		return nil
	}

	if fe := step.Config.ForEach; fe != nil {
		if fe.Items == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%s].config.forEach.items", step.Name),
				Message: "forEach requires an items reference",
			}
		}
		if err := validateMode(fe.EffectiveMode(), false); err != nil {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%s].config.forEach.mode", step.Name),
				Message: err.Error(),
			}
		}
		if fe.MaxConcurrency < 0 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%s].config.forEach.maxConcurrency", step.Name),
				Message: "maxConcurrency must not be negative",
			}
		}
	}

	if pg := step.Config.Parallel; pg != nil {
		if pg.Group == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%s].config.parallel.group", step.Name),
				Message: "parallel config requires a group name",
			}
		}
		mode := pg.Mode
		if mode == "" {
			mode = ModeAll
		}
		if err := validateMode(mode, true); err != nil {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%s].config.parallel.mode", step.Name),
				Message: err.Error(),
			}
		}
	}

	if step.MaxIterations < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%s].maxIterations", step.Name),
			Message: "maxIterations must not be negative",
		}
	}

	return nil
}

func validateMode(m Mode, group bool) error {
	switch m {
	case ModeSequential, ModeParallel, ModeRace, ModeAllSettled:
		return nil
	case ModeAll:
		if group {
			return nil
		}
		return fmt.Errorf("mode %q is only valid for parallel groups", m)
	default:
		return fmt.Errorf("unknown mode %q", m)
	}
}

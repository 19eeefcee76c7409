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

// Package workflow defines the declarative workflow model: named steps
// connected by @-references, downstream triggers, and the parsing and
// validation rules for workflow files.
package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tombee/stepflow/pkg/errors"
)

// DefaultMaxIterations bounds forEach fan-out when a step does not set its
// own limit.
const DefaultMaxIterations = 100

// TriggerMaxFanOut is the hard cap on trigger forEach fan-out. Unlike the
// per-step limit it cannot be raised.
const TriggerMaxFanOut = 100

// Definition is a workflow: an ordered sequence of steps plus downstream
// triggers fired on completion.
type Definition struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step    `yaml:"steps" json:"steps"`
	Triggers    []Trigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Step is one named unit of work.
type Step struct {
	// Name is unique within the workflow and is how references address
	// this step's output.
	Name string `yaml:"name" json:"name"`

	// Action says what the step does.
	Action Action `yaml:"action" json:"action"`

	// Input is the step's input template. It may contain @-references
	// resolved at execution time.
	Input any `yaml:"input,omitempty" json:"input,omitempty"`

	// Config carries control-flow modifiers.
	Config *StepConfig `yaml:"config,omitempty" json:"config,omitempty"`

	// MaxIterations bounds forEach fan-out (default 100).
	MaxIterations int `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`

	// ExcludeFromWorkflowOutput keeps this step's output from becoming
	// the workflow's final output.
	ExcludeFromWorkflowOutput bool `yaml:"excludeFromWorkflowOutput,omitempty" json:"excludeFromWorkflowOutput,omitempty"`

	// Transform is an optional jq expression applied to the step's output
	// before it is checkpointed.
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`

	// Retry overrides the step-level retry policy for tool and code steps.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// EffectiveMaxIterations returns the forEach iteration bound for this step.
func (s *Step) EffectiveMaxIterations() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

// RetryPolicy configures in-delivery retries for a step.
type RetryPolicy struct {
	MaxAttempts       int     `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffBaseMs     int     `yaml:"backoffBaseMs,omitempty" json:"backoffBaseMs,omitempty"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
}

// StepConfig carries the control-flow modifiers of a step.
type StepConfig struct {
	// ForEach fans the step out over an items array.
	ForEach *ForEachConfig `yaml:"forEach,omitempty" json:"forEach,omitempty"`

	// Parallel assigns the step to a named parallel group.
	Parallel *ParallelConfig `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// Mode selects the completion semantics of a fan-out.
type Mode string

const (
	// ModeSequential runs iterations one after another.
	ModeSequential Mode = "sequential"
	// ModeParallel runs iterations in bounded concurrent windows.
	ModeParallel Mode = "parallel"
	// ModeRace completes on the first successful member.
	ModeRace Mode = "race"
	// ModeAllSettled runs every member and reports each outcome.
	ModeAllSettled Mode = "allSettled"
	// ModeAll runs members in parallel and fails fast. Only valid for
	// parallel groups.
	ModeAll Mode = "all"
)

// ForEachConfig fans a step out over an items array.
type ForEachConfig struct {
	// Items is a reference (usually @step.field or @input.field)
	// resolving to the iteration array.
	Items string `yaml:"items" json:"items"`

	// Mode selects iteration semantics (default sequential).
	Mode Mode `yaml:"mode,omitempty" json:"mode,omitempty"`

	// MaxConcurrency bounds the window size in parallel mode.
	MaxConcurrency int `yaml:"maxConcurrency,omitempty" json:"maxConcurrency,omitempty"`
}

// EffectiveMode returns the iteration mode, defaulting to sequential.
func (f *ForEachConfig) EffectiveMode() Mode {
	if f.Mode == "" {
		return ModeSequential
	}
	return f.Mode
}

// ParallelConfig assigns a step to a named parallel group.
type ParallelConfig struct {
	Group string `yaml:"group" json:"group"`
	Mode  Mode   `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Trigger declares a child workflow started when this workflow completes.
type Trigger struct {
	// WorkflowID names the downstream workflow.
	WorkflowID string `yaml:"workflowId" json:"workflowId"`

	// Input is the child's input template; it may use @output.
	Input any `yaml:"input,omitempty" json:"input,omitempty"`

	// ForEach fans the trigger out over an items array, one child
	// execution per item.
	ForEach *ForEachConfig `yaml:"forEach,omitempty" json:"forEach,omitempty"`
}

// ActionType tags the step action variant.
type ActionType string

const (
	// ActionTool invokes an external integration tool.
	ActionTool ActionType = "tool"
	// ActionCode evaluates an inline code expression.
	ActionCode ActionType = "code"
	// ActionSleep pauses the execution for a duration or until a time.
	ActionSleep ActionType = "sleep"
	// ActionWaitForSignal parks the execution until a named signal arrives.
	ActionWaitForSignal ActionType = "waitForSignal"
)

// Action is the tagged step action variant. Exactly one variant field is
// set, matching Type.
type Action struct {
	Type ActionType

	Tool          *ToolAction
	Code          *CodeAction
	Sleep         *SleepAction
	WaitForSignal *WaitForSignalAction
}

// ToolAction invokes toolName on an integration connection.
type ToolAction struct {
	ConnectionID string `yaml:"connectionId" json:"connectionId"`
	ToolName     string `yaml:"toolName" json:"toolName"`
}

// CodeAction evaluates an inline expression with the resolved step input
// bound as its environment.
type CodeAction struct {
	Source string `yaml:"source" json:"source"`
}

// SleepAction pauses for DurationMs, or until Until (a reference or ISO
// timestamp) when set. Exactly one of the two is used.
type SleepAction struct {
	DurationMs int64  `yaml:"durationMs,omitempty" json:"durationMs,omitempty"`
	Until      string `yaml:"until,omitempty" json:"until,omitempty"`
}

// WaitForSignalAction parks the execution until the named signal arrives.
type WaitForSignalAction struct {
	SignalName string `yaml:"signalName" json:"signalName"`
	TimeoutMs  int64  `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// rawAction is the on-disk shape of an action: a type tag plus the variant
// fields inline.
type rawAction struct {
	Type         ActionType `yaml:"type" json:"type"`
	ConnectionID string     `yaml:"connectionId,omitempty" json:"connectionId,omitempty"`
	ToolName     string     `yaml:"toolName,omitempty" json:"toolName,omitempty"`
	Source       string     `yaml:"source,omitempty" json:"source,omitempty"`
	DurationMs   int64      `yaml:"durationMs,omitempty" json:"durationMs,omitempty"`
	Until        string     `yaml:"until,omitempty" json:"until,omitempty"`
	SignalName   string     `yaml:"signalName,omitempty" json:"signalName,omitempty"`
	TimeoutMs    int64      `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

func (a *Action) fromRaw(raw rawAction) error {
	a.Type = raw.Type
	switch raw.Type {
	case ActionTool:
		a.Tool = &ToolAction{ConnectionID: raw.ConnectionID, ToolName: raw.ToolName}
	case ActionCode:
		a.Code = &CodeAction{Source: raw.Source}
	case ActionSleep:
		a.Sleep = &SleepAction{DurationMs: raw.DurationMs, Until: raw.Until}
	case ActionWaitForSignal:
		a.WaitForSignal = &WaitForSignalAction{SignalName: raw.SignalName, TimeoutMs: raw.TimeoutMs}
	default:
		return &errors.ValidationError{
			Field:      "action.type",
			Message:    fmt.Sprintf("unknown action type %q", raw.Type),
			Suggestion: "use one of: tool, code, sleep, waitForSignal",
		}
	}
	return nil
}

func (a Action) toRaw() rawAction {
	raw := rawAction{Type: a.Type}
	switch a.Type {
	case ActionTool:
		if a.Tool != nil {
			raw.ConnectionID = a.Tool.ConnectionID
			raw.ToolName = a.Tool.ToolName
		}
	case ActionCode:
		if a.Code != nil {
			raw.Source = a.Code.Source
		}
	case ActionSleep:
		if a.Sleep != nil {
			raw.DurationMs = a.Sleep.DurationMs
			raw.Until = a.Sleep.Until
		}
	case ActionWaitForSignal:
		if a.WaitForSignal != nil {
			raw.SignalName = a.WaitForSignal.SignalName
			raw.TimeoutMs = a.WaitForSignal.TimeoutMs
		}
	}
	return raw
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var raw rawAction
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return a.fromRaw(raw)
}

// MarshalYAML implements yaml.Marshaler.
func (a Action) MarshalYAML() (any, error) {
	return a.toRaw(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return a.fromRaw(raw)
}

// MarshalJSON implements json.Marshaler.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.toRaw())
}

// rawDefinition accepts both the flat steps form and the legacy phases
// container {phases: [[...], [...]]}.
type rawDefinition struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description" json:"description"`
	Steps       []Step    `yaml:"steps" json:"steps"`
	Phases      [][]Step  `yaml:"phases" json:"phases"`
	Triggers    []Trigger `yaml:"triggers" json:"triggers"`
}

// ParseDefinition parses a workflow definition from YAML (or JSON, which
// YAML accepts). Legacy phase containers are flattened into the step
// sequence in phase order, then the result is validated.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing workflow definition")
	}

	def := &Definition{
		ID:          raw.ID,
		Title:       raw.Title,
		Description: raw.Description,
		Steps:       raw.Steps,
		Triggers:    raw.Triggers,
	}

	// Legacy container. Phase boundaries carry no meaning beyond order:
	// the executor re-derives phases from references.
	if len(def.Steps) == 0 && len(raw.Phases) > 0 {
		for _, phase := range raw.Phases {
			def.Steps = append(def.Steps, phase...)
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// normalizeTemplate converts yaml.v3's map[string]any/[]any trees parsed
// from step inputs into the canonical template form used by the resolver.
// YAML may produce map[any]any for some documents; those are converted.
func normalizeTemplate(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeTemplate(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeTemplate(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeTemplate(val)
		}
		return out
	default:
		return v
	}
}

// NormalizeTemplates canonicalizes all templates in the definition. Called
// by ParseDefinition via Validate; exported for callers that build
// definitions programmatically from decoded JSON.
func (d *Definition) NormalizeTemplates() {
	for i := range d.Steps {
		d.Steps[i].Input = normalizeTemplate(d.Steps[i].Input)
	}
	for i := range d.Triggers {
		d.Triggers[i].Input = normalizeTemplate(d.Triggers[i].Input)
	}
}

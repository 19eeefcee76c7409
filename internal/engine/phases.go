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
	"log/slog"

	"github.com/tombee/stepflow/pkg/workflow"
	"github.com/tombee/stepflow/pkg/workflow/ref"
)

// stepDependencies extracts the step names a step's templates refer to,
// filtered to steps that exist in the workflow.
func stepDependencies(step *workflow.Step, known map[string]int) map[string]struct{} {
	deps := make(map[string]struct{})
	for dep := range ref.StepDependencies(step.Input) {
		if _, ok := known[dep]; ok {
			deps[dep] = struct{}{}
		}
	}
	if step.Config != nil && step.Config.ForEach != nil {
		for dep := range ref.StepDependencies(step.Config.ForEach.Items) {
			if _, ok := known[dep]; ok {
				deps[dep] = struct{}{}
			}
		}
	}
	return deps
}

// computePhases topologically sorts steps into levels: level 0 holds steps
// with no step-dependencies, level N+1 holds steps whose dependencies all
// sit in levels <= N. Steps sharing a parallel group are pinned to the same
// level. If a cycle remains (upstream validation makes this impossible, but
// it is checked anyway), the remainder is appended sequentially with a
// warning.
//
// Returned phases hold indexes into def.Steps, preserving definition order
// within each phase.
func computePhases(def *workflow.Definition, logger *slog.Logger) [][]int {
	n := len(def.Steps)
	known := make(map[string]int, n)
	for i := range def.Steps {
		known[def.Steps[i].Name] = i
	}

	// Members of a parallel group advance together, so the group's
	// dependency set is the union of its members'.
	groupOf := make(map[int]string, n)
	groupMembers := make(map[string][]int)
	for i := range def.Steps {
		if cfg := def.Steps[i].Config; cfg != nil && cfg.Parallel != nil {
			groupOf[i] = cfg.Parallel.Group
			groupMembers[cfg.Parallel.Group] = append(groupMembers[cfg.Parallel.Group], i)
		}
	}

	deps := make([]map[string]struct{}, n)
	for i := range def.Steps {
		deps[i] = stepDependencies(&def.Steps[i], known)
	}
	for _, members := range groupMembers {
		merged := make(map[string]struct{})
		memberNames := make(map[string]struct{}, len(members))
		for _, i := range members {
			memberNames[def.Steps[i].Name] = struct{}{}
		}
		for _, i := range members {
			for dep := range deps[i] {
				// Intra-group references do not order the group
				// against itself.
				if _, own := memberNames[dep]; !own {
					merged[dep] = struct{}{}
				}
			}
		}
		for _, i := range members {
			deps[i] = merged
		}
	}

	placed := make(map[string]struct{}, n)
	assigned := make([]bool, n)
	var phases [][]int

	for len(placed) < n {
		var phase []int
		for i := 0; i < n; i++ {
			if assigned[i] {
				continue
			}
			ready := true
			for dep := range deps[i] {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, i)
			}
		}

		if len(phase) == 0 {
			// Defensive cycle fallback: run the remainder sequentially.
			logger.Warn("step dependency cycle detected, falling back to sequential order")
			for i := 0; i < n; i++ {
				if !assigned[i] {
					phases = append(phases, []int{i})
					assigned[i] = true
					placed[def.Steps[i].Name] = struct{}{}
				}
			}
			break
		}

		for _, i := range phase {
			assigned[i] = true
			placed[def.Steps[i].Name] = struct{}{}
		}
		phases = append(phases, phase)
	}

	return phases
}

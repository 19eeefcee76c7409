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

package ref

// StepDependencies extracts the set of step names referenced anywhere in a
// template. Used to derive the execution phase graph: the step edges are
// logical, carried entirely by references.
func StepDependencies(template any) map[string]struct{} {
	deps := make(map[string]struct{})
	collectDeps(template, deps)
	return deps
}

func collectDeps(value any, deps map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, r := range Scan(v) {
			if r.Root == RootStep {
				deps[r.Step] = struct{}{}
			}
		}
	case map[string]any:
		for _, val := range v {
			collectDeps(val, deps)
		}
	case []any:
		for _, val := range v {
			collectDeps(val, deps)
		}
	}
}

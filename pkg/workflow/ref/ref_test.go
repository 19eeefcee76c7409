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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		literal  string
		wantRoot Root
		wantStep string
		wantPath []string
		wantErr  bool
	}{
		{name: "input bare", literal: "@input", wantRoot: RootInput},
		{name: "input path", literal: "@input.user.name", wantRoot: RootInput, wantPath: []string{"user", "name"}},
		{name: "output bare", literal: "@output", wantRoot: RootOutput},
		{name: "item", literal: "@item", wantRoot: RootItem},
		{name: "index", literal: "@index", wantRoot: RootIndex},
		{name: "step bare", literal: "@fetch", wantRoot: RootStep, wantStep: "fetch"},
		{name: "step path", literal: "@fetch.items.0.id", wantRoot: RootStep, wantStep: "fetch", wantPath: []string{"items", "0", "id"}},
		{name: "output alias stripped", literal: "@fetch.output.items", wantRoot: RootStep, wantStep: "fetch", wantPath: []string{"items"}},
		{name: "hyphenated step", literal: "@send-email.id", wantRoot: RootStep, wantStep: "send-email", wantPath: []string{"id"}},
		{name: "no name", literal: "@", wantErr: true},
		{name: "no at", literal: "input.x", wantErr: true},
		{name: "trailing junk", literal: "@fetch.n*2", wantErr: true},
		{name: "empty", literal: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.literal)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoot, r.Root)
			assert.Equal(t, tt.wantStep, r.Step)
			assert.Equal(t, tt.wantPath, r.Path)
			assert.Equal(t, tt.literal, r.Raw)
		})
	}
}

func TestScan(t *testing.T) {
	refs := Scan("fetched @count.total items for @input.user at @index")
	require.Len(t, refs, 3)
	assert.Equal(t, "count", refs[0].Step)
	assert.Equal(t, RootInput, refs[1].Root)
	assert.Equal(t, RootIndex, refs[2].Root)
}

func TestScanSkipsEmailAddresses(t *testing.T) {
	refs := Scan("notify ops@example.com about @alert")
	require.Len(t, refs, 1)
	assert.Equal(t, "alert", refs[0].Step)
}

func TestScanTrailingPunctuation(t *testing.T) {
	// The trailing period is prose, not a path separator.
	refs := Scan("done with @fetch.")
	require.Len(t, refs, 1)
	assert.Equal(t, "@fetch", refs[0].Raw)
	assert.Empty(t, refs[0].Path)
}

func TestStepDependencies(t *testing.T) {
	template := map[string]any{
		"url":   "@config.baseUrl",
		"title": "result: @summarize.text",
		"meta": []any{
			"@input.tag",
			map[string]any{"n": "@count.total"},
		},
	}

	deps := StepDependencies(template)
	assert.Len(t, deps, 3)
	assert.Contains(t, deps, "config")
	assert.Contains(t, deps, "summarize")
	assert.Contains(t, deps, "count")
	assert.NotContains(t, deps, "input")
}

func TestStepDependenciesIgnoresContextRoots(t *testing.T) {
	deps := StepDependencies(map[string]any{
		"a": "@input.x",
		"b": "@item",
		"c": "@index",
		"d": "@output.y",
	})
	assert.Empty(t, deps)
}

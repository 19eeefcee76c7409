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

func testContext() *Context {
	return &Context{
		Input: map[string]any{
			"user": map[string]any{"name": "ada", "id": float64(7)},
			"tags": []any{"a", "b"},
		},
		Steps: map[string]any{
			"fetch": map[string]any{
				"items": []any{
					map[string]any{"id": float64(1)},
					map[string]any{"id": float64(2)},
				},
				"count": float64(2),
			},
		},
	}
}

func TestResolveLiteralKeepsNativeType(t *testing.T) {
	res := Resolve("@fetch.count", testContext())
	require.False(t, res.Failed())
	assert.Equal(t, float64(2), res.Resolved)
}

func TestResolveLiteralStructured(t *testing.T) {
	res := Resolve("@fetch.items", testContext())
	require.False(t, res.Failed())
	items, ok := res.Resolved.([]any)
	require.True(t, ok, "array reference should stay an array")
	assert.Len(t, items, 2)
}

func TestResolveOutputAlias(t *testing.T) {
	res := Resolve("@fetch.output.count", testContext())
	require.False(t, res.Failed())
	assert.Equal(t, float64(2), res.Resolved)
}

func TestResolveInterpolation(t *testing.T) {
	res := Resolve("hello @input.user.name, you have @fetch.count items", testContext())
	require.False(t, res.Failed())
	assert.Equal(t, "hello ada, you have 2 items", res.Resolved)
}

func TestResolveArrayIndexing(t *testing.T) {
	res := Resolve("@fetch.items.1.id", testContext())
	require.False(t, res.Failed())
	assert.Equal(t, float64(2), res.Resolved)

	res = Resolve("@input.tags.0", testContext())
	require.False(t, res.Failed())
	assert.Equal(t, "a", res.Resolved)
}

func TestResolveRecursesIntoTemplates(t *testing.T) {
	template := map[string]any{
		"name":  "@input.user.name",
		"count": "@fetch.count",
		"list":  []any{"@input.tags.1", "plain"},
	}

	res := Resolve(template, testContext())
	require.False(t, res.Failed())

	resolved := res.Resolved.(map[string]any)
	assert.Equal(t, "ada", resolved["name"])
	assert.Equal(t, float64(2), resolved["count"])
	assert.Equal(t, []any{"b", "plain"}, resolved["list"].([]any))
}

func TestResolveUnknownStepCollectsError(t *testing.T) {
	res := Resolve(map[string]any{"x": "@missing.field", "y": "@fetch.count"}, testContext())
	require.True(t, res.Failed())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "missing")

	// The failed position resolves to nil, the rest proceeds.
	resolved := res.Resolved.(map[string]any)
	assert.Nil(t, resolved["x"])
	assert.Equal(t, float64(2), resolved["y"])
}

func TestResolveTypeMismatch(t *testing.T) {
	res := Resolve("@fetch.count.deeper", testContext())
	require.True(t, res.Failed())
	assert.Nil(t, res.Resolved)
}

func TestResolveInterpolatedNilBecomesEmpty(t *testing.T) {
	ctx := testContext()
	ctx.Steps["maybe"] = map[string]any{"value": nil}

	res := Resolve("got: @maybe.value!", ctx)
	require.False(t, res.Failed())
	assert.Equal(t, "got: !", res.Resolved)
}

func TestResolveUnresolvedTokenStaysIntact(t *testing.T) {
	res := Resolve("value is @missing.thing here", testContext())
	require.True(t, res.Failed())
	assert.Equal(t, "value is @missing.thing here", res.Resolved)
}

func TestResolveItemAndIndex(t *testing.T) {
	ctx := testContext().WithItem(map[string]any{"id": float64(9)}, 3)

	res := Resolve(map[string]any{"id": "@item.id", "pos": "@index"}, ctx)
	require.False(t, res.Failed())
	resolved := res.Resolved.(map[string]any)
	assert.Equal(t, float64(9), resolved["id"])
	assert.Equal(t, 3, resolved["pos"])
}

func TestResolveItemOutsideForEachFails(t *testing.T) {
	res := Resolve("@item", testContext())
	require.True(t, res.Failed())
}

func TestResolveOutputOnlyInTriggers(t *testing.T) {
	res := Resolve("@output.total", testContext())
	require.True(t, res.Failed())

	ctx := testContext().WithOutput(map[string]any{"total": float64(5)})
	res = Resolve("@output.total", ctx)
	require.False(t, res.Failed())
	assert.Equal(t, float64(5), res.Resolved)
}

func TestResolveNonStringValuesPassThrough(t *testing.T) {
	res := Resolve(map[string]any{"n": float64(4), "b": true, "nothing": nil}, testContext())
	require.False(t, res.Failed())
	resolved := res.Resolved.(map[string]any)
	assert.Equal(t, float64(4), resolved["n"])
	assert.Equal(t, true, resolved["b"])
	assert.Nil(t, resolved["nothing"])
}

func TestStringifyStructured(t *testing.T) {
	ctx := testContext()
	res := Resolve("items: @fetch.items", ctx)
	require.False(t, res.Failed())
	assert.Equal(t, `items: [{"id":1},{"id":2}]`, res.Resolved)
}

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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Context carries the values references resolve against.
type Context struct {
	// Input is the workflow input.
	Input any

	// Steps maps completed step names to their outputs.
	Steps map[string]any

	// Item and Index are bound inside forEach iterations.
	Item     any
	Index    int
	HasItem  bool

	// Output is the finalized workflow output, bound only while
	// resolving triggers.
	Output    any
	HasOutput bool
}

// WithItem returns a copy of the context with item/index bound.
func (c *Context) WithItem(item any, index int) *Context {
	cp := *c
	cp.Item = item
	cp.Index = index
	cp.HasItem = true
	return &cp
}

// WithOutput returns a copy of the context with the workflow output bound.
func (c *Context) WithOutput(output any) *Context {
	cp := *c
	cp.Output = output
	cp.HasOutput = true
	return &cp
}

// ResolveError records a single failed reference. Resolution continues past
// errors; the failed position resolves to nil.
type ResolveError struct {
	// Ref is the literal that failed.
	Ref string

	// Reason explains the failure.
	Reason string
}

// Error implements the error interface.
func (e ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Ref, e.Reason)
}

// Result is the outcome of resolving a template.
type Result struct {
	// Resolved is the template with every reference substituted.
	Resolved any

	// Errors lists references that failed to resolve, in template order.
	Errors []ResolveError
}

// Failed reports whether any reference failed to resolve.
func (r *Result) Failed() bool {
	return len(r.Errors) > 0
}

// ErrorStrings returns the collected errors as messages.
func (r *Result) ErrorStrings() []string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return msgs
}

// Resolve walks a template value and substitutes every reference against the
// context. A string that is exactly one reference substitutes the native
// value; strings containing references interpolate each resolved value
// stringified (nil becomes the empty string, unresolved tokens stay intact).
// Maps and slices are walked recursively. Errors are collected, not fatal.
func Resolve(template any, ctx *Context) *Result {
	res := &Result{}
	res.Resolved = resolveValue(template, ctx, res)
	return res
}

// Eval resolves a single parsed reference against the context.
func Eval(r *Ref, ctx *Context) (any, error) {
	var root any
	switch r.Root {
	case RootInput:
		root = ctx.Input
	case RootOutput:
		if !ctx.HasOutput {
			return nil, fmt.Errorf("@output is only available in triggers")
		}
		root = ctx.Output
	case RootItem:
		if !ctx.HasItem {
			return nil, fmt.Errorf("@item is only available inside forEach")
		}
		root = ctx.Item
	case RootIndex:
		if !ctx.HasItem {
			return nil, fmt.Errorf("@index is only available inside forEach")
		}
		root = ctx.Index
	case RootStep:
		out, ok := ctx.Steps[r.Step]
		if !ok {
			return nil, fmt.Errorf("no completed step named %q", r.Step)
		}
		root = out
	}

	return walkPath(root, r.Path)
}

// walkPath applies dotted path tokens to a value. Numeric tokens index
// arrays, all others index objects.
func walkPath(value any, path []string) (any, error) {
	current := value
	for i, tok := range path {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[tok]
			if !ok {
				return nil, fmt.Errorf("unknown field %q at %s", tok, strings.Join(path[:i+1], "."))
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("array index %q at %s is not numeric", tok, strings.Join(path[:i+1], "."))
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d at %s out of range (len %d)", idx, strings.Join(path[:i+1], "."), len(v))
			}
			current = v[idx]
		case nil:
			return nil, fmt.Errorf("cannot index into null at %s", strings.Join(path[:i+1], "."))
		default:
			return nil, fmt.Errorf("cannot index %T with %q at %s", current, tok, strings.Join(path[:i+1], "."))
		}
	}
	return current, nil
}

func resolveValue(value any, ctx *Context, res *Result) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx, res)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = resolveValue(val, ctx, res)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = resolveValue(val, ctx, res)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, ctx *Context, res *Result) any {
	trimmed := strings.TrimSpace(s)

	// A string that is exactly one reference substitutes the native value.
	if r, err := Parse(trimmed); err == nil {
		val, evalErr := Eval(r, ctx)
		if evalErr != nil {
			res.Errors = append(res.Errors, ResolveError{Ref: r.Raw, Reason: evalErr.Error()})
			return nil
		}
		return val
	}

	refs := Scan(s)
	if len(refs) == 0 {
		return s
	}

	var b strings.Builder
	pos := 0
	for _, r := range refs {
		idx := strings.Index(s[pos:], r.Raw)
		if idx < 0 {
			continue
		}
		b.WriteString(s[pos : pos+idx])

		val, err := Eval(r, ctx)
		if err != nil {
			// Keep the unresolved token intact.
			res.Errors = append(res.Errors, ResolveError{Ref: r.Raw, Reason: err.Error()})
			b.WriteString(r.Raw)
		} else {
			b.WriteString(stringify(val))
		}
		pos += idx + len(r.Raw)
	}
	b.WriteString(s[pos:])
	return b.String()
}

// stringify renders a resolved value for interpolation into a string.
// nil renders as the empty string; structured values render as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

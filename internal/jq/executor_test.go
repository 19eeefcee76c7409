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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	e := NewExecutor(0, 0)
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression passes data through",
			expression: "",
			data:       map[string]any{"foo": "bar"},
			want:       map[string]any{"foo": "bar"},
		},
		{
			name:       "field extraction",
			expression: ".foo",
			data:       map[string]any{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "multiple outputs collapse to an array",
			expression: ".[] | .x",
			data:       []any{map[string]any{"x": 1.0}, map[string]any{"x": 2.0}},
			want:       []any{1.0, 2.0},
		},
		{
			name:       "no output yields nil",
			expression: ".missing // empty",
			data:       map[string]any{},
			want:       nil,
		},
		{
			name:       "parse error",
			expression: ".[",
			data:       map[string]any{},
			wantErr:    true,
		},
		{
			name:       "runtime error",
			expression: ".foo | length",
			data:       map[string]any{"foo": true},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Execute(ctx, tt.expression, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteNormalizesTypedInput(t *testing.T) {
	type payload struct {
		Count int `json:"count"`
	}
	e := NewExecutor(0, 0)

	got, err := e.Execute(context.Background(), ".count", payload{Count: 7})
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
}

func TestExecuteTimeout(t *testing.T) {
	e := NewExecutor(50*time.Millisecond, 0)

	_, err := e.Execute(context.Background(), "while(true; . + 1)", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestExecuteInputSizeCap(t *testing.T) {
	e := NewExecutor(0, 16)

	_, err := e.Execute(context.Background(), ".", map[string]any{"key": "a long enough value"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)

	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate(".items | length"))
	assert.Error(t, e.Validate(".["))
}

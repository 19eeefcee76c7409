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

	"github.com/expr-lang/expr"

	"github.com/tombee/stepflow/pkg/errors"
)

// ExprRunner evaluates code steps as expr expressions. The resolved step
// input is bound to the `input` identifier.
type ExprRunner struct{}

var _ CodeRunner = (*ExprRunner)(nil)

// NewExprRunner creates the built-in code runner.
func NewExprRunner() *ExprRunner {
	return &ExprRunner{}
}

// Run compiles and evaluates source with the step input in scope.
func (r *ExprRunner) Run(ctx context.Context, source string, input any) (any, error) {
	env := map[string]any{"input": input}

	program, err := expr.Compile(source, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errors.Wrap(err, "compiling code step")
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, errors.Wrap(err, "evaluating code step")
	}
	return out, nil
}

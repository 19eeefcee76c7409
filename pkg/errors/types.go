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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid workflow definitions, malformed references,
// or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution", "signal")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// LockedError indicates the execution lock could not be acquired because
// another worker currently holds it. Retryable; callers should back off at
// least RetryAfter before redelivering.
type LockedError struct {
	// ExecutionID is the execution whose lock was contended
	ExecutionID string

	// RetryAfter is the suggested minimum backoff before the next attempt
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *LockedError) Error() string {
	return fmt.Sprintf("execution %s is locked by another worker", e.ExecutionID)
}

// ContentionError indicates this worker lost the step checkpoint race and
// the winning peer has not finished yet. Retryable with backoff.
type ContentionError struct {
	// ExecutionID is the execution being advanced
	ExecutionID string

	// Step is the step whose checkpoint row is still in progress
	Step string
}

// Error implements the error interface.
func (e *ContentionError) Error() string {
	return fmt.Sprintf("step %s of execution %s is running on another worker", e.Step, e.ExecutionID)
}

// RetryableError wraps a transient failure (network, timeout, 429/5xx from a
// tool call, busy database). The operation may succeed if retried with
// backoff.
type RetryableError struct {
	// Operation describes what failed (e.g., "tool call", "store update")
	Operation string

	// StatusCode is the HTTP-style status that triggered classification
	// (0 when not applicable)
	StatusCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed [HTTP %d]: %v", e.Operation, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// FatalError represents a non-retryable step failure: validation,
// authorization, or any client error that retrying cannot fix. It fails the
// execution with its message.
type FatalError struct {
	// Step is the step that failed (empty for execution-level failures)
	Step string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("execution failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// CancelledError indicates the execution was cancelled by an operator while
// a delivery was in flight. Terminal for the delivery.
type CancelledError struct {
	// ExecutionID is the cancelled execution
	ExecutionID string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("execution %s was cancelled", e.ExecutionID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an execution exceeds its deadline or a wait expires.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "execution", "waitForSignal")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

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
	"errors"
	"fmt"
	"time"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
// This is a convenience wrapper around errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsRetryable reports whether the error represents a transient condition
// that a later delivery may succeed on: lock contention, step contention,
// or a wrapped transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var locked *LockedError
	if errors.As(err, &locked) {
		return true
	}

	var contention *ContentionError
	if errors.As(err, &contention) {
		return true
	}

	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}

	return false
}

// IsFatal reports whether the error should fail the execution permanently.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return true
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}

	var validation *ValidationError
	return errors.As(err, &validation)
}

// RetryAfter returns the backoff hint carried by a LockedError, or zero when
// the error carries none.
func RetryAfter(err error) time.Duration {
	var locked *LockedError
	if errors.As(err, &locked) {
		return locked.RetryAfter
	}
	return 0
}

// RetryableStatus reports whether an HTTP-style status code from a tool
// invocation should be treated as transient: 429 and all 5xx codes.
func RetryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code <= 599)
}

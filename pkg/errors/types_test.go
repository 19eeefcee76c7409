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
	"strings"
	"testing"
	"time"
)

func TestLockedError(t *testing.T) {
	err := &LockedError{ExecutionID: "exec-1", RetryAfter: 30 * time.Second}
	if !strings.Contains(err.Error(), "exec-1") {
		t.Errorf("error message should contain the execution id, got %q", err.Error())
	}
	if !IsRetryable(err) {
		t.Error("LockedError should be retryable")
	}
	if got := RetryAfter(err); got != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", got)
	}
}

func TestContentionError(t *testing.T) {
	err := &ContentionError{ExecutionID: "exec-1", Step: "fetch"}
	if !IsRetryable(err) {
		t.Error("ContentionError should be retryable")
	}
	if IsFatal(err) {
		t.Error("ContentionError should not be fatal")
	}
}

func TestRetryableErrorWrapping(t *testing.T) {
	cause := New("connection reset")
	err := &RetryableError{Operation: "tool call", StatusCode: 503, Cause: cause}

	if !IsRetryable(err) {
		t.Error("RetryableError should be retryable")
	}
	if !Is(err, cause) {
		t.Error("RetryableError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error message should include status code, got %q", err.Error())
	}

	// Retryability survives further wrapping.
	wrapped := Wrap(err, "executing step fetch")
	if !IsRetryable(wrapped) {
		t.Error("wrapped RetryableError should remain retryable")
	}
}

func TestFatalError(t *testing.T) {
	err := &FatalError{Step: "notify", Message: "unknown connection"}
	if IsRetryable(err) {
		t.Error("FatalError should not be retryable")
	}
	if !IsFatal(err) {
		t.Error("FatalError should be fatal")
	}
	if !strings.Contains(err.Error(), "notify") {
		t.Errorf("error message should name the step, got %q", err.Error())
	}
}

func TestTimeoutErrorIsFatal(t *testing.T) {
	err := &TimeoutError{Operation: "execution", Duration: time.Minute}
	if !IsFatal(err) {
		t.Error("TimeoutError should be fatal")
	}
	if IsRetryable(err) {
		t.Error("TimeoutError should not be retryable")
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
		{599, true},
		{600, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			if got := RetryableStatus(tt.code); got != tt.want {
				t.Errorf("RetryableStatus(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestRetryAfterWithoutHint(t *testing.T) {
	if got := RetryAfter(New("plain")); got != 0 {
		t.Errorf("RetryAfter on plain error = %v, want 0", got)
	}
}

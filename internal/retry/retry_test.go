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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   5,
		Multiplier:   2.0,
		// No jitter so growth is deterministic.
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Delay(attempt)
		if d <= prev {
			t.Errorf("delay for attempt %d (%v) should exceed attempt %d (%v)", attempt, d, attempt-1, prev)
		}
		prev = d
	}

	if d := p.Delay(20); d != 60*time.Second {
		t.Errorf("delay should cap at MaxDelay, got %v", d)
	}
}

func TestDelayJitterStaysNearValue(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		if d < 500*time.Millisecond || d > 2*time.Second {
			t.Fatalf("jittered initial delay out of range: %v", d)
		}
	}
}

func TestDoRetriesTransient(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 5, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, nil, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoAbortsOnPermanentError(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 5, Multiplier: 1}

	calls := 0
	permanent := errors.New("constraint violation")
	err := Do(context.Background(), p, nil, "test", func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not retry, got %d calls", calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, nil, "test", func() error {
		calls++
		return errors.New("connection reset by peer")
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d calls", calls)
	}
}

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"terminated", errors.New("pq: connection terminated"), true},
		{"timeout", errors.New("dial tcp: i/o timeout"), true},
		{"constraint", errors.New("UNIQUE constraint failed"), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

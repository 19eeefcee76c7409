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

// Package retry provides exponential backoff with jitter and transient
// failure classification for store operations and delivery re-entries.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Policy controls backoff computation for retried operations.
type Policy struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// Multiplier scales the delay between attempts.
	Multiplier float64

	// Jitter is the fraction of the delay randomized (0..1).
	Jitter float64
}

// DefaultPolicy matches the store retry contract: 1s initial, 60s cap,
// up to 5 retries.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   5,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// Delay computes the backoff delay for the given attempt (0-based) with
// jitter applied. Attempt 0 yields roughly InitialDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		// Full jitter would lose the monotonic growth callers rely on for
		// backoff hints, so spread around the computed value instead.
		spread := d * p.Jitter
		d = d - spread/2 + rand.Float64()*spread
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs fn, retrying transient failures per the policy. Non-transient
// errors abort immediately. The context cancels waits between attempts.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !Transient(lastErr) || attempt >= p.MaxRetries {
			return lastErr
		}

		delay := p.Delay(attempt)
		if logger != nil {
			logger.Warn("transient failure, retrying",
				slog.String("operation", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// transientFragments are substrings of driver errors that indicate a
// transient database condition worth retrying.
var transientFragments = []string{
	"database is locked",
	"database table is locked",
	"connection refused",
	"connection reset",
	"connection terminated",
	"broken pipe",
	"i/o timeout",
	"timeout expired",
	"too many connections",
	"temporarily unavailable",
	"busy",
}

// Transient reports whether an error from the database layer is worth
// retrying. Context cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

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

// Package lock provides optimistic, time-bounded execution locks on top of
// the store. At most one worker delivers an execution at a time; an expired
// lock is claimable so a crashed worker never wedges an execution.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/errors"
)

const (
	// DefaultDuration bounds how long a delivery may hold an execution
	// before the lock expires and becomes claimable.
	DefaultDuration = 5 * time.Minute

	// MinRetryAfter is the minimum back-off hint handed to callers that
	// lose the lock race.
	MinRetryAfter = 30 * time.Second
)

// Manager acquires and maintains execution locks.
type Manager struct {
	store    store.LockStore
	logger   *slog.Logger
	duration time.Duration
}

// NewManager creates a lock manager with the default lock duration.
func NewManager(s store.LockStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		logger:   log.WithComponent(logger, "lock"),
		duration: DefaultDuration,
	}
}

// WithDuration overrides the lock duration. Intended for tests.
func (m *Manager) WithDuration(d time.Duration) *Manager {
	m.duration = d
	return m
}

// Lease is a held execution lock.
type Lease struct {
	ExecutionID string
	LockID      string

	manager *Manager
}

// Acquire claims the execution. When the lock is already held a
// *errors.LockedError carrying a RetryAfter hint is returned.
func (m *Manager) Acquire(ctx context.Context, executionID string) (*Lease, error) {
	lockID := uuid.NewString()

	ok, err := m.store.AcquireLock(ctx, executionID, lockID, m.duration)
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lock for execution %s", executionID)
	}
	if !ok {
		retryAfter := m.duration / 2
		if retryAfter < MinRetryAfter {
			retryAfter = MinRetryAfter
		}
		return nil, &errors.LockedError{ExecutionID: executionID, RetryAfter: retryAfter}
	}

	m.logger.Debug("lock acquired",
		slog.String(log.ExecutionIDKey, executionID),
		slog.String(log.LockIDKey, lockID))

	return &Lease{ExecutionID: executionID, LockID: lockID, manager: m}, nil
}

// Extend renews the lease for another full duration. Returns false when the
// lease expired and was claimed elsewhere; the holder must stop working on
// the execution in that case.
func (l *Lease) Extend(ctx context.Context) (bool, error) {
	ok, err := l.manager.store.ExtendLock(ctx, l.ExecutionID, l.LockID, l.manager.duration)
	if err != nil {
		return false, errors.Wrapf(err, "extending lock for execution %s", l.ExecutionID)
	}
	return ok, nil
}

// Release clears the lock. Safe to call when the lease already expired.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.manager.store.ReleaseLock(ctx, l.ExecutionID, l.LockID); err != nil {
		return errors.Wrapf(err, "releasing lock for execution %s", l.ExecutionID)
	}
	l.manager.logger.Debug("lock released",
		slog.String(log.ExecutionIDKey, l.ExecutionID),
		slog.String(log.LockIDKey, l.LockID))
	return nil
}

// WithLock runs fn while holding the execution lock, releasing it on every
// exit path including panics. Release uses a fresh background context so a
// cancelled ctx cannot strand the row locked.
func (m *Manager) WithLock(ctx context.Context, executionID string, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := m.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			m.logger.Warn("failed to release lock",
				slog.String(log.ExecutionIDKey, executionID),
				log.Error(err))
		}
	}()

	return fn(ctx, lease)
}

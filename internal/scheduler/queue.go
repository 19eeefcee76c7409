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

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/stepflow/internal/log"
)

const (
	// DefaultSweepInterval bounds how stale a due wake-up can get.
	DefaultSweepInterval = time.Second

	// DefaultWorkers caps concurrent deliveries per sweep.
	DefaultWorkers = 4

	// inlineTimerThreshold is the longest delay that also gets an
	// in-process timer so short waits don't ride out a full sweep tick.
	inlineTimerThreshold = 30 * time.Second

	// redeliveryDelay backs off infrastructure failures (store or
	// executor errors, not workflow failures) before the next attempt.
	redeliveryDelay = 5 * time.Second
)

// QueueConfig configures the in-process delay-queue scheduler.
type QueueConfig struct {
	Store     Store
	Deliverer Deliverer
	Logger    *slog.Logger

	// SweepInterval overrides DefaultSweepInterval when positive.
	SweepInterval time.Duration
	// Workers overrides DefaultWorkers when positive.
	Workers int
}

// Queue is the delay-queue scheduler: every wake-up is persisted, and a
// periodic sweep delivers due rows alongside newly enqueued executions.
// Short delays additionally arm an in-process timer that kicks the sweep
// early. Delivery is at-least-once; the executor is idempotent.
type Queue struct {
	store    Store
	deliver  Deliverer
	logger   *slog.Logger
	interval time.Duration
	sem      chan struct{}
	now      func() time.Time

	kickCh chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

var _ Scheduler = (*Queue)(nil)

// NewQueue creates a delay-queue scheduler. Start must be called before
// scheduled wake-ups are delivered.
func NewQueue(cfg QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{
		store:    cfg.Store,
		deliver:  cfg.Deliverer,
		logger:   log.WithComponent(logger, "scheduler"),
		interval: interval,
		sem:      make(chan struct{}, workers),
		now:      time.Now,
		kickCh:   make(chan struct{}, 1),
	}
}

// ScheduleAfter persists a wake-up after the given delay.
func (q *Queue) ScheduleAfter(ctx context.Context, executionID string, delay time.Duration, retryCount int) error {
	if delay < 0 {
		delay = 0
	}
	return q.ScheduleAt(ctx, executionID, q.now().Add(delay).UnixMilli(), retryCount)
}

// ScheduleAt persists a wake-up at a wall-clock time. The store keeps the
// earliest pending wake time per execution.
func (q *Queue) ScheduleAt(ctx context.Context, executionID string, wakeAtEpochMs int64, retryCount int) error {
	if err := q.store.ScheduleWakeup(ctx, executionID, wakeAtEpochMs, retryCount); err != nil {
		return err
	}

	delay := time.Duration(wakeAtEpochMs-q.now().UnixMilli()) * time.Millisecond
	switch {
	case delay <= 0:
		q.kick()
	case delay <= inlineTimerThreshold:
		// A stray kick after Stop is harmless: the channel is buffered
		// and nothing reads it.
		time.AfterFunc(delay, q.kick)
	}
	return nil
}

// kick requests an immediate sweep without waiting for the next tick.
func (q *Queue) kick() {
	select {
	case q.kickCh <- struct{}{}:
	default:
	}
}

// Start launches the sweep loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.loop(ctx, q.stopCh, q.doneCh)
}

// Stop halts the sweep loop and drains in-flight deliveries.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stopCh, doneCh := q.stopCh, q.doneCh
	q.mu.Unlock()

	close(stopCh)
	<-doneCh
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		q.Sweep(ctx)
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kickCh:
		}
	}
}

// Sweep delivers every due wake-up and every due enqueued execution once.
// Exported so tests and the daemon can force a pass without waiting for the
// tick.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.now()

	ids, err := q.store.ProcessEnqueued(ctx, now)
	if err != nil {
		q.logger.Error("failed to process enqueued executions", log.Error(err))
	}
	for _, id := range ids {
		q.spawn(ctx, id, 0)
	}

	wakeups, err := q.store.DueWakeups(ctx, now)
	if err != nil {
		q.logger.Error("failed to collect due wakeups", log.Error(err))
		return
	}
	for _, w := range wakeups {
		q.spawn(ctx, w.ExecutionID, w.RetryCount)
	}
}

func (q *Queue) spawn(ctx context.Context, executionID string, retryCount int) {
	q.wg.Add(1)
	q.sem <- struct{}{}
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()
		q.deliverOne(ctx, executionID, retryCount)
	}()
}

func (q *Queue) deliverOne(ctx context.Context, executionID string, retryCount int) {
	res, err := q.deliver.Deliver(ctx, executionID, retryCount)
	if err != nil {
		q.logger.Error("delivery failed, rescheduling",
			slog.String(log.ExecutionIDKey, executionID),
			log.Error(err))
		if err := q.ScheduleAfter(ctx, executionID, redeliveryDelay, retryCount); err != nil {
			q.logger.Error("failed to reschedule delivery",
				slog.String(log.ExecutionIDKey, executionID),
				log.Error(err))
		}
		return
	}

	if err := FollowUp(ctx, q, res, q.logger); err != nil {
		q.logger.Error("failed to schedule follow-up",
			slog.String(log.ExecutionIDKey, executionID),
			log.Error(err))
	}
}

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

// Package daemon assembles the stepflow server: store, engine, scheduler,
// workflow registry and the HTTP control surface.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tombee/stepflow/internal/config"
	"github.com/tombee/stepflow/internal/daemon/httputil"
	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/lock"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/scheduler"
	"github.com/tombee/stepflow/internal/store/sqlite"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Tools dispatches tool steps to external integrations. Nil leaves
	// tool steps failing with a configuration error.
	Tools engine.ToolInvoker
}

// Daemon is the stepflow server.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	db        *sqlite.Store
	executor  *engine.Executor
	queue     *scheduler.Queue
	webhook   *scheduler.Webhook
	registry  *Registry
	api       *API
	server    *http.Server
	ln        net.Listener
	stopWatch context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a daemon from configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	db, err := sqlite.New(sqlite.Config{
		Path:   cfg.Store.Path,
		WAL:    cfg.Store.WAL == nil || *cfg.Store.WAL,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	executor := engine.New(engine.Config{
		Store:   db,
		Locks:   lock.NewManager(db, logger),
		Steps:   engine.NewStepRunner(opts.Tools, engine.NewExprRunner(), db, logger),
		Logger:  logger,
		Metrics: engine.NewMetrics(reg),
	})

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		db:       db,
		executor: executor,
		registry: NewRegistry(db, cfg.Workflows.Dir, cfg.Workflows.Glob, logger),
	}

	mux := http.NewServeMux()
	switch cfg.Scheduler.Mode {
	case config.SchedulerWebhook:
		keys := scheduler.SigningKeys{
			Current: cfg.Scheduler.Webhook.SigningKey,
			Next:    cfg.Scheduler.Webhook.NextSigningKey,
		}
		d.webhook = scheduler.NewWebhook(scheduler.WebhookConfig{
			Store:         db,
			Endpoint:      cfg.Scheduler.Webhook.Endpoint,
			Keys:          keys,
			Logger:        logger,
			SweepInterval: cfg.Scheduler.SweepInterval,
		})
		var limiter *rate.Limiter
		if rps := cfg.Scheduler.Webhook.RatePerSecond; rps > 0 {
			limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
		mux.Handle("POST /v1/scheduler/deliveries",
			scheduler.NewHandler(executor, d.webhook, keys, limiter, logger))
		d.api = NewAPI(db, d.webhook, logger)
	default:
		d.queue = scheduler.NewQueue(scheduler.QueueConfig{
			Store:         db,
			Deliverer:     executor,
			Logger:        logger,
			SweepInterval: cfg.Scheduler.SweepInterval,
			Workers:       cfg.Scheduler.Workers,
		})
		d.api = NewAPI(db, d.queue, logger)
	}

	d.api.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/health", d.handleHealth)

	d.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Start loads workflows, starts the scheduler and serves the API. It
// returns once the listener is bound; Serve errors are logged.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	if _, err := d.registry.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	if d.cfg.Workflows.Watch == nil || *d.cfg.Workflows.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		d.stopWatch = cancel
		if err := d.registry.Watch(watchCtx); err != nil {
			cancel()
			d.logger.Warn("workflow watching disabled", log.Error(err))
			d.stopWatch = nil
		}
	}

	// The scheduler outlives individual requests; it stops via Shutdown,
	// not via the start context.
	if d.queue != nil {
		d.queue.Start(context.Background())
	}
	if d.webhook != nil {
		d.webhook.Start(context.Background())
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Addr, err)
	}
	d.ln = ln

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error("HTTP server error", log.Error(err))
		}
	}()

	d.started = true
	d.logger.Info("daemon started",
		slog.String("addr", ln.Addr().String()),
		slog.String("scheduler", d.cfg.Scheduler.Mode),
		slog.String("version", d.opts.Version))
	return nil
}

// Addr returns the bound listener address, or empty before Start.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown drains in-flight deliveries and stops the server. New starts are
// refused as soon as draining begins; suspended executions keep their state
// and resume on the next boot.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	d.logger.Info("graceful shutdown initiated")
	d.api.StartDraining()
	d.server.SetKeepAlivesEnabled(false)

	if d.stopWatch != nil {
		d.stopWatch()
		if err := d.registry.Close(); err != nil {
			d.logger.Warn("workflow watcher shutdown error", log.Error(err))
		}
	}

	// Bounded drain: the queue's Stop waits for in-flight deliveries.
	drained := make(chan struct{})
	go func() {
		if d.queue != nil {
			d.queue.Stop()
		}
		if d.webhook != nil {
			d.webhook.Stop()
		}
		close(drained)
	}()
	select {
	case <-drained:
		d.logger.Info("scheduler drained")
	case <-time.After(d.cfg.Server.DrainTimeout):
		d.logger.Warn("drain timeout exceeded",
			slog.Duration("drain_timeout", d.cfg.Server.DrainTimeout))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("HTTP server shutdown error", log.Error(err))
	}

	if err := d.db.Close(); err != nil {
		d.logger.Error("store shutdown error", log.Error(err))
		return err
	}
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": d.opts.Version,
	})
}

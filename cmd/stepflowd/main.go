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

// stepflowd runs the stepflow workflow execution daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/stepflow/internal/config"
	"github.com/tombee/stepflow/internal/daemon"
	"github.com/tombee/stepflow/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type serveFlags struct {
	configPath    string
	listenAddr    string
	dbPath        string
	workflowsDir  string
	schedulerMode string
}

func main() {
	flags := &serveFlags{}

	rootCmd := &cobra.Command{
		Use:     "stepflowd",
		Short:   "Durable workflow execution daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
		SilenceUsage: true,
	}

	fs := pflag.NewFlagSet("stepflowd", pflag.ContinueOnError)
	fs.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	fs.StringVar(&flags.listenAddr, "listen", "", "Listen address (overrides config)")
	fs.StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides config)")
	fs.StringVar(&flags.workflowsDir, "workflows-dir", "", "Directory of workflow definitions (overrides config)")
	fs.StringVar(&flags.schedulerMode, "scheduler", "", "Scheduler mode: queue or webhook (overrides config)")
	fs.SortFlags = false
	rootCmd.Flags().AddFlagSet(fs)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *serveFlags) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.listenAddr != "" {
		cfg.Server.Addr = flags.listenAddr
	}
	if flags.dbPath != "" {
		cfg.Store.Path = flags.dbPath
	}
	if flags.workflowsDir != "" {
		cfg.Workflows.Dir = flags.workflowsDir
	}
	if flags.schedulerMode != "" {
		cfg.Scheduler.Mode = flags.schedulerMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := d.Start(ctx); err != nil {
		return err
	}

	sig := <-sigCh
	logger.Info("shutting down", slog.String("signal", sig.String()))
	cancel()
	return d.Shutdown(context.Background())
}

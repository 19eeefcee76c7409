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

// Package config loads daemon configuration from YAML with environment
// overrides. Environment variables take precedence over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/stepflow/pkg/errors"
)

// Scheduler modes.
const (
	SchedulerQueue   = "queue"
	SchedulerWebhook = "webhook"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Workflows WorkflowsConfig `yaml:"workflows"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: STEPFLOW_LISTEN_ADDR
	// Default: 127.0.0.1:9876
	Addr string `yaml:"addr"`

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	// Environment: SERVER_SHUTDOWN_TIMEOUT
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout is the maximum wait for in-flight deliveries before
	// shutdown forces them to suspend at their next checkpoint.
	// Environment: STEPFLOW_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the execution store.
type StoreConfig struct {
	// Path is the sqlite database file.
	// Environment: STEPFLOW_DB_PATH
	// Default: ./stepflow.db
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	// Default: true
	WAL *bool `yaml:"wal,omitempty"`
}

// SchedulerConfig configures execution re-entry.
type SchedulerConfig struct {
	// Mode selects the scheduler: "queue" or "webhook".
	// Environment: STEPFLOW_SCHEDULER_MODE
	// Default: queue
	Mode string `yaml:"mode"`

	// SweepInterval is the wake-up scan period.
	// Default: 1s
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Workers caps concurrent deliveries (queue mode).
	// Default: 4
	Workers int `yaml:"workers"`

	// Webhook configures webhook mode.
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
}

// WebhookConfig configures the webhook scheduler.
type WebhookConfig struct {
	// Endpoint is the ingress URL deliveries are published to.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SigningKey is the current signing key.
	// Environment: STEPFLOW_SIGNING_KEY
	SigningKey string `yaml:"signing_key,omitempty"`

	// NextSigningKey verifies alongside SigningKey during rotation.
	// Environment: STEPFLOW_SIGNING_KEY_NEXT
	NextSigningKey string `yaml:"next_signing_key,omitempty"`

	// RatePerSecond limits ingress deliveries. Zero disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
}

// EngineConfig configures delivery behavior.
type EngineConfig struct {
	// MaxRetries is the default per-execution delivery retry cap.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`
}

// WorkflowsConfig configures the workflow registry.
type WorkflowsConfig struct {
	// Dir is the directory scanned for workflow definitions.
	// Environment: STEPFLOW_WORKFLOWS_DIR
	// Default: ./workflows
	Dir string `yaml:"dir"`

	// Glob matches definition files under Dir.
	// Default: **/*.{yaml,yml}
	Glob string `yaml:"glob"`

	// Watch re-loads definitions when files change.
	// Default: true
	Watch *bool `yaml:"watch,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	wal := true
	watch := true
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:9876",
			ShutdownTimeout: 5 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path: "./stepflow.db",
			WAL:  &wal,
		},
		Scheduler: SchedulerConfig{
			Mode:          SchedulerQueue,
			SweepInterval: time.Second,
			Workers:       4,
		},
		Engine: EngineConfig{
			MaxRetries: 5,
		},
		Workflows: WorkflowsConfig{
			Dir:   "./workflows",
			Glob:  "**/*.{yaml,yml}",
			Watch: &watch,
		},
	}
}

// Load reads configuration from an optional YAML file, applies defaults to
// zero values, then applies environment overrides and validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so minimal configs work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = defaults.Server.DrainTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Store.WAL == nil {
		c.Store.WAL = defaults.Store.WAL
	}

	if c.Scheduler.Mode == "" {
		c.Scheduler.Mode = defaults.Scheduler.Mode
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = defaults.Scheduler.SweepInterval
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = defaults.Scheduler.Workers
	}

	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = defaults.Engine.MaxRetries
	}

	if c.Workflows.Dir == "" {
		c.Workflows.Dir = defaults.Workflows.Dir
	}
	if c.Workflows.Glob == "" {
		c.Workflows.Glob = defaults.Workflows.Glob
	}
	if c.Workflows.Watch == nil {
		c.Workflows.Watch = defaults.Workflows.Watch
	}
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("STEPFLOW_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("SERVER_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("STEPFLOW_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.DrainTimeout = d
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Log.AddSource = b
		}
	}

	if val := os.Getenv("STEPFLOW_DB_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("STEPFLOW_WORKFLOWS_DIR"); val != "" {
		c.Workflows.Dir = val
	}

	if val := os.Getenv("STEPFLOW_SCHEDULER_MODE"); val != "" {
		c.Scheduler.Mode = val
	}
	if val := os.Getenv("STEPFLOW_SIGNING_KEY"); val != "" {
		c.Scheduler.Webhook.SigningKey = val
	}
	if val := os.Getenv("STEPFLOW_SIGNING_KEY_NEXT"); val != "" {
		c.Scheduler.Webhook.NextSigningKey = val
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{Key: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return &errors.ConfigError{Key: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}

	switch c.Scheduler.Mode {
	case SchedulerQueue:
	case SchedulerWebhook:
		if c.Scheduler.Webhook.Endpoint == "" {
			return &errors.ConfigError{Key: "scheduler.webhook.endpoint", Reason: "required in webhook mode"}
		}
		if c.Scheduler.Webhook.SigningKey == "" {
			return &errors.ConfigError{Key: "scheduler.webhook.signing_key", Reason: "required in webhook mode"}
		}
	default:
		return &errors.ConfigError{Key: "scheduler.mode", Reason: fmt.Sprintf("unknown mode %q", c.Scheduler.Mode)}
	}

	if c.Scheduler.Workers < 0 {
		return &errors.ConfigError{Key: "scheduler.workers", Reason: "must not be negative"}
	}
	if c.Engine.MaxRetries < 0 {
		return &errors.ConfigError{Key: "engine.max_retries", Reason: "must not be negative"}
	}

	if !doublestar.ValidatePattern(c.Workflows.Glob) {
		return &errors.ConfigError{Key: "workflows.glob", Reason: fmt.Sprintf("invalid pattern %q", c.Workflows.Glob)}
	}
	return nil
}

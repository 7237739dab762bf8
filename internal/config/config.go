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

// Package config loads CDKTR's runtime configuration from the environment.
// Every knob is a CDKTR_* variable with a documented default; a malformed
// value is a startup error rather than a silent fallback.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvPrincipalHost            = "CDKTR_PRINCIPAL_HOST"
	EnvPrincipalPort            = "CDKTR_PRINCIPAL_PORT"
	EnvLogsListeningPort        = "CDKTR_LOGS_LISTENING_PORT"
	EnvLogsPublishingPort       = "CDKTR_LOGS_PUBLISHING_PORT"
	EnvAgentMaxConcurrency      = "CDKTR_AGENT_MAX_CONCURRENCY"
	EnvRetryAttempts            = "CDKTR_RETRY_ATTEMPTS"
	EnvDefaultTimeoutMS         = "CDKTR_DEFAULT_TIMEOUT_MS"
	EnvWorkflowDir              = "CDKTR_WORKFLOW_DIR"
	EnvWorkflowRefreshS         = "CDKTR_WORKFLOW_DIR_REFRESH_FREQUENCY_S"
	EnvSchedulerPollMS          = "CDKTR_SCHEDULER_START_POLL_FREQUENCY_MS"
	EnvQueuePersistenceMS       = "CDKTR_Q_PERSISTENCE_INTERVAL_MS"
	EnvLogFlushMS               = "CDKTR_LOG_FLUSH_INTERVAL_MS"
	EnvQueueCapacity            = "CDKTR_QUEUE_CAPACITY"
	EnvAgentHeartbeatTimeoutMS  = "CDKTR_AGENT_HEARTBEAT_TIMEOUT_MS"
	EnvAppDataDirectory         = "CDKTR_APP_DATA_DIRECTORY"
	EnvDBPath                   = "CDKTR_DB_PATH"
)

// Config holds every runtime setting shared by the principal, agents, and
// the CLI. One instance is built at startup and passed down by value.
type Config struct {
	// PrincipalHost is the interface the principal binds and the host
	// clients dial
	PrincipalHost string

	// PrincipalPort serves the control protocol
	PrincipalPort int

	// LogsListeningPort accepts log frames from agents
	LogsListeningPort int

	// LogsPublishingPort serves the log fan-out to subscribers
	LogsPublishingPort int

	// AgentMaxConcurrency caps concurrently executing tasks per agent
	AgentMaxConcurrency int

	// RetryAttempts bounds client retries of idempotent control requests
	RetryAttempts int

	// DefaultTimeout bounds one control request/reply exchange
	DefaultTimeout time.Duration

	// WorkflowDir is the root directory of workflow definition files
	WorkflowDir string

	// WorkflowRefreshInterval is how often the workflow store re-walks
	// WorkflowDir
	WorkflowRefreshInterval time.Duration

	// SchedulerPollInterval caps how long the scheduler sleeps between
	// wakeups, and is the agent's idle fetch interval
	SchedulerPollInterval time.Duration

	// QueuePersistenceInterval is how often the workflow queue snapshots
	// itself to disk
	QueuePersistenceInterval time.Duration

	// LogFlushInterval is how often buffered log frames and status rows are
	// bulk-inserted into the database
	LogFlushInterval time.Duration

	// QueueCapacity bounds the workflow queue; enqueues beyond it are
	// rejected
	QueueCapacity int

	// AgentHeartbeatTimeout is the silence after which the monitor declares
	// an agent lost
	AgentHeartbeatTimeout time.Duration

	// AppDataDir holds the queue snapshot and, by default, the database
	AppDataDir string

	// DBPath is the SQLite database file
	DBPath string
}

// Default returns the documented default configuration. The app data
// directory resolves under the user's home directory when available.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	appData := filepath.Join(home, ".cdktr")

	return Config{
		PrincipalHost:            "0.0.0.0",
		PrincipalPort:            5561,
		LogsListeningPort:        5562,
		LogsPublishingPort:       5563,
		AgentMaxConcurrency:      5,
		RetryAttempts:            20,
		DefaultTimeout:           3000 * time.Millisecond,
		WorkflowDir:              "workflows",
		WorkflowRefreshInterval:  60 * time.Second,
		SchedulerPollInterval:    500 * time.Millisecond,
		QueuePersistenceInterval: 1000 * time.Millisecond,
		LogFlushInterval:         30000 * time.Millisecond,
		QueueCapacity:            1024,
		AgentHeartbeatTimeout:    30000 * time.Millisecond,
		AppDataDir:               appData,
		DBPath:                   filepath.Join(appData, "app.db"),
	}
}

// FromEnv layers the environment over Default. DB path defaults under the
// app data directory, so an overridden CDKTR_APP_DATA_DIRECTORY moves the
// database with it unless CDKTR_DB_PATH pins it explicitly.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv(EnvPrincipalHost); v != "" {
		cfg.PrincipalHost = v
	}
	if v := os.Getenv(EnvWorkflowDir); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv(EnvAppDataDirectory); v != "" {
		cfg.AppDataDir = v
		cfg.DBPath = filepath.Join(v, "app.db")
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.PrincipalPort, err = envInt(EnvPrincipalPort, cfg.PrincipalPort); err != nil {
		return cfg, err
	}
	if cfg.LogsListeningPort, err = envInt(EnvLogsListeningPort, cfg.LogsListeningPort); err != nil {
		return cfg, err
	}
	if cfg.LogsPublishingPort, err = envInt(EnvLogsPublishingPort, cfg.LogsPublishingPort); err != nil {
		return cfg, err
	}
	if cfg.AgentMaxConcurrency, err = envInt(EnvAgentMaxConcurrency, cfg.AgentMaxConcurrency); err != nil {
		return cfg, err
	}
	if cfg.RetryAttempts, err = envInt(EnvRetryAttempts, cfg.RetryAttempts); err != nil {
		return cfg, err
	}
	if cfg.QueueCapacity, err = envInt(EnvQueueCapacity, cfg.QueueCapacity); err != nil {
		return cfg, err
	}
	if cfg.DefaultTimeout, err = envMillis(EnvDefaultTimeoutMS, cfg.DefaultTimeout); err != nil {
		return cfg, err
	}
	if cfg.SchedulerPollInterval, err = envMillis(EnvSchedulerPollMS, cfg.SchedulerPollInterval); err != nil {
		return cfg, err
	}
	if cfg.QueuePersistenceInterval, err = envMillis(EnvQueuePersistenceMS, cfg.QueuePersistenceInterval); err != nil {
		return cfg, err
	}
	if cfg.LogFlushInterval, err = envMillis(EnvLogFlushMS, cfg.LogFlushInterval); err != nil {
		return cfg, err
	}
	if cfg.AgentHeartbeatTimeout, err = envMillis(EnvAgentHeartbeatTimeoutMS, cfg.AgentHeartbeatTimeout); err != nil {
		return cfg, err
	}
	if cfg.WorkflowRefreshInterval, err = envSeconds(EnvWorkflowRefreshS, cfg.WorkflowRefreshInterval); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// dialHost returns the host clients should dial. The default bind address
// is the wildcard, which is not dialable; clients on the same machine reach
// it via loopback.
func (c Config) dialHost() string {
	if c.PrincipalHost == "0.0.0.0" || c.PrincipalHost == "::" {
		return "127.0.0.1"
	}
	return c.PrincipalHost
}

// ControlAddr returns the host:port the control server binds.
func (c Config) ControlAddr() string {
	return net.JoinHostPort(c.PrincipalHost, strconv.Itoa(c.PrincipalPort))
}

// ControlURL returns the websocket URL clients dial for the control
// endpoint.
func (c Config) ControlURL() string {
	return fmt.Sprintf("ws://%s/control", net.JoinHostPort(c.dialHost(), strconv.Itoa(c.PrincipalPort)))
}

// LogIngestAddr returns the host:port the log ingest server binds.
func (c Config) LogIngestAddr() string {
	return net.JoinHostPort(c.PrincipalHost, strconv.Itoa(c.LogsListeningPort))
}

// LogIngestURL returns the websocket URL agents publish log frames to.
func (c Config) LogIngestURL() string {
	return fmt.Sprintf("ws://%s/ingest", net.JoinHostPort(c.dialHost(), strconv.Itoa(c.LogsListeningPort)))
}

// LogSubscribeAddr returns the host:port the log fan-out server binds.
func (c Config) LogSubscribeAddr() string {
	return net.JoinHostPort(c.PrincipalHost, strconv.Itoa(c.LogsPublishingPort))
}

// LogSubscribeURL returns the websocket URL subscribers dial, filtered to
// workflow ids with the given prefix. An empty prefix subscribes to all.
func (c Config) LogSubscribeURL(workflowIDPrefix string) string {
	base := fmt.Sprintf("ws://%s/subscribe", net.JoinHostPort(c.dialHost(), strconv.Itoa(c.LogsPublishingPort)))
	if workflowIDPrefix == "" {
		return base
	}
	return base + "?workflow_id=" + url.QueryEscape(workflowIDPrefix)
}

// SnapshotPath returns the workflow queue snapshot file.
func (c Config) SnapshotPath() string {
	return filepath.Join(c.AppDataDir, "queue.snapshot")
}

// EnsureAppDataDir creates the app data directory with owner-only
// permissions if it does not exist.
func (c Config) EnsureAppDataDir() error {
	if err := os.MkdirAll(c.AppDataDir, 0700); err != nil {
		return fmt.Errorf("creating app data directory %s: %w", c.AppDataDir, err)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def.Milliseconds()))
	if err != nil {
		return def, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	if err != nil {
		return def, err
	}
	return time.Duration(n) * time.Second, nil
}

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

package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/pkg/protocol"
)

// Build information, set via SetVersion from the main package.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags shared by every subcommand.
var (
	principalAddr string
	timeoutFlag   time.Duration
	jsonOutput    bool
)

// SetVersion records build information for the version output.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	buildDate = d
}

// NewRootCommand creates the root cdktr command with all subcommands
// attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdktr",
		Short: "Command line client for the cdktr orchestrator",
		Long: `cdktr talks to a running principal over its websocket control API.

Connection settings are read from the CDKTR_PRINCIPAL_HOST and
CDKTR_PRINCIPAL_PORT environment variables; --principal overrides both
for a single invocation.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&principalAddr, "principal", "", "principal control address as host:port (default from environment)")
	cmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 0, "per-request timeout (default CDKTR_DEFAULT_TIMEOUT_MS)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(
		newPingCommand(),
		newRunCommand(),
		newWorkflowsCommand(),
		newAgentsCommand(),
		newStatusesCommand(),
		newLogsCommand(),
		newValidateCommand(),
		newExamplesCommand(),
	)

	return cmd
}

// loadConfig resolves the client configuration from the environment and
// applies the global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if principalAddr != "" {
		host, portStr, err := net.SplitHostPort(principalAddr)
		if err != nil {
			return cfg, fmt.Errorf("invalid --principal %q: %w", principalAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid --principal port %q", portStr)
		}
		cfg.PrincipalHost = host
		cfg.PrincipalPort = port
	}
	if timeoutFlag > 0 {
		cfg.DefaultTimeout = timeoutFlag
	}
	return cfg, nil
}

// newClient builds a control client from the resolved configuration.
// Callers own Close.
func newClient(cfg config.Config) *protocol.Client {
	return protocol.NewClient(cfg.ControlURL(),
		protocol.WithTimeout(cfg.DefaultTimeout),
		protocol.WithRetryAttempts(cfg.RetryAttempts),
	)
}

// commandContext returns a context cancelled by SIGINT or SIGTERM so a
// stuck request can be abandoned from the terminal.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tombee/cdktr/internal/agent"
	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		principalAddr = flag.String("principal", "", "Principal address as host:port (default CDKTR_PRINCIPAL_HOST/PORT)")
		capacity      = flag.Int("capacity", 0, "Maximum concurrent tasks (default CDKTR_AGENT_MAX_CONCURRENCY)")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cdktr-agent %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	// Load configuration from environment
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *principalAddr != "" {
		host, portStr, err := net.SplitHostPort(*principalAddr)
		if err != nil {
			logger.Error("Invalid -principal address", slog.Any("error", err))
			os.Exit(1)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			logger.Error("Invalid -principal port", slog.String("port", portStr))
			os.Exit(1)
		}
		cfg.PrincipalHost = host
		cfg.PrincipalPort = port
	}
	if *capacity > 0 {
		cfg.AgentMaxConcurrency = *capacity
	}

	// Create agent instance
	a := agent.New(cfg, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start agent
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := a.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Agent error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

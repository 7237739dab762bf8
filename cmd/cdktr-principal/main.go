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
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/log"
	"github.com/tombee/cdktr/internal/principal"
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
		host        = flag.String("host", "", "Address the servers bind (default CDKTR_PRINCIPAL_HOST)")
		port        = flag.Int("port", 0, "Control server port (default CDKTR_PRINCIPAL_PORT)")
		workflowDir = flag.String("workflow-dir", "", "Directory of workflow definition files")
		dbPath      = flag.String("db", "", "SQLite database path (default under the app data directory)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cdktr-principal %s (commit: %s, built: %s)\n", version, commit, buildDate)
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
	if *host != "" {
		cfg.PrincipalHost = *host
	}
	if *port != 0 {
		cfg.PrincipalPort = *port
	}
	if *workflowDir != "" {
		cfg.WorkflowDir = *workflowDir
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	// Create principal instance
	p, err := principal.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to create principal", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start principal
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := p.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Principal error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// Package harness provides utilities for end-to-end orchestration tests.
//
// A Harness runs a real principal and real agents inside the test process,
// bound to ephemeral loopback ports and backed by temporary directories.
// Tasks execute as real child processes, so scenarios exercise the full
// path: control protocol, queueing, scheduling, DAG execution, and the log
// stream.
package harness

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tombee/cdktr/internal/agent"
	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/principal"
	"github.com/tombee/cdktr/pkg/protocol"
)

// Harness owns one principal, its agents, and a control client for the
// test to drive them with.
type Harness struct {
	t   *testing.T
	cfg config.Config

	principal *principal.Principal
	agents    []*agent.Agent
	client    *protocol.Client

	workflowDir string
	appDataDir  string

	agentCount       int
	agentCapacity    int
	heartbeatTimeout time.Duration
	workflows        map[string]string
}

// New starts a principal and agents per the options and registers cleanup
// via t.Cleanup. Workflow fixtures given with WithWorkflow are on disk
// before the principal's initial load.
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	h := &Harness{
		t:             t,
		workflowDir:   t.TempDir(),
		appDataDir:    t.TempDir(),
		agentCount:    1,
		agentCapacity: 2,
		workflows:     make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			t.Fatalf("apply harness option: %v", err)
		}
	}

	cfg := config.Default()
	cfg.PrincipalHost = "127.0.0.1"
	cfg.PrincipalPort = 0
	cfg.LogsListeningPort = 0
	cfg.LogsPublishingPort = 0
	cfg.WorkflowDir = h.workflowDir
	cfg.AppDataDir = h.appDataDir
	cfg.DBPath = filepath.Join(h.appDataDir, "app.db")
	cfg.DefaultTimeout = 2 * time.Second
	cfg.RetryAttempts = 5
	cfg.SchedulerPollInterval = 50 * time.Millisecond
	cfg.QueuePersistenceInterval = 100 * time.Millisecond
	cfg.LogFlushInterval = 100 * time.Millisecond
	cfg.AgentMaxConcurrency = h.agentCapacity
	if h.heartbeatTimeout > 0 {
		cfg.AgentHeartbeatTimeout = h.heartbeatTimeout
	}
	h.cfg = cfg

	for path, body := range h.workflows {
		h.writeWorkflowFile(path, body)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if testing.Verbose() {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	p, err := principal.New(h.cfg, logger)
	if err != nil {
		t.Fatalf("create principal: %v", err)
	}
	h.principal = p

	runCtx, stop := context.WithCancel(context.Background())
	go p.Start(runCtx)
	h.waitForListeners()

	// Rebuild the dial config around the ports that were actually bound.
	h.cfg.PrincipalPort = portOf(t, p.ControlAddr())
	h.cfg.LogsListeningPort = portOf(t, p.LogIngestAddr())
	h.cfg.LogsPublishingPort = portOf(t, p.LogSubscribeAddr())

	for i := 0; i < h.agentCount; i++ {
		a := agent.New(h.cfg, logger)
		h.agents = append(h.agents, a)
		go a.Start(runCtx)
	}

	h.client = protocol.NewClient(h.cfg.ControlURL(),
		protocol.WithTimeout(h.cfg.DefaultTimeout),
		protocol.WithRetryAttempts(h.cfg.RetryAttempts),
	)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()

		h.client.Close()
		stop()
		for _, a := range h.agents {
			if err := a.Shutdown(shutdownCtx); err != nil {
				t.Logf("agent shutdown: %v", err)
			}
		}
		if err := p.Shutdown(shutdownCtx); err != nil {
			t.Logf("principal shutdown: %v", err)
		}
	})

	return h
}

// Client returns the control client wired to the principal.
func (h *Harness) Client() *protocol.Client {
	return h.client
}

// Config returns the configuration in use, with the ports that were
// actually bound.
func (h *Harness) Config() config.Config {
	return h.cfg
}

// WriteWorkflow adds a workflow definition file after startup. The watcher
// or the periodic refresh picks it up; WaitForWorkflow confirms the load.
func (h *Harness) WriteWorkflow(relPath, body string) {
	h.t.Helper()
	h.writeWorkflowFile(relPath, body)
}

func (h *Harness) writeWorkflowFile(relPath, body string) {
	h.t.Helper()
	path := filepath.Join(h.workflowDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("create workflow dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		h.t.Fatalf("write workflow %s: %v", relPath, err)
	}
}

// waitForListeners blocks until all three servers report bound addresses.
func (h *Harness) waitForListeners() {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		control := h.principal.ControlAddr()
		ingest := h.principal.LogIngestAddr()
		fanout := h.principal.LogSubscribeAddr()
		if ingest != "" && fanout != "" && !strings.HasSuffix(control, ":0") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatal("principal listeners did not come up")
}

// portOf extracts the port from a host:port address.
func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return port
}

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

package principal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/sqlite"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.PrincipalHost = "127.0.0.1"
	cfg.PrincipalPort = 0
	cfg.LogsListeningPort = 0
	cfg.LogsPublishingPort = 0
	cfg.WorkflowDir = t.TempDir()
	cfg.AppDataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.AppDataDir, "app.db")
	cfg.WorkflowRefreshInterval = time.Hour
	cfg.SchedulerPollInterval = 20 * time.Millisecond
	cfg.QueuePersistenceInterval = 20 * time.Millisecond
	return cfg
}

// startPrincipal runs Start in the background and waits for the control
// listener to come up.
func startPrincipal(t *testing.T, cfg config.Config) (*Principal, <-chan error, context.CancelFunc) {
	t.Helper()

	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := p.ControlAddr(); !strings.HasSuffix(addr, ":0") {
			return p, errCh, cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("Principal did not start listening in time")
	return nil, nil, nil
}

func TestPrincipal_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeWorkflow(t, cfg.WorkflowDir, "billing.yml", billingWorkflow)

	p, errCh, cancel := startPrincipal(t, cfg)

	client := protocol.NewClient("ws://"+p.ControlAddr()+"/control",
		protocol.WithTimeout(2*time.Second),
		protocol.WithRetryAttempts(2),
	)
	defer client.Close()
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	agentID, err := client.RegisterAgent(ctx, "127.0.0.1:9000", 5)
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	instanceID, err := client.RunWorkflow(ctx, "billing", workflow.TriggerManual)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}

	res, err := client.FetchWorkflow(ctx, agentID)
	if err != nil {
		t.Fatalf("FetchWorkflow failed: %v", err)
	}
	if !res.Assigned || res.WorkflowInstanceID != instanceID {
		t.Fatalf("Expected an assignment for %s, got %+v", instanceID, res)
	}
	if res.Definition == nil || res.Definition.ID != "billing" {
		t.Fatalf("Unexpected definition payload: %+v", res.Definition)
	}

	base := time.Now().UnixMilli()
	for i, status := range []workflow.RunStatus{workflow.StatusRunning, workflow.StatusCompleted} {
		err := client.ReportStatus(ctx, protocol.ReportStatusParams{
			WorkflowID:         "billing",
			WorkflowInstanceID: instanceID,
			Status:             status,
			TimestampMS:        base + int64(i+1)*1000,
		})
		if err != nil {
			t.Fatalf("ReportStatus %s failed: %v", status, err)
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Expected a second shutdown to be a no-op, got %v", err)
	}

	if _, err := os.Stat(cfg.SnapshotPath()); err != nil {
		t.Errorf("Expected a final queue snapshot: %v", err)
	}

	// Shutdown flushed the persister before closing the database, so the
	// reports survive a reopen.
	history, err := sqlite.New(sqlite.Config{Path: cfg.DBPath})
	if err != nil {
		t.Fatalf("Reopening database failed: %v", err)
	}
	defer history.Close()

	statuses, err := history.RecentWorkflowStatuses(ctx, 10)
	if err != nil {
		t.Fatalf("RecentWorkflowStatuses failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 instance, got %d", len(statuses))
	}
	if statuses[0].WorkflowInstanceID != instanceID || statuses[0].Status != workflow.StatusCompleted {
		t.Errorf("Expected %s COMPLETED, got %+v", instanceID, statuses[0])
	}
}

func TestPrincipal_RestoresQueueSnapshot(t *testing.T) {
	cfg := testConfig(t)
	writeWorkflow(t, cfg.WorkflowDir, "billing.yml", billingWorkflow)

	snapshot := `{
  "saved_at_ms": 1700000000000,
  "items": [
    {"workflow_id": "billing", "workflow_instance_id": "inst-restored", "trigger_origin": "MANUAL"}
  ]
}`
	if err := os.WriteFile(cfg.SnapshotPath(), []byte(snapshot), 0o600); err != nil {
		t.Fatalf("Writing snapshot failed: %v", err)
	}

	p, errCh, cancel := startPrincipal(t, cfg)
	defer func() {
		cancel()
		<-errCh
		p.Shutdown(context.Background())
	}()

	client := protocol.NewClient("ws://"+p.ControlAddr()+"/control",
		protocol.WithTimeout(2*time.Second),
		protocol.WithRetryAttempts(2),
	)
	defer client.Close()
	ctx := context.Background()

	agentID, err := client.RegisterAgent(ctx, "127.0.0.1:9000", 5)
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	res, err := client.FetchWorkflow(ctx, agentID)
	if err != nil {
		t.Fatalf("FetchWorkflow failed: %v", err)
	}
	if !res.Assigned || res.WorkflowInstanceID != "inst-restored" {
		t.Fatalf("Expected the restored instance, got %+v", res)
	}
	if res.TriggerOrigin != workflow.TriggerManual {
		t.Errorf("Expected origin %s, got %s", workflow.TriggerManual, res.TriggerOrigin)
	}
}

func TestPrincipal_ShutdownBeforeStart(t *testing.T) {
	p, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected shutdown of an unstarted principal to be a no-op, got %v", err)
	}
}

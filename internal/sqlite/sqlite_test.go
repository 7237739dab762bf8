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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/cdktr/internal/logstream"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// createTestStore creates a store backed by a database file in a temporary
// directory.
func createTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s, dbPath
}

func testLogFrame(workflowID, payload string, timestampMS int64) protocol.LogFrame {
	return protocol.LogFrame{
		WorkflowID:         workflowID,
		WorkflowName:       "Test " + workflowID,
		WorkflowInstanceID: workflowID + "-inst-1",
		TaskName:           "run",
		TaskInstanceID:     "run-inst-1",
		TimestampMS:        timestampMS,
		Level:              protocol.LevelInfo,
		Payload:            payload,
	}
}

func TestStore_InsertAndQueryLogs(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	frames := []protocol.LogFrame{
		testLogFrame("etl.daily", "line 1", 1000),
		testLogFrame("etl.daily", "line 2", 2000),
		testLogFrame("etl.daily", "line 3", 3000),
	}
	if err := s.InsertLogFrames(ctx, frames); err != nil {
		t.Fatalf("failed to insert frames: %v", err)
	}

	got, err := s.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 1, EndMS: 5000})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f != frames[i] {
			t.Errorf("Expected frame %d to round-trip unchanged, got %+v", i, f)
		}
	}
}

func TestStore_QueryLogsWindow(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	frames := []protocol.LogFrame{
		testLogFrame("etl.daily", "before", 1000),
		testLogFrame("etl.daily", "inside", 2000),
		testLogFrame("etl.daily", "edge", 3000),
		testLogFrame("etl.daily", "after", 4000),
	}
	if err := s.InsertLogFrames(ctx, frames); err != nil {
		t.Fatalf("failed to insert frames: %v", err)
	}

	got, err := s.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 2000, EndMS: 3000})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames in window, got %d", len(got))
	}
	if got[0].Payload != "inside" || got[1].Payload != "edge" {
		t.Errorf("Expected inside and edge frames in order, got %q and %q", got[0].Payload, got[1].Payload)
	}
}

func TestStore_QueryLogsFilters(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	frames := []protocol.LogFrame{
		testLogFrame("etl.daily", "etl 1", 1000),
		testLogFrame("report.weekly", "report 1", 2000),
		testLogFrame("etl.daily", "etl 2", 3000),
	}
	if err := s.InsertLogFrames(ctx, frames); err != nil {
		t.Fatalf("failed to insert frames: %v", err)
	}

	// Filter by workflow ID.
	etl, err := s.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 1, EndMS: 5000, WorkflowID: "etl.daily"})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(etl) != 2 {
		t.Errorf("Expected 2 etl.daily frames, got %d", len(etl))
	}

	// Filter by instance ID.
	inst, err := s.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 1, EndMS: 5000, WorkflowInstanceID: "report.weekly-inst-1"})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(inst) != 1 {
		t.Fatalf("Expected 1 frame for instance, got %d", len(inst))
	}
	if inst[0].Payload != "report 1" {
		t.Errorf("Expected report 1, got %q", inst[0].Payload)
	}

	// Limit.
	limited, err := s.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 1, EndMS: 5000, Limit: 2})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 frames with limit, got %d", len(limited))
	}
	if limited[0].Payload != "etl 1" {
		t.Errorf("Expected limit to keep the oldest frames, got %q first", limited[0].Payload)
	}
}

func TestStore_QueryLogsDefaultWindow(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	now := time.Now().UnixMilli()
	frames := []protocol.LogFrame{
		testLogFrame("etl.daily", "stale", now-25*time.Hour.Milliseconds()),
		testLogFrame("etl.daily", "fresh", now),
	}
	if err := s.InsertLogFrames(ctx, frames); err != nil {
		t.Fatalf("failed to insert frames: %v", err)
	}

	got, err := s.QueryLogs(ctx, protocol.QueryLogsParams{})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected only the frame inside the trailing 24h window, got %d frames", len(got))
	}
	if got[0].Payload != "fresh" {
		t.Errorf("Expected fresh frame, got %q", got[0].Payload)
	}
}

func TestStore_QueryLogsStableOrderOnTies(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	frames := []protocol.LogFrame{
		testLogFrame("etl.daily", "first", 1000),
		testLogFrame("etl.daily", "second", 1000),
		testLogFrame("etl.daily", "third", 1000),
	}
	if err := s.InsertLogFrames(ctx, frames); err != nil {
		t.Fatalf("failed to insert frames: %v", err)
	}

	got, err := s.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 1, EndMS: 5000})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Payload != want {
			t.Errorf("Expected %q at position %d, got %q", want, i, got[i].Payload)
		}
	}
}

func TestStore_RecentWorkflowStatuses(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	rows := []logstream.WorkflowStatusRow{
		{WorkflowID: "etl.daily", WorkflowInstanceID: "inst-a", Status: workflow.StatusPending, TimestampMS: 1000},
		{WorkflowID: "report.weekly", WorkflowInstanceID: "inst-b", Status: workflow.StatusPending, TimestampMS: 1500},
		{WorkflowID: "etl.daily", WorkflowInstanceID: "inst-a", Status: workflow.StatusRunning, TimestampMS: 2000},
		{WorkflowID: "report.weekly", WorkflowInstanceID: "inst-b", Status: workflow.StatusRunning, TimestampMS: 2500},
		{WorkflowID: "etl.daily", WorkflowInstanceID: "inst-a", Status: workflow.StatusCompleted, TimestampMS: 3000},
	}
	if err := s.InsertWorkflowStatuses(ctx, rows); err != nil {
		t.Fatalf("failed to insert statuses: %v", err)
	}

	got, err := s.RecentWorkflowStatuses(ctx, 10)
	if err != nil {
		t.Fatalf("failed to query recent statuses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 instances, got %d", len(got))
	}

	// Newest activity first, and each instance reports its latest row only.
	if got[0].WorkflowInstanceID != "inst-a" || got[0].Status != workflow.StatusCompleted || got[0].TimestampMS != 3000 {
		t.Errorf("Expected inst-a COMPLETED at 3000 first, got %+v", got[0])
	}
	if got[1].WorkflowInstanceID != "inst-b" || got[1].Status != workflow.StatusRunning || got[1].TimestampMS != 2500 {
		t.Errorf("Expected inst-b RUNNING at 2500 second, got %+v", got[1])
	}

	// Limit keeps the most recent instances.
	limited, err := s.RecentWorkflowStatuses(ctx, 1)
	if err != nil {
		t.Fatalf("failed to query recent statuses: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("Expected 1 instance with limit, got %d", len(limited))
	}
	if limited[0].WorkflowInstanceID != "inst-a" {
		t.Errorf("Expected inst-a with limit 1, got %s", limited[0].WorkflowInstanceID)
	}
}

func TestStore_InsertTaskStatuses(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	rows := []logstream.TaskStatusRow{
		{TaskID: "extract", TaskInstanceID: "extract-1", WorkflowInstanceID: "inst-a", Status: workflow.StatusRunning, TimestampMS: 1000},
		{TaskID: "extract", TaskInstanceID: "extract-1", WorkflowInstanceID: "inst-a", Status: workflow.StatusCompleted, TimestampMS: 2000},
	}
	if err := s.InsertTaskStatuses(ctx, rows); err != nil {
		t.Fatalf("failed to insert task statuses: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_run_status").Scan(&count); err != nil {
		t.Fatalf("failed to count task statuses: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 task status rows, got %d", count)
	}

	// Insert-only: both rows survive, current state is the newest.
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM task_run_status
		WHERE task_instance_id = ?
		ORDER BY timestamp_ms DESC LIMIT 1
	`, "extract-1").Scan(&status)
	if err != nil {
		t.Fatalf("failed to query task status: %v", err)
	}
	if status != string(workflow.StatusCompleted) {
		t.Errorf("Expected COMPLETED as current task status, got %s", status)
	}
}

func TestStore_EmptyBatchesAreNoops(t *testing.T) {
	s, _ := createTestStore(t)

	ctx := context.Background()
	if err := s.InsertLogFrames(ctx, nil); err != nil {
		t.Errorf("Expected nil error for empty frame batch, got %v", err)
	}
	if err := s.InsertWorkflowStatuses(ctx, nil); err != nil {
		t.Errorf("Expected nil error for empty workflow batch, got %v", err)
	}
	if err := s.InsertTaskStatuses(ctx, nil); err != nil {
		t.Errorf("Expected nil error for empty task batch, got %v", err)
	}
}

func TestStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	s1, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	frame := testLogFrame("etl.daily", "survives restart", 1000)
	if err := s1.InsertLogFrames(ctx, []protocol.LogFrame{frame}); err != nil {
		t.Fatalf("failed to insert frame: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// Reopen: migrations are idempotent and data survives.
	s2, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	got, err := s2.QueryLogs(ctx, protocol.QueryLogsParams{StartMS: 1, EndMS: 5000})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 persisted frame, got %d", len(got))
	}
	if got[0] != frame {
		t.Errorf("Expected frame to survive reopen unchanged, got %+v", got[0])
	}
}

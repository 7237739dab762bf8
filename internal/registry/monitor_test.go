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

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// recordedRow captures one synthesized status row.
type recordedRow struct {
	workflowID     string
	taskID         string
	taskInstanceID string
	instanceID     string
	status         workflow.RunStatus
	timestampMS    int64
}

// fakeRecorder collects synthesized rows.
type fakeRecorder struct {
	mu        sync.Mutex
	workflows []recordedRow
	tasks     []recordedRow
}

func (f *fakeRecorder) RecordWorkflowStatus(workflowID, instanceID string, status workflow.RunStatus, timestampMS int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = append(f.workflows, recordedRow{
		workflowID:  workflowID,
		instanceID:  instanceID,
		status:      status,
		timestampMS: timestampMS,
	})
}

func (f *fakeRecorder) RecordTaskStatus(taskID, taskInstanceID, instanceID string, status workflow.RunStatus, timestampMS int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, recordedRow{
		taskID:         taskID,
		taskInstanceID: taskInstanceID,
		instanceID:     instanceID,
		status:         status,
		timestampMS:    timestampMS,
	})
}

const heartbeatTimeout = 30 * time.Second

func newMonitorFixture(t *testing.T) (*Registry, *Monitor, *fakeRecorder, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r := New(clock, nil)
	rec := &fakeRecorder{}
	m := NewMonitor(r, rec, heartbeatTimeout, time.Second, clock, nil)
	return r, m, rec, clock
}

func TestMonitor_ReclaimsFromLostAgent(t *testing.T) {
	r, m, rec, clock := newMonitorFixture(t)

	agent := r.Register("ws://10.0.0.5:6000/control", 5)
	if err := r.Assign("etl.daily", "inst-1", agent.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// The agent reported some progress before dying: one running task,
	// one still pending, one already completed.
	for _, p := range []protocol.ReportStatusParams{
		{WorkflowInstanceID: "inst-1", TaskID: "extract", TaskInstanceID: "ti-extract", Status: workflow.StatusCompleted},
		{WorkflowInstanceID: "inst-1", TaskID: "transform", TaskInstanceID: "ti-transform", Status: workflow.StatusRunning},
		{WorkflowInstanceID: "inst-1", TaskID: "load", TaskInstanceID: "ti-load", Status: workflow.StatusPending},
	} {
		r.ObserveStatus(p)
	}

	clock.Advance(heartbeatTimeout + time.Second)
	m.Sweep()

	if r.Len() != 0 {
		t.Errorf("Expected lost agent to be removed, got %d agents", r.Len())
	}

	if len(rec.workflows) != 1 {
		t.Fatalf("Expected 1 workflow CRASHED row, got %d", len(rec.workflows))
	}
	wf := rec.workflows[0]
	if wf.workflowID != "etl.daily" || wf.instanceID != "inst-1" {
		t.Errorf("Unexpected workflow row: %+v", wf)
	}
	if wf.status != workflow.StatusCrashed {
		t.Errorf("Expected CRASHED, got %s", wf.status)
	}
	if wf.timestampMS != clock.Now().UnixMilli() {
		t.Errorf("Expected timestamp %d, got %d", clock.Now().UnixMilli(), wf.timestampMS)
	}

	// Only the running and pending tasks get synthesized rows
	if len(rec.tasks) != 2 {
		t.Fatalf("Expected 2 task CRASHED rows, got %d", len(rec.tasks))
	}
	seen := map[string]string{}
	for _, row := range rec.tasks {
		if row.status != workflow.StatusCrashed {
			t.Errorf("Expected CRASHED task row, got %s", row.status)
		}
		seen[row.taskID] = row.taskInstanceID
	}
	if seen["transform"] != "ti-transform" {
		t.Errorf("Expected transform reclaim, got %+v", seen)
	}
	if seen["load"] != "ti-load" {
		t.Errorf("Expected load reclaim, got %+v", seen)
	}
	if _, ok := seen["extract"]; ok {
		t.Error("Completed task must not get a CRASHED row")
	}
}

func TestMonitor_HealthyAgentUntouched(t *testing.T) {
	r, m, rec, clock := newMonitorFixture(t)

	agent := r.Register("ws://10.0.0.5:6000/control", 5)
	if err := r.Assign("etl.daily", "inst-1", agent.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// Heartbeats keep arriving inside the window
	clock.Advance(20 * time.Second)
	if err := r.Heartbeat(agent.ID, 1); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	clock.Advance(20 * time.Second)
	m.Sweep()

	if r.Len() != 1 {
		t.Errorf("Expected healthy agent to survive, got %d agents", r.Len())
	}
	if len(rec.workflows) != 0 {
		t.Errorf("Expected no reclaimed instances, got %d", len(rec.workflows))
	}
	if !r.Assigned("inst-1") {
		t.Error("Expected assignment to survive")
	}
}

func TestMonitor_FinishedInstanceNotReclaimed(t *testing.T) {
	r, m, rec, clock := newMonitorFixture(t)

	agent := r.Register("ws://10.0.0.5:6000/control", 5)
	if err := r.Assign("etl.daily", "inst-1", agent.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// The instance finished before the agent died
	r.ObserveStatus(protocol.ReportStatusParams{
		WorkflowInstanceID: "inst-1",
		WorkflowID:         "etl.daily",
		Status:             workflow.StatusCompleted,
	})

	clock.Advance(heartbeatTimeout + time.Second)
	m.Sweep()

	if r.Len() != 0 {
		t.Errorf("Expected lost agent to be removed, got %d agents", r.Len())
	}
	if len(rec.workflows) != 0 {
		t.Errorf("Expected no CRASHED rows for finished instance, got %d", len(rec.workflows))
	}
}

func TestMonitor_OnlyExpiredAgentsReclaimed(t *testing.T) {
	r, m, rec, clock := newMonitorFixture(t)

	lost := r.Register("ws://10.0.0.5:6000/control", 5)
	if err := r.Assign("etl.daily", "inst-lost", lost.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	clock.Advance(heartbeatTimeout - time.Second)
	healthy := r.Register("ws://10.0.0.6:6000/control", 5)
	if err := r.Assign("etl.hourly", "inst-live", healthy.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	clock.Advance(2 * time.Second)
	m.Sweep()

	if r.Len() != 1 {
		t.Fatalf("Expected 1 surviving agent, got %d", r.Len())
	}
	if r.Agents()[0].ID != healthy.ID {
		t.Error("Expected the recently registered agent to survive")
	}
	if len(rec.workflows) != 1 || rec.workflows[0].instanceID != "inst-lost" {
		t.Errorf("Expected only inst-lost reclaimed, got %+v", rec.workflows)
	}
	if r.Assigned("inst-lost") {
		t.Error("Expected reclaimed assignment to be removed")
	}
	if !r.Assigned("inst-live") {
		t.Error("Expected healthy assignment to survive")
	}
}

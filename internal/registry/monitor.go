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
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tombee/cdktr/internal/log"
	"github.com/tombee/cdktr/pkg/workflow"
)

// StatusRecorder receives the status rows synthesized during reclamation.
// The principal wires it to the persister's status buffers.
type StatusRecorder interface {
	RecordWorkflowStatus(workflowID, instanceID string, status workflow.RunStatus, timestampMS int64)
	RecordTaskStatus(taskID, taskInstanceID, instanceID string, status workflow.RunStatus, timestampMS int64)
}

// Monitor sweeps the registry for agents whose heartbeats stopped and marks
// their in-flight work CRASHED. Reclamation is authoritative: an instance
// whose terminal report was lost ends as CRASHED, never as silent success.
type Monitor struct {
	registry *Registry
	recorder StatusRecorder
	timeout  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewMonitor creates a heartbeat monitor over registry. timeout is the
// liveness window; the sweep runs every interval.
func NewMonitor(registry *Registry, recorder StatusRecorder, timeout, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		recorder: recorder,
		timeout:  timeout,
		interval: interval,
		clock:    clock,
		logger:   logger.With(slog.String("component", "heartbeat-monitor")),
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep performs one scan: expired agents are removed and every workflow
// instance they held gets a workflow-level CRASHED row, plus task-level
// CRASHED rows for tasks last seen RUNNING or PENDING.
func (m *Monitor) Sweep() {
	lost := m.registry.expire(m.timeout)
	if len(lost) == 0 {
		return
	}

	now := m.clock.Now().UnixMilli()
	for _, instance := range lost {
		m.recorder.RecordWorkflowStatus(instance.workflowID, instance.instanceID, workflow.StatusCrashed, now)

		for taskID, ts := range instance.tasks {
			switch ts.status {
			case workflow.StatusRunning, workflow.StatusPending:
				m.recorder.RecordTaskStatus(taskID, ts.taskInstanceID, instance.instanceID, workflow.StatusCrashed, now)
			}
		}

		recordReclaim()
		m.logger.Warn("workflow instance reclaimed from lost agent",
			slog.String(log.WorkflowIDKey, instance.workflowID),
			slog.String(log.InstanceIDKey, instance.instanceID))
	}
}

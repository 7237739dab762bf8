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

// Package agent implements the worker daemon. A Supervisor registers with
// the principal, heartbeats, and fetches queued workflow instances; each
// assignment runs under its own TaskManager, which walks the task DAG,
// spawns executors, and reports status rows and log frames back.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tombee/cdktr/pkg/executor"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// taskOutputBuffer sizes the per-task line channels between the executor
// and the frame pumps.
const taskOutputBuffer = 64

// StatusReporter records status transitions with the principal.
// *protocol.Client satisfies it.
type StatusReporter interface {
	ReportStatus(ctx context.Context, params protocol.ReportStatusParams) error
}

// FramePublisher buffers log frames for delivery to the principal.
// *logstream.Publisher satisfies it.
type FramePublisher interface {
	Enqueue(frame protocol.LogFrame)
}

// TaskManagerConfig configures one workflow instance run.
type TaskManagerConfig struct {
	// Definition is the workflow to run
	Definition *workflow.Definition

	// WorkflowInstanceID identifies this run
	WorkflowInstanceID string

	// Slots bounds task parallelism. The supervisor shares one pool across
	// every instance it runs, so an instance's parallelism is whatever slots
	// the rest of the agent leaves free. Nil means a private single slot.
	Slots chan struct{}

	// Executor runs individual tasks
	Executor executor.Executor

	// Reporter records status transitions
	Reporter StatusReporter

	// Publisher carries executor output as log frames
	Publisher FramePublisher

	// Clock stamps rows and frames
	Clock clockwork.Clock

	// Logger is the structured logger
	Logger *slog.Logger
}

// TaskManager drives one workflow instance to a terminal status.
//
// It seeds a FIFO ready queue with the tasks that have no dependencies,
// spawns one executor goroutine per running task under the slot pool, and
// serializes every outcome through a completion channel. Task failure
// cascades SKIPPED rows to all transitive dependents; they never enter the
// ready queue.
type TaskManager struct {
	def        *workflow.Definition
	instanceID string
	slots      chan struct{}
	executor   executor.Executor
	reporter   StatusReporter
	publisher  FramePublisher
	clock      clockwork.Clock
	logger     *slog.Logger

	// taskInstances maps task ids to their minted instance ids. Written
	// once before any executor starts, read-only after.
	taskInstances map[string]string

	// status is the local view of each task's latest status. Only the Run
	// loop touches it.
	status map[string]workflow.RunStatus

	results chan taskResult
}

type taskResult struct {
	taskID string
	err    error
}

// NewTaskManager creates a task manager for one fetched assignment.
func NewTaskManager(cfg TaskManagerConfig) *TaskManager {
	if cfg.Slots == nil {
		cfg.Slots = make(chan struct{}, 1)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &TaskManager{
		def:           cfg.Definition,
		instanceID:    cfg.WorkflowInstanceID,
		slots:         cfg.Slots,
		executor:      cfg.Executor,
		reporter:      cfg.Reporter,
		publisher:     cfg.Publisher,
		clock:         cfg.Clock,
		logger: cfg.Logger.With(
			"component", "task-manager",
			"workflow_id", cfg.Definition.ID,
			"workflow_instance_id", cfg.WorkflowInstanceID,
		),
		taskInstances: make(map[string]string, len(cfg.Definition.Tasks)),
		status:        make(map[string]workflow.RunStatus, len(cfg.Definition.Tasks)),
		results:       make(chan taskResult),
	}
}

// Run executes the instance and blocks until it reaches a terminal status.
// Cancelling ctx stops new tasks from starting; in-flight tasks run to
// completion and the terminal row still goes out. The returned error is
// non-nil only when the definition itself cannot be run.
func (m *TaskManager) Run(ctx context.Context) error {
	// Zero-task definitions are rejected by validation upstream; one that
	// slips through completes trivially.
	if len(m.def.Tasks) == 0 {
		m.reportWorkflow(workflow.StatusRunning)
		m.reportWorkflow(workflow.StatusCompleted)
		recordInstanceRun(workflow.StatusCompleted)
		return nil
	}

	dag, err := workflow.NewDAG(m.def)
	if err != nil {
		m.reportWorkflow(workflow.StatusFailed)
		recordInstanceRun(workflow.StatusFailed)
		return err
	}

	// Every task gets a PENDING row before the workflow starts running.
	for _, taskID := range dag.TaskIDs() {
		m.taskInstances[taskID] = uuid.NewString()
		m.setTaskStatus(taskID, workflow.StatusPending)
	}
	m.reportWorkflow(workflow.StatusRunning)
	m.logger.Info("workflow instance running", "tasks", dag.Len())

	ready := dag.InitialReady()
	inflight := 0
	stopped := false

	for {
		if !stopped && ctx.Err() != nil {
			stopped = true
			m.logger.Info("shutdown requested, draining in-flight tasks", "inflight", inflight)
		}
		if stopped {
			ready = nil
		}
		if len(ready) == 0 && inflight == 0 {
			break
		}

		if len(ready) > 0 {
			// Whichever comes first: a free slot for the head of the ready
			// queue, or a completion.
			select {
			case m.slots <- struct{}{}:
				taskID := ready[0]
				ready = ready[1:]
				m.setTaskStatus(taskID, workflow.StatusRunning)
				inflight++
				go m.runTask(ctx, taskID, m.def.Tasks[taskID])
			case res := <-m.results:
				inflight--
				ready = m.handleResult(dag, res, ready)
			case <-ctx.Done():
				stopped = true
			}
			continue
		}

		if stopped {
			res := <-m.results
			inflight--
			ready = m.handleResult(dag, res, ready)
			continue
		}
		select {
		case res := <-m.results:
			inflight--
			ready = m.handleResult(dag, res, ready)
		case <-ctx.Done():
			stopped = true
		}
	}

	// COMPLETED only when every task completed; tasks that failed, were
	// skipped, or were abandoned by a drain all make the run FAILED.
	terminal := workflow.StatusCompleted
	for _, taskID := range dag.TaskIDs() {
		if m.status[taskID] != workflow.StatusCompleted {
			terminal = workflow.StatusFailed
			break
		}
	}
	m.reportWorkflow(terminal)
	recordInstanceRun(terminal)
	m.logger.Info("workflow instance finished", "status", terminal)
	return nil
}

// handleResult applies one task outcome and returns the updated ready queue.
func (m *TaskManager) handleResult(dag *workflow.DAG, res taskResult, ready []string) []string {
	if res.err != nil {
		m.logger.Warn("task failed", "task_id", res.taskID, "error", res.err)
		m.setTaskStatus(res.taskID, workflow.StatusFailed)
		recordTaskRun("failed")
		for _, dep := range dag.TransitiveDependents(res.taskID) {
			if m.status[dep] == workflow.StatusPending {
				m.setTaskStatus(dep, workflow.StatusSkipped)
			}
		}
		return ready
	}

	m.setTaskStatus(res.taskID, workflow.StatusCompleted)
	recordTaskRun("completed")
	return append(ready, dag.MarkDone(res.taskID)...)
}

// runTask executes one task, pumping its output into log frames, and
// delivers the outcome on the completion channel. The slot is released as
// soon as the process finishes so other instances can reuse it.
func (m *TaskManager) runTask(ctx context.Context, taskID string, task workflow.TaskDef) {
	stdout := make(chan string, taskOutputBuffer)
	stderr := make(chan string, taskOutputBuffer)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go m.pumpFrames(&pumps, taskID, task, protocol.PayloadPrefixStdout, protocol.LevelInfo, stdout)
	go m.pumpFrames(&pumps, taskID, task, protocol.PayloadPrefixStderr, protocol.LevelError, stderr)

	// In-flight tasks are never killed by agent shutdown; the run context
	// is detached so only process exit ends the task.
	err := m.executor.Run(context.WithoutCancel(ctx), taskID, task.Config, stdout, stderr)
	pumps.Wait()

	<-m.slots
	m.results <- taskResult{taskID: taskID, err: err}
}

// pumpFrames turns executor output lines into log frames. Enqueue never
// blocks, so a slow principal cannot stall the task.
func (m *TaskManager) pumpFrames(wg *sync.WaitGroup, taskID string, task workflow.TaskDef, prefix string, level protocol.LogLevel, lines <-chan string) {
	defer wg.Done()

	name := task.Name
	if name == "" {
		name = taskID
	}
	for line := range lines {
		m.publisher.Enqueue(protocol.LogFrame{
			WorkflowID:         m.def.ID,
			WorkflowName:       m.def.Name,
			WorkflowInstanceID: m.instanceID,
			TaskName:           name,
			TaskInstanceID:     m.taskInstances[taskID],
			TimestampMS:        m.clock.Now().UnixMilli(),
			Level:              level,
			Payload:            prefix + line,
		})
	}
}

func (m *TaskManager) setTaskStatus(taskID string, status workflow.RunStatus) {
	m.status[taskID] = status
	m.report(protocol.ReportStatusParams{
		WorkflowID:         m.def.ID,
		WorkflowInstanceID: m.instanceID,
		TaskID:             taskID,
		TaskInstanceID:     m.taskInstances[taskID],
		Status:             status,
		TimestampMS:        m.clock.Now().UnixMilli(),
	})
}

func (m *TaskManager) reportWorkflow(status workflow.RunStatus) {
	m.report(protocol.ReportStatusParams{
		WorkflowID:         m.def.ID,
		WorkflowInstanceID: m.instanceID,
		Status:             status,
		TimestampMS:        m.clock.Now().UnixMilli(),
	})
}

// report sends one status row. It runs on a background context so terminal
// rows still go out while the agent is draining. The client retries
// transient failures itself; a row lost beyond that is reconciled by the
// principal's heartbeat monitor.
func (m *TaskManager) report(params protocol.ReportStatusParams) {
	if err := m.reporter.ReportStatus(context.Background(), params); err != nil {
		m.logger.Warn("status report failed",
			"task_id", params.TaskID,
			"status", params.Status,
			"error", err,
		)
	}
}

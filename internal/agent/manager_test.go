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

package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// fakeReporter records status rows in arrival order.
type fakeReporter struct {
	mu   sync.Mutex
	rows []protocol.ReportStatusParams
}

func (r *fakeReporter) ReportStatus(_ context.Context, params protocol.ReportStatusParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, params)
	return nil
}

func (r *fakeReporter) all() []protocol.ReportStatusParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ReportStatusParams(nil), r.rows...)
}

// taskStatuses returns the rows reported for one task, in order.
func (r *fakeReporter) taskStatuses(taskID string) []workflow.RunStatus {
	var out []workflow.RunStatus
	for _, row := range r.all() {
		if row.TaskID == taskID {
			out = append(out, row.Status)
		}
	}
	return out
}

// workflowStatuses returns the workflow-level rows, in order.
func (r *fakeReporter) workflowStatuses() []workflow.RunStatus {
	var out []workflow.RunStatus
	for _, row := range r.all() {
		if row.TaskID == "" {
			out = append(out, row.Status)
		}
	}
	return out
}

// fakePublisher records enqueued log frames.
type fakePublisher struct {
	mu     sync.Mutex
	frames []protocol.LogFrame
}

func (p *fakePublisher) Enqueue(frame protocol.LogFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
}

func (p *fakePublisher) all() []protocol.LogFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.LogFrame(nil), p.frames...)
}

// taskScript tells the fake executor what one task does.
type taskScript struct {
	stdout []string
	stderr []string
	err    error

	// started is closed when the task begins, if set.
	started chan struct{}

	// release blocks the task until closed, if set.
	release chan struct{}
}

// fakeExecutor runs scripted tasks, tracking start order and peak
// concurrency.
type fakeExecutor struct {
	mu      sync.Mutex
	scripts map[string]taskScript
	order   []string
	active  int
	peak    int
}

func (e *fakeExecutor) Run(_ context.Context, taskID string, _ workflow.ExecutorConfig, stdout, stderr chan<- string) error {
	defer close(stdout)
	defer close(stderr)

	e.mu.Lock()
	e.order = append(e.order, taskID)
	e.active++
	if e.active > e.peak {
		e.peak = e.active
	}
	script := e.scripts[taskID]
	e.mu.Unlock()

	if script.started != nil {
		close(script.started)
	}
	for _, line := range script.stdout {
		stdout <- line
	}
	for _, line := range script.stderr {
		stderr <- line
	}
	if script.release != nil {
		<-script.release
	}

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	return script.err
}

func (e *fakeExecutor) startOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *fakeExecutor) peakActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

// testDef builds a definition from task id to dependency list.
func testDef(tasks map[string][]string) *workflow.Definition {
	d := &workflow.Definition{
		ID:    "wf-1",
		Name:  "nightly export",
		Tasks: make(map[string]workflow.TaskDef, len(tasks)),
	}
	for id, deps := range tasks {
		d.Tasks[id] = workflow.TaskDef{
			Depends: deps,
			Config:  workflow.ExecutorConfig{Command: "true"},
		}
	}
	return d
}

func newTestManager(d *workflow.Definition, exec *fakeExecutor, slots int) (*TaskManager, *fakeReporter, *fakePublisher) {
	reporter := &fakeReporter{}
	publisher := &fakePublisher{}
	var pool chan struct{}
	if slots > 0 {
		pool = make(chan struct{}, slots)
	}
	mgr := NewTaskManager(TaskManagerConfig{
		Definition:         d,
		WorkflowInstanceID: "wfi-1",
		Slots:              pool,
		Executor:           exec,
		Reporter:           reporter,
		Publisher:          publisher,
		Clock:              clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)),
	})
	return mgr, reporter, publisher
}

// awaitStart fails the test if the script's started channel stays closed.
func awaitStart(t *testing.T, started chan struct{}, taskID string) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("Task %s never started", taskID)
	}
}

// awaitRun collects Run's result with a deadline.
func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
		return nil
	}
}

func TestTaskManager_LinearChainRunsInOrder(t *testing.T) {
	exec := &fakeExecutor{scripts: map[string]taskScript{}}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	}), exec, 2)

	require.NoError(t, mgr.Run(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, exec.startOrder())
	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusCompleted}, reporter.workflowStatuses())
	for _, taskID := range []string{"a", "b", "c"} {
		assert.Equal(t, []workflow.RunStatus{
			workflow.StatusPending,
			workflow.StatusRunning,
			workflow.StatusCompleted,
		}, reporter.taskStatuses(taskID), "task %s", taskID)
	}

	// Every task has a PENDING row before the workflow goes RUNNING.
	rows := reporter.all()
	require.GreaterOrEqual(t, len(rows), 4)
	assert.Equal(t, "a", rows[0].TaskID)
	assert.Equal(t, "b", rows[1].TaskID)
	assert.Equal(t, "c", rows[2].TaskID)
	for _, row := range rows[:3] {
		assert.Equal(t, workflow.StatusPending, row.Status)
		assert.NotEmpty(t, row.TaskInstanceID)
	}
	assert.Empty(t, rows[3].TaskID)
	assert.Equal(t, workflow.StatusRunning, rows[3].Status)
}

func TestTaskManager_FanOutRunsConcurrently(t *testing.T) {
	startedB := make(chan struct{})
	startedC := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExecutor{scripts: map[string]taskScript{
		"b": {started: startedB, release: release},
		"c": {started: startedC, release: release},
	}}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
	}), exec, 2)

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()

	awaitStart(t, startedB, "b")
	awaitStart(t, startedC, "c")
	close(release)
	require.NoError(t, awaitRun(t, done))

	assert.Equal(t, 2, exec.peakActive())
	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusCompleted}, reporter.workflowStatuses())
}

func TestTaskManager_SharedSlotsBoundParallelism(t *testing.T) {
	exec := &fakeExecutor{scripts: map[string]taskScript{}}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": nil,
		"b": nil,
		"c": nil,
	}), exec, 1)

	require.NoError(t, mgr.Run(context.Background()))

	assert.Equal(t, 1, exec.peakActive())
	assert.Len(t, exec.startOrder(), 3)
	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusCompleted}, reporter.workflowStatuses())
}

func TestTaskManager_FailureSkipsDependents(t *testing.T) {
	exec := &fakeExecutor{scripts: map[string]taskScript{
		"b": {err: &cdktrerrors.ExecutorError{TaskID: "b", ExitCode: 1}},
	}}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": {"a"},
	}), exec, 2)

	require.NoError(t, mgr.Run(context.Background()))

	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusFailed}, reporter.workflowStatuses())
	assert.Equal(t, []workflow.RunStatus{
		workflow.StatusPending,
		workflow.StatusRunning,
		workflow.StatusFailed,
	}, reporter.taskStatuses("b"))
	assert.Equal(t, []workflow.RunStatus{
		workflow.StatusPending,
		workflow.StatusSkipped,
	}, reporter.taskStatuses("c"))
	assert.Equal(t, []workflow.RunStatus{
		workflow.StatusPending,
		workflow.StatusRunning,
		workflow.StatusCompleted,
	}, reporter.taskStatuses("d"))
	assert.NotContains(t, exec.startOrder(), "c")
}

func TestTaskManager_SkippedOnceAcrossCascades(t *testing.T) {
	exec := &fakeExecutor{scripts: map[string]taskScript{
		"a": {err: &cdktrerrors.ExecutorError{TaskID: "a", ExitCode: 1}},
		"b": {err: &cdktrerrors.ExecutorError{TaskID: "b", ExitCode: 1}},
	}}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a", "b"},
	}), exec, 2)

	require.NoError(t, mgr.Run(context.Background()))

	// c sits downstream of both failures but gets exactly one SKIPPED row.
	assert.Equal(t, []workflow.RunStatus{
		workflow.StatusPending,
		workflow.StatusSkipped,
	}, reporter.taskStatuses("c"))
	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusFailed}, reporter.workflowStatuses())
}

func TestTaskManager_ZeroTasksCompletesImmediately(t *testing.T) {
	exec := &fakeExecutor{}
	mgr, reporter, publisher := newTestManager(&workflow.Definition{
		ID:   "wf-1",
		Name: "empty",
	}, exec, 1)

	require.NoError(t, mgr.Run(context.Background()))

	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusCompleted}, reporter.workflowStatuses())
	assert.Len(t, reporter.all(), 2)
	assert.Empty(t, publisher.all())
	assert.Empty(t, exec.startOrder())
}

func TestTaskManager_InvalidDefinitionFails(t *testing.T) {
	exec := &fakeExecutor{}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}), exec, 1)

	err := mgr.Run(context.Background())
	require.Error(t, err)

	var invalid *cdktrerrors.InvalidWorkflowError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []workflow.RunStatus{workflow.StatusFailed}, reporter.workflowStatuses())
	assert.Empty(t, exec.startOrder())
}

func TestTaskManager_DrainFinishesInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExecutor{scripts: map[string]taskScript{
		"a": {started: started, release: release},
	}}
	mgr, reporter, _ := newTestManager(testDef(map[string][]string{
		"a": nil,
		"b": {"a"},
	}), exec, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	awaitStart(t, started, "a")
	cancel()
	close(release)
	require.NoError(t, awaitRun(t, done))

	// The in-flight task finished; the unstarted dependent never ran and
	// the instance closed out FAILED.
	assert.Equal(t, []workflow.RunStatus{
		workflow.StatusPending,
		workflow.StatusRunning,
		workflow.StatusCompleted,
	}, reporter.taskStatuses("a"))
	assert.Equal(t, []workflow.RunStatus{workflow.StatusPending}, reporter.taskStatuses("b"))
	assert.Equal(t, []workflow.RunStatus{workflow.StatusRunning, workflow.StatusFailed}, reporter.workflowStatuses())
	assert.Equal(t, []string{"a"}, exec.startOrder())
}

func TestTaskManager_StreamsOutputFrames(t *testing.T) {
	exec := &fakeExecutor{scripts: map[string]taskScript{
		"export": {
			stdout: []string{"row 1", "row 2"},
			stderr: []string{"boom"},
		},
	}}
	d := testDef(map[string][]string{"export": nil})
	task := d.Tasks["export"]
	task.Name = "Export table"
	d.Tasks["export"] = task

	mgr, _, publisher := newTestManager(d, exec, 1)
	require.NoError(t, mgr.Run(context.Background()))

	frames := publisher.all()
	require.Len(t, frames, 3)

	var stdout, stderr []protocol.LogFrame
	for _, frame := range frames {
		assert.Equal(t, "wf-1", frame.WorkflowID)
		assert.Equal(t, "nightly export", frame.WorkflowName)
		assert.Equal(t, "wfi-1", frame.WorkflowInstanceID)
		assert.Equal(t, "Export table", frame.TaskName)
		assert.NotEmpty(t, frame.TaskInstanceID)
		assert.NotZero(t, frame.TimestampMS)
		if strings.HasPrefix(frame.Payload, protocol.PayloadPrefixStdout) {
			stdout = append(stdout, frame)
		} else {
			stderr = append(stderr, frame)
		}
	}

	require.Len(t, stdout, 2)
	assert.Equal(t, protocol.PayloadPrefixStdout+"row 1", stdout[0].Payload)
	assert.Equal(t, protocol.PayloadPrefixStdout+"row 2", stdout[1].Payload)
	assert.Equal(t, protocol.LevelInfo, stdout[0].Level)

	require.Len(t, stderr, 1)
	assert.Equal(t, protocol.PayloadPrefixStderr+"boom", stderr[0].Payload)
	assert.Equal(t, protocol.LevelError, stderr[0].Level)
}

func TestTaskManager_FrameTaskNameFallsBackToID(t *testing.T) {
	exec := &fakeExecutor{scripts: map[string]taskScript{
		"cleanup": {stdout: []string{"done"}},
	}}
	mgr, _, publisher := newTestManager(testDef(map[string][]string{
		"cleanup": nil,
	}), exec, 1)

	require.NoError(t, mgr.Run(context.Background()))

	frames := publisher.all()
	require.Len(t, frames, 1)
	assert.Equal(t, "cleanup", frames[0].TaskName)
}

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

// Package executor runs workflow tasks and streams their output.
//
// The task manager is polymorphic over the single-method Executor
// contract: it hands an executor a task's opaque config and two line
// channels, and learns the outcome from the returned error. The process
// executor is the only production implementation; tests swap in fakes.
package executor

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"os/exec"
	"sync"

	"github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/workflow"
)

// maxLineBytes bounds a single output line. Longer lines abort line
// delivery for that stream; the rest of the stream is discarded.
const maxLineBytes = 1 << 20

// Executor runs a single task to completion.
type Executor interface {
	// Run executes the task described by config, sending output lines on
	// stdout and stderr as they are produced. It blocks until the task
	// finishes and closes both channels before returning, on every path.
	// A nil return means the task succeeded; any failure, including a task
	// that never started, returns an *errors.ExecutorError carrying taskID.
	Run(ctx context.Context, taskID string, config workflow.ExecutorConfig, stdout, stderr chan<- string) error
}

// ProcessExecutor runs tasks as local child processes. The zero value is
// ready to use and inherits the agent's working directory and environment.
type ProcessExecutor struct {
	// Dir is the working directory for spawned processes. Empty means the
	// calling process's working directory.
	Dir string

	// Env is the environment for spawned processes. Nil means inherit.
	Env []string
}

// Run launches config.Command with config.Args and streams the process's
// stdout and stderr line by line. Cancelling ctx kills the process; the
// kill surfaces as a spawn-style failure with exit code -1.
func (e *ProcessExecutor) Run(ctx context.Context, taskID string, config workflow.ExecutorConfig, stdout, stderr chan<- string) error {
	defer close(stdout)
	defer close(stderr)

	if config.Command == "" {
		return &errors.ExecutorError{
			TaskID:   taskID,
			ExitCode: -1,
			Cause:    errors.New("executor config has no command"),
		}
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	if e.Dir != "" {
		cmd.Dir = e.Dir
	}
	if e.Env != nil {
		cmd.Env = e.Env
	}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.ExecutorError{TaskID: taskID, ExitCode: -1, Cause: err}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return &errors.ExecutorError{TaskID: taskID, ExitCode: -1, Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return &errors.ExecutorError{TaskID: taskID, ExitCode: -1, Cause: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, outPipe, stdout)
	go scanLines(&wg, errPipe, stderr)

	// Both pipes must be drained before Wait, which closes them.
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return &errors.ExecutorError{TaskID: taskID, ExitCode: exitErr.ExitCode(), Cause: err}
		}
		return &errors.ExecutorError{TaskID: taskID, ExitCode: -1, Cause: err}
	}
	return nil
}

// scanLines forwards complete lines from r until EOF. On a scan error
// (oversized line, read failure) it keeps draining r so the process never
// blocks on a full pipe.
func scanLines(wg *sync.WaitGroup, r io.Reader, lines chan<- string) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		lines <- sc.Text()
	}
	if sc.Err() != nil {
		io.Copy(io.Discard, r)
	}
}

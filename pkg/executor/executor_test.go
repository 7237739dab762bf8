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

package executor

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/workflow"
)

// collect drains lines into a slice and delivers it once ch closes.
func collect(ch <-chan string) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		var lines []string
		for line := range ch {
			lines = append(lines, line)
		}
		out <- lines
	}()
	return out
}

// runTask runs config under a ProcessExecutor and returns the collected
// stdout lines, stderr lines, and the run error.
func runTask(t *testing.T, taskID string, config workflow.ExecutorConfig) ([]string, []string, error) {
	t.Helper()

	stdout := make(chan string, 16)
	stderr := make(chan string, 16)
	outLines := collect(stdout)
	errLines := collect(stderr)

	proc := &ProcessExecutor{}
	err := proc.Run(context.Background(), taskID, config, stdout, stderr)
	return <-outLines, <-errLines, err
}

func TestProcessExecutor_StreamsStdoutLines(t *testing.T) {
	out, errs, err := runTask(t, "export", workflow.ExecutorConfig{
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two; echo three"},
	})
	if err != nil {
		t.Fatalf("Expected a clean run, got %v", err)
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(out, want) {
		t.Errorf("Expected stdout %v, got %v", want, out)
	}
	if len(errs) != 0 {
		t.Errorf("Expected no stderr lines, got %v", errs)
	}
}

func TestProcessExecutor_SeparatesStreams(t *testing.T) {
	out, errs, err := runTask(t, "export", workflow.ExecutorConfig{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})
	if err != nil {
		t.Fatalf("Expected a clean run, got %v", err)
	}
	if want := []string{"out"}; !reflect.DeepEqual(out, want) {
		t.Errorf("Expected stdout %v, got %v", want, out)
	}
	if want := []string{"err"}; !reflect.DeepEqual(errs, want) {
		t.Errorf("Expected stderr %v, got %v", want, errs)
	}
}

func TestProcessExecutor_NonZeroExit(t *testing.T) {
	_, _, err := runTask(t, "export", workflow.ExecutorConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	if err == nil {
		t.Fatal("Expected an error for a non-zero exit")
	}

	var execErr *errors.ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected an ExecutorError, got %T", err)
	}
	if execErr.TaskID != "export" {
		t.Errorf("Expected task id export, got %q", execErr.TaskID)
	}
	if execErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", execErr.ExitCode)
	}
	if code := errors.CodeOf(err); code != errors.CodeExecutorFailed {
		t.Errorf("Expected code %s, got %s", errors.CodeExecutorFailed, code)
	}
}

func TestProcessExecutor_SpawnFailure(t *testing.T) {
	out, errs, err := runTask(t, "export", workflow.ExecutorConfig{
		Command: "cdktr-no-such-binary",
	})
	if err == nil {
		t.Fatal("Expected an error for an unknown command")
	}

	var execErr *errors.ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected an ExecutorError, got %T", err)
	}
	if execErr.ExitCode != -1 {
		t.Errorf("Expected exit code -1 for a spawn failure, got %d", execErr.ExitCode)
	}
	if execErr.Cause == nil {
		t.Error("Expected a spawn failure cause")
	}
	if len(out) != 0 || len(errs) != 0 {
		t.Errorf("Expected no output from a task that never ran, got %v / %v", out, errs)
	}
}

func TestProcessExecutor_EmptyCommand(t *testing.T) {
	_, _, err := runTask(t, "export", workflow.ExecutorConfig{})
	if err == nil {
		t.Fatal("Expected an error for an empty command")
	}

	var execErr *errors.ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected an ExecutorError, got %T", err)
	}
	if execErr.ExitCode != -1 {
		t.Errorf("Expected exit code -1, got %d", execErr.ExitCode)
	}
}

func TestProcessExecutor_ContextCancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	stdout := make(chan string, 16)
	stderr := make(chan string, 16)
	outLines := collect(stdout)
	errLines := collect(stderr)

	proc := &ProcessExecutor{}
	start := time.Now()
	err := proc.Run(ctx, "export", workflow.ExecutorConfig{
		Command: "sleep",
		Args:    []string{"30"},
	}, stdout, stderr)
	<-outLines
	<-errLines

	if err == nil {
		t.Fatal("Expected an error for a killed process")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected a prompt kill, took %v", elapsed)
	}

	var execErr *errors.ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected an ExecutorError, got %T", err)
	}
	if execErr.ExitCode != -1 {
		t.Errorf("Expected exit code -1 for a killed process, got %d", execErr.ExitCode)
	}
}

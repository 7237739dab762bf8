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

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExamplesListRendersTable(t *testing.T) {
	cmd := newExamplesListCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("examples list: %v", err)
	}
	for _, want := range []string{"NAME", "hello-world", "pipeline", "scheduled"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestExamplesShowPrintsYAML(t *testing.T) {
	cmd := newExamplesShowCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"pipeline"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("examples show: %v", err)
	}
	if !strings.Contains(out.String(), "name: Pipeline") {
		t.Errorf("output does not look like the pipeline example:\n%s", out.String())
	}

	cmd = newExamplesShowCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"nonexistent"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for unknown example")
	}
}

func TestExamplesCopy(t *testing.T) {
	destDir := t.TempDir()

	cmd := newExamplesCopyCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hello-world", destDir})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("examples copy: %v", err)
	}

	dest := filepath.Join(destDir, "hello-world.yml")
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("copied file missing: %v", err)
	}

	// A second copy without --force must refuse to overwrite.
	cmd = newExamplesCopyCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"hello-world", destDir})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected overwrite refusal, got %v", err)
	}

	// With --force it succeeds.
	cmd = newExamplesCopyCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hello-world", destDir, "--force"})
	if err := cmd.Execute(); err != nil {
		t.Errorf("copy with --force: %v", err)
	}
}

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

// Package workflow defines the workflow vocabulary shared by the principal
// and agents: YAML definitions, the task dependency DAG, run statuses, and
// trigger origins.
//
// A definition is a set of named tasks with optional dependencies between
// them. Definitions are loaded from files; the workflow id is derived from
// the file's path relative to the workflow directory, so `etl/daily.yml`
// becomes `etl.daily`.
package workflow

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/cdktr/pkg/errors"
)

// Definition represents a YAML-based workflow definition.
type Definition struct {
	// ID is the workflow identifier derived from the definition's file path.
	// It is assigned by the loader, never parsed from the file body.
	ID string `yaml:"-" json:"workflow_id"`

	// Name is the human-readable workflow name
	Name string `yaml:"name" json:"name"`

	// Description provides optional context about the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Cron is an optional six-field cron expression (seconds precision).
	// Workflows without a cron expression only run on external triggers.
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`

	// StartTime is an optional RFC 3339 timestamp before which the cron
	// schedule never fires
	StartTime string `yaml:"start_time,omitempty" json:"start_time,omitempty"`

	// Tasks maps task ids to their definitions. At least one task is required.
	Tasks map[string]TaskDef `yaml:"tasks" json:"tasks"`
}

// TaskDef represents a single task within a workflow.
type TaskDef struct {
	// Name is the human-readable task name
	Name string `yaml:"name" json:"name"`

	// Description provides optional context about the task
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Depends lists the task ids that must complete before this task runs.
	// Every entry must name a task in the same workflow.
	Depends []string `yaml:"depends,omitempty" json:"depends,omitempty"`

	// Config is the executor configuration. The orchestrator treats it as
	// opaque; the process executor reads Command and Args.
	Config ExecutorConfig `yaml:"config" json:"config"`
}

// ExecutorConfig carries what an executor needs to run a task.
type ExecutorConfig struct {
	// Command is the program to execute
	Command string `yaml:"cmd" json:"cmd"`

	// Args are the program arguments
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Metadata is the summary form of a definition returned by listing
// operations. It omits the task bodies.
type Metadata struct {
	ID          string `json:"workflow_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Cron        string `json:"cron,omitempty"`
	TaskCount   int    `json:"task_count"`
}

// Metadata returns the listing summary for the definition.
func (d *Definition) Metadata() Metadata {
	return Metadata{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Cron:        d.Cron,
		TaskCount:   len(d.Tasks),
	}
}

// ParseDefinition parses and validates a workflow definition from YAML
// bytes. The id is the workflow id the loader derived from the file path;
// it is used in error reports and stamped onto the returned definition.
func ParseDefinition(id string, data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.InvalidWorkflowError{
			WorkflowID: id,
			Reason:     errors.ReasonParse,
			Detail:     "malformed YAML",
			Cause:      err,
		}
	}
	def.ID = id

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// Validate checks the structural rules a definition must satisfy: a name,
// at least one task, every dependency naming a known task, and no
// dependency cycles.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.InvalidWorkflowError{
			WorkflowID: d.ID,
			Reason:     errors.ReasonParse,
			Detail:     "missing required field: name",
		}
	}

	if len(d.Tasks) == 0 {
		return &errors.InvalidWorkflowError{
			WorkflowID: d.ID,
			Reason:     errors.ReasonEmpty,
			Detail:     "workflow defines no tasks",
		}
	}

	for taskID, task := range d.Tasks {
		for _, dep := range task.Depends {
			if _, ok := d.Tasks[dep]; !ok {
				return &errors.InvalidWorkflowError{
					WorkflowID: d.ID,
					Reason:     errors.ReasonMissingDep,
					Detail:     fmt.Sprintf("task %s depends on unknown task %s", taskID, dep),
				}
			}
		}
	}

	// Cycle check is the DAG build itself.
	if _, err := NewDAG(d); err != nil {
		return err
	}

	return nil
}

// IDFromPath derives a workflow id from a definition file path relative to
// the workflow directory root: the extension is stripped and path
// separators become dots.
//
//	IDFromPath("/data/workflows", "/data/workflows/etl/daily.yml") = "etl.daily"
func IDFromPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("deriving workflow id for %s: %w", path, err)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "."), nil
}

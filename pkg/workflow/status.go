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

package workflow

// RunStatus represents the lifecycle state of a workflow instance or a task
// instance. The same vocabulary is used at both levels; WAITING and SKIPPED
// only ever apply to tasks.
type RunStatus string

// Run statuses
const (
	// StatusPending: queued or assigned, not yet started
	StatusPending RunStatus = "PENDING"

	// StatusWaiting: task blocked on unfinished dependencies
	StatusWaiting RunStatus = "WAITING"

	// StatusRunning: execution in progress
	StatusRunning RunStatus = "RUNNING"

	// StatusCompleted: finished successfully
	StatusCompleted RunStatus = "COMPLETED"

	// StatusFailed: finished unsuccessfully
	StatusFailed RunStatus = "FAILED"

	// StatusCrashed: the process or agent responsible was lost
	StatusCrashed RunStatus = "CRASHED"

	// StatusSkipped: task never ran because a transitive dependency failed
	StatusSkipped RunStatus = "SKIPPED"
)

var validStatuses = map[RunStatus]bool{
	StatusPending:   true,
	StatusWaiting:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCrashed:   true,
	StatusSkipped:   true,
}

// IsValid checks if a status is part of the vocabulary.
func (s RunStatus) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal returns true if no further transitions follow the status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCrashed, StatusSkipped:
		return true
	default:
		return false
	}
}

// TriggerOrigin records what caused a workflow instance to be enqueued.
type TriggerOrigin string

// Trigger origins
const (
	// TriggerScheduler: a cron schedule fired
	TriggerScheduler TriggerOrigin = "SCHEDULER"

	// TriggerExternal: an external collaborator requested the run
	TriggerExternal TriggerOrigin = "EXTERNAL"

	// TriggerManual: an operator requested the run via the CLI
	TriggerManual TriggerOrigin = "MANUAL"
)

var validOrigins = map[TriggerOrigin]bool{
	TriggerScheduler: true,
	TriggerExternal:  true,
	TriggerManual:    true,
}

// IsValid checks if a trigger origin is part of the vocabulary.
func (o TriggerOrigin) IsValid() bool {
	return validOrigins[o]
}

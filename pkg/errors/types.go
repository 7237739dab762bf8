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

package errors

import (
	"fmt"
	"time"
)

// Error codes carried in wire replies. Every typed error in this package
// maps to exactly one code via CodeOf.
const (
	CodeTransport       = "transport"
	CodeTimeout         = "timeout"
	CodeProtocol        = "protocol"
	CodeNotFound        = "not_found"
	CodeInvalidWorkflow = "invalid_workflow"
	CodeQueueFull       = "queue_full"
	CodeAgentLost       = "agent_lost"
	CodeExecutorFailed  = "executor_failed"
	CodePersistence     = "persistence_failed"
	CodeInternal        = "internal"
)

// TransportError represents a failure to reach a peer: connection refused,
// connection reset, or a send/receive that failed below the protocol layer.
type TransportError struct {
	// Endpoint is the address the operation was talking to
	Endpoint string

	// Op describes the operation that failed (e.g. "dial", "write")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s to %s failed: %v", e.Op, e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "workflow.fetch", "log flush")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a malformed or unexpected message: bad JSON,
// a missing required field, or a reply that does not match the request.
type ProtocolError struct {
	// Detail explains what was wrong with the message
	Detail string

	// Cause is the underlying error (e.g. a decode error)
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a reference to an unknown entity.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow", "agent")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Reasons a workflow definition can be rejected.
const (
	ReasonParse      = "parse"
	ReasonEmpty      = "empty"
	ReasonMissingDep = "missing_dep"
	ReasonCycle      = "cycle"
)

// InvalidWorkflowError represents a definition that failed structural
// validation: unparseable, empty, a dependency on an unknown task, or a
// dependency cycle.
type InvalidWorkflowError struct {
	// WorkflowID identifies the offending definition
	WorkflowID string

	// Reason is one of the Reason* constants
	Reason string

	// Detail names the offending task or dependency, when known
	Detail string

	// Cause is the underlying error (e.g. a YAML parse error)
	Cause error
}

// Error implements the error interface.
func (e *InvalidWorkflowError) Error() string {
	msg := fmt.Sprintf("invalid workflow %s (%s)", e.WorkflowID, e.Reason)
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InvalidWorkflowError) Unwrap() error {
	return e.Cause
}

// QueueFullError represents an enqueue attempt against a queue at capacity.
// The triggering fire or request is dropped, never blocked on.
type QueueFullError struct {
	// Capacity is the configured bound of the queue
	Capacity int
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("workflow queue full (capacity %d)", e.Capacity)
}

// AgentLostError represents an agent whose heartbeats stopped long enough
// for the monitor to reclaim its assignments.
type AgentLostError struct {
	// AgentID identifies the lost agent
	AgentID string
}

// Error implements the error interface.
func (e *AgentLostError) Error() string {
	return fmt.Sprintf("agent lost: %s", e.AgentID)
}

// ExecutorError represents a task process that could not be spawned or
// exited non-zero. It is terminal for the task.
type ExecutorError struct {
	// TaskID identifies the task within its workflow
	TaskID string

	// ExitCode is the process exit code, or -1 when the process never ran
	ExitCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("task %s exited with code %d", e.TaskID, e.ExitCode)
	}
	return fmt.Sprintf("task %s failed to start: %v", e.TaskID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// PersistenceError represents a durable-store write or read failure:
// a failed bulk insert, an unreadable snapshot, a query error.
type PersistenceError struct {
	// Op describes the store operation (e.g. "logstore insert", "snapshot write")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// InternalError represents a bug or an unclassifiable failure. Handlers map
// panics and unexpected states here rather than crashing the daemon.
type InternalError struct {
	// Message describes the failure
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}

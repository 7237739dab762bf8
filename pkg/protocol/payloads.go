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

package protocol

import (
	"github.com/tombee/cdktr/pkg/workflow"
)

// Control methods.
const (
	MethodPing           = "ping"
	MethodRegisterAgent  = "agent.register"
	MethodHeartbeat      = "agent.heartbeat"
	MethodListAgents     = "agent.list"
	MethodFetchWorkflow  = "workflow.fetch"
	MethodRunWorkflow    = "workflow.run"
	MethodListWorkflows  = "workflow.list"
	MethodReportStatus   = "status.report"
	MethodRecentStatuses = "status.recent"
	MethodQueryLogs      = "logs.query"
)

// Ack is the empty success result for methods with nothing to return.
type Ack struct {
	OK bool `json:"ok"`
}

// PingResult is the reply to ping.
type PingResult struct {
	Pong bool `json:"pong"`
}

// RegisterAgentParams announce a new agent to the principal.
type RegisterAgentParams struct {
	// ControlAddr is where the agent can be reached, recorded for operators
	ControlAddr string `json:"control_addr"`

	// Capacity is the agent's maximum concurrent task count
	Capacity int `json:"capacity"`
}

// RegisterAgentResult carries the identity the principal assigned. Each
// registration call mints a fresh agent ID; re-registering after a restart
// yields a new identity.
type RegisterAgentResult struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatParams keep a registration alive and report load.
type HeartbeatParams struct {
	AgentID  string `json:"agent_id"`
	Inflight int    `json:"inflight"`
}

// FetchWorkflowParams ask for the next queued workflow instance.
type FetchWorkflowParams struct {
	AgentID string `json:"agent_id"`
}

// FetchWorkflowResult is either empty (Assigned false, queue drained) or a
// full work assignment. Assignments are never returned to the queue; if the
// agent dies the heartbeat monitor marks the instance CRASHED.
type FetchWorkflowResult struct {
	Assigned           bool                   `json:"assigned"`
	WorkflowInstanceID string                 `json:"workflow_instance_id,omitempty"`
	TriggerOrigin      workflow.TriggerOrigin `json:"trigger_origin,omitempty"`
	Definition         *workflow.Definition   `json:"definition,omitempty"`
}

// RunWorkflowParams trigger a workflow run outside its schedule. Origin
// defaults to EXTERNAL when unset; the CLI sends MANUAL.
type RunWorkflowParams struct {
	WorkflowID string                 `json:"workflow_id"`
	Origin     workflow.TriggerOrigin `json:"origin,omitempty"`
}

// RunWorkflowResult carries the instance ID minted for the queued run.
type RunWorkflowResult struct {
	WorkflowInstanceID string `json:"workflow_instance_id"`
}

// ReportStatusParams record one status transition. Task fields are empty
// for workflow-level transitions.
type ReportStatusParams struct {
	WorkflowID         string             `json:"workflow_id"`
	WorkflowInstanceID string             `json:"workflow_instance_id"`
	TaskID             string             `json:"task_id,omitempty"`
	TaskInstanceID     string             `json:"task_instance_id,omitempty"`
	Status             workflow.RunStatus `json:"status"`
	TimestampMS        int64              `json:"timestamp_ms"`
}

// ListWorkflowsResult enumerates the definitions currently loaded.
type ListWorkflowsResult struct {
	Workflows []workflow.Metadata `json:"workflows"`
}

// QueryLogsParams filter the persisted log store. Zero timestamps take the
// defaults: EndMS = now, StartMS = EndMS minus 24 hours.
type QueryLogsParams struct {
	StartMS            int64  `json:"start_ms,omitempty"`
	EndMS              int64  `json:"end_ms,omitempty"`
	WorkflowID         string `json:"workflow_id,omitempty"`
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
	Limit              int    `json:"limit,omitempty"`
}

// QueryLogsResult carries matching frames in timestamp order.
type QueryLogsResult struct {
	Frames []LogFrame `json:"frames"`
}

// RecentStatusesParams bound how many recent instances to report.
type RecentStatusesParams struct {
	Limit int `json:"limit,omitempty"`
}

// InstanceStatus is the current state of one workflow instance, derived
// from its latest status row.
type InstanceStatus struct {
	WorkflowID         string             `json:"workflow_id"`
	WorkflowInstanceID string             `json:"workflow_instance_id"`
	Status             workflow.RunStatus `json:"status"`
	TimestampMS        int64              `json:"timestamp_ms"`
}

// RecentStatusesResult carries the most recently active instances.
type RecentStatusesResult struct {
	Statuses []InstanceStatus `json:"statuses"`
}

// AgentInfo is one registry entry as reported to operators.
type AgentInfo struct {
	AgentID         string `json:"agent_id"`
	ControlAddr     string `json:"control_addr"`
	Capacity        int    `json:"capacity"`
	Inflight        int    `json:"inflight"`
	LastHeartbeatMS int64  `json:"last_heartbeat_ms"`
}

// ListAgentsResult enumerates the live agent registry.
type ListAgentsResult struct {
	Agents []AgentInfo `json:"agents"`
}

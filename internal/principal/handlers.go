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

package principal

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tombee/cdktr/internal/queue"
	"github.com/tombee/cdktr/internal/registry"
	"github.com/tombee/cdktr/internal/sqlite"
	"github.com/tombee/cdktr/internal/store"
	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// HandlersConfig wires the control handlers to the principal's subsystems.
type HandlersConfig struct {
	Store    *store.Store
	Queue    *queue.Queue
	Registry *registry.Registry

	// Recorder receives the status rows produced by control requests.
	Recorder registry.StatusRecorder

	// History answers log and status queries from the durable store.
	History *sqlite.Store

	// Clock stamps status rows. Default: wall clock.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// Handlers implements the control method table.
type Handlers struct {
	store    *store.Store
	queue    *queue.Queue
	registry *registry.Registry
	recorder registry.StatusRecorder
	history  *sqlite.Store
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg HandlersConfig) *Handlers {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    cfg.Store,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		recorder: cfg.Recorder,
		history:  cfg.History,
		clock:    clock,
		logger:   logger.With(slog.String("component", "control-handlers")),
	}
}

// unmarshalParams decodes request params, mapping decode failures to
// protocol errors so they reach the caller with the right code.
func unmarshalParams(req *protocol.Message, v any) error {
	if err := req.UnmarshalParams(v); err != nil {
		return &cdktrerrors.ProtocolError{Detail: "invalid params for " + req.Method, Cause: err}
	}
	return nil
}

// methods is the wire-name dispatch table served by the control server.
func (h *Handlers) methods() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.MethodPing:           h.handlePing,
		protocol.MethodRegisterAgent:  h.handleRegisterAgent,
		protocol.MethodHeartbeat:      h.handleHeartbeat,
		protocol.MethodListAgents:     h.handleListAgents,
		protocol.MethodFetchWorkflow:  h.handleFetchWorkflow,
		protocol.MethodRunWorkflow:    h.handleRunWorkflow,
		protocol.MethodListWorkflows:  h.handleListWorkflows,
		protocol.MethodReportStatus:   h.handleReportStatus,
		protocol.MethodRecentStatuses: h.handleRecentStatuses,
		protocol.MethodQueryLogs:      h.handleQueryLogs,
	}
}

func (h *Handlers) handlePing(ctx context.Context, req *protocol.Message) (any, error) {
	return protocol.PingResult{Pong: true}, nil
}

func (h *Handlers) handleRegisterAgent(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.RegisterAgentParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	agent := h.registry.Register(p.ControlAddr, p.Capacity)
	return protocol.RegisterAgentResult{AgentID: agent.ID}, nil
}

func (h *Handlers) handleHeartbeat(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.HeartbeatParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if err := h.registry.Heartbeat(p.AgentID, p.Inflight); err != nil {
		return nil, err
	}
	return protocol.Ack{OK: true}, nil
}

func (h *Handlers) handleListAgents(ctx context.Context, req *protocol.Message) (any, error) {
	agents := h.registry.Agents()
	infos := make([]protocol.AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, protocol.AgentInfo{
			AgentID:         a.ID,
			ControlAddr:     a.ControlAddr,
			Capacity:        a.Capacity,
			Inflight:        a.Inflight,
			LastHeartbeatMS: a.LastHeartbeat.UnixMilli(),
		})
	}
	return protocol.ListAgentsResult{Agents: infos}, nil
}

// handleFetchWorkflow hands the queue head to the calling agent. The pop is
// final: an item that cannot be assigned or resolved gets a terminal status
// row instead of going back on the queue.
func (h *Handlers) handleFetchWorkflow(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.FetchWorkflowParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if _, ok := h.registry.Agent(p.AgentID); !ok {
		return nil, &cdktrerrors.NotFoundError{Resource: "agent", ID: p.AgentID}
	}

	item, ok := h.queue.Take()
	if !ok {
		return protocol.FetchWorkflowResult{Assigned: false}, nil
	}

	def, ok := h.store.Get(item.WorkflowID)
	if !ok {
		// The definition was removed after the run was queued. The item is
		// already popped, so close the instance out as FAILED rather than
		// lose it.
		h.logger.Warn("queued workflow no longer in store",
			"workflow_id", item.WorkflowID,
			"workflow_instance_id", item.WorkflowInstanceID)
		h.recorder.RecordWorkflowStatus(item.WorkflowID, item.WorkflowInstanceID,
			workflow.StatusFailed, h.clock.Now().UnixMilli())
		return protocol.FetchWorkflowResult{Assigned: false}, nil
	}

	if err := h.registry.Assign(item.WorkflowID, item.WorkflowInstanceID, p.AgentID); err != nil {
		// The agent expired between the lookup above and the assignment.
		// Nothing will ever run the popped instance, which is exactly what
		// a reclaim records.
		h.recorder.RecordWorkflowStatus(item.WorkflowID, item.WorkflowInstanceID,
			workflow.StatusCrashed, h.clock.Now().UnixMilli())
		return nil, err
	}

	h.recorder.RecordWorkflowStatus(item.WorkflowID, item.WorkflowInstanceID,
		workflow.StatusPending, h.clock.Now().UnixMilli())

	h.logger.Info("workflow instance assigned",
		"workflow_id", item.WorkflowID,
		"workflow_instance_id", item.WorkflowInstanceID,
		"agent_id", p.AgentID)

	return protocol.FetchWorkflowResult{
		Assigned:           true,
		WorkflowInstanceID: item.WorkflowInstanceID,
		TriggerOrigin:      item.TriggerOrigin,
		Definition:         def,
	}, nil
}

func (h *Handlers) handleRunWorkflow(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.RunWorkflowParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if _, ok := h.store.Get(p.WorkflowID); !ok {
		return nil, &cdktrerrors.NotFoundError{Resource: "workflow", ID: p.WorkflowID}
	}

	origin := p.Origin
	if origin == "" {
		origin = workflow.TriggerExternal
	}
	if !origin.IsValid() {
		return nil, &cdktrerrors.ProtocolError{Detail: "invalid trigger origin " + string(origin)}
	}

	instanceID := uuid.NewString()
	err := h.queue.Enqueue(queue.Item{
		WorkflowID:         p.WorkflowID,
		WorkflowInstanceID: instanceID,
		TriggerOrigin:      origin,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("workflow run queued",
		"workflow_id", p.WorkflowID,
		"workflow_instance_id", instanceID,
		"origin", string(origin))

	return protocol.RunWorkflowResult{WorkflowInstanceID: instanceID}, nil
}

func (h *Handlers) handleListWorkflows(ctx context.Context, req *protocol.Message) (any, error) {
	return protocol.ListWorkflowsResult{Workflows: h.store.List()}, nil
}

func (h *Handlers) handleReportStatus(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.ReportStatusParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if !p.Status.IsValid() {
		return nil, &cdktrerrors.ProtocolError{Detail: "invalid status " + string(p.Status)}
	}
	if p.WorkflowInstanceID == "" {
		return nil, &cdktrerrors.ProtocolError{Detail: "workflow_instance_id is required"}
	}
	if p.TimestampMS <= 0 {
		p.TimestampMS = h.clock.Now().UnixMilli()
	}

	h.registry.ObserveStatus(p)

	if p.TaskID == "" {
		h.recorder.RecordWorkflowStatus(p.WorkflowID, p.WorkflowInstanceID, p.Status, p.TimestampMS)
	} else {
		h.recorder.RecordTaskStatus(p.TaskID, p.TaskInstanceID, p.WorkflowInstanceID, p.Status, p.TimestampMS)
	}

	return protocol.Ack{OK: true}, nil
}

func (h *Handlers) handleRecentStatuses(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.RecentStatusesParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	statuses, err := h.history.RecentWorkflowStatuses(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	return protocol.RecentStatusesResult{Statuses: statuses}, nil
}

func (h *Handlers) handleQueryLogs(ctx context.Context, req *protocol.Message) (any, error) {
	var p protocol.QueryLogsParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	frames, err := h.history.QueryLogs(ctx, p)
	if err != nil {
		return nil, err
	}
	return protocol.QueryLogsResult{Frames: frames}, nil
}

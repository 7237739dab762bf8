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

// Package registry tracks live agents and the workflow instances assigned
// to them, and reclaims work from agents whose heartbeats stop.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// Agent is one registered agent process.
type Agent struct {
	ID            string
	ControlAddr   string
	Capacity      int
	Inflight      int
	LastHeartbeat time.Time
}

// taskState remembers the last reported status of one task instance so
// that reclamation can synthesize CRASHED rows for work that was underway.
type taskState struct {
	taskInstanceID string
	status         workflow.RunStatus
}

// assignment tracks one workflow instance handed to an agent. It lives from
// the fetch that assigned it until the agent reports a terminal workflow
// status, or until reclamation.
type assignment struct {
	workflowID string
	instanceID string
	agentID    string
	tasks      map[string]taskState
}

// Registry is the principal's in-memory agent table. All access is
// serialized by one mutex; the control server and the heartbeat monitor
// are the only callers.
type Registry struct {
	mu          sync.Mutex
	agents      map[string]*Agent
	assignments map[string]*assignment
	clock       clockwork.Clock
	logger      *slog.Logger
}

// New creates an empty registry.
func New(clock clockwork.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:      make(map[string]*Agent),
		assignments: make(map[string]*assignment),
		clock:       clock,
		logger:      logger.With(slog.String("component", "agent-registry")),
	}
}

// Register adds an agent and returns its freshly minted id. Re-registration
// after an agent restart always produces a new id; the stale entry ages out
// through the heartbeat timeout.
func (r *Registry) Register(controlAddr string, capacity int) Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent := &Agent{
		ID:            uuid.NewString(),
		ControlAddr:   controlAddr,
		Capacity:      capacity,
		LastHeartbeat: r.clock.Now(),
	}
	r.agents[agent.ID] = agent
	setAgentCount(len(r.agents))

	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"control_addr", controlAddr,
		"capacity", capacity)
	return *agent
}

// Heartbeat refreshes an agent's liveness and its reported inflight count.
// Unknown agents get NotFoundError, telling them to re-register.
func (r *Registry) Heartbeat(agentID string, inflight int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return &cdktrerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	agent.LastHeartbeat = r.clock.Now()
	agent.Inflight = inflight
	return nil
}

// Assign records that instanceID of workflowID was fetched by agentID.
// Unknown agents get NotFoundError; an instance is never assigned to an
// agent the registry cannot reclaim from.
func (r *Registry) Assign(workflowID, instanceID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return &cdktrerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	r.assignments[instanceID] = &assignment{
		workflowID: workflowID,
		instanceID: instanceID,
		agentID:    agentID,
		tasks:      make(map[string]taskState),
	}
	return nil
}

// ObserveStatus feeds a reported status transition into the assignment
// table. Task-level rows update the per-task state used to synthesize
// CRASHED rows on reclaim; a terminal workflow-level row retires the
// assignment.
func (r *Registry) ObserveStatus(p protocol.ReportStatusParams) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assignments[p.WorkflowInstanceID]
	if !ok {
		return
	}

	if p.TaskID != "" {
		a.tasks[p.TaskID] = taskState{
			taskInstanceID: p.TaskInstanceID,
			status:         p.Status,
		}
		return
	}

	if p.Status.IsTerminal() {
		delete(r.assignments, p.WorkflowInstanceID)
	}
}

// Agent returns a copy of the entry for agentID, if it is registered.
func (r *Registry) Agent(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// Agents returns a copy of the registry sorted by agent id.
func (r *Registry) Agents() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Assigned reports whether instanceID currently has a live assignment.
func (r *Registry) Assigned(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.assignments[instanceID]
	return ok
}

// reclaimed is one workflow instance taken back from a lost agent.
type reclaimed struct {
	workflowID string
	instanceID string
	tasks      map[string]taskState
}

// expire removes every agent whose heartbeat is older than timeout and
// returns their live assignments for reclamation.
func (r *Registry) expire(timeout time.Duration) []reclaimed {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var lost []string
	for id, agent := range r.agents {
		if now.Sub(agent.LastHeartbeat) > timeout {
			lost = append(lost, id)
		}
	}
	if len(lost) == 0 {
		return nil
	}

	var out []reclaimed
	for _, agentID := range lost {
		delete(r.agents, agentID)
		for instanceID, a := range r.assignments {
			if a.agentID != agentID {
				continue
			}
			out = append(out, reclaimed{
				workflowID: a.workflowID,
				instanceID: a.instanceID,
				tasks:      a.tasks,
			})
			delete(r.assignments, instanceID)
		}
		r.logger.Warn("agent lost", "agent_id", agentID, "heartbeat_timeout", timeout)
	}
	setAgentCount(len(r.agents))
	return out
}

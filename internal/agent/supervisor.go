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
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/executor"
	"github.com/tombee/cdktr/pkg/protocol"
)

const (
	// heartbeatInterval paces the keepalive loop. The principal's monitor
	// reclaims agents after CDKTR_AGENT_HEARTBEAT_TIMEOUT_MS of silence, so
	// this must stay well under that.
	heartbeatInterval = 5 * time.Second

	// defaultFetchInterval is the idle sleep between fetch polls when the
	// queue is drained or the agent is at capacity.
	defaultFetchInterval = 500 * time.Millisecond

	// defaultRegisterAttempts bounds registration retries before the agent
	// gives up on an unreachable principal.
	defaultRegisterAttempts = 5
)

// ControlPlane is the slice of the principal's control API the supervisor
// drives. *protocol.Client satisfies it.
type ControlPlane interface {
	StatusReporter
	RegisterAgent(ctx context.Context, controlAddr string, capacity int) (string, error)
	Heartbeat(ctx context.Context, agentID string, inflight int) error
	FetchWorkflow(ctx context.Context, agentID string) (*protocol.FetchWorkflowResult, error)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Control reaches the principal
	Control ControlPlane

	// Publisher ships log frames
	Publisher FramePublisher

	// Executor runs tasks
	Executor executor.Executor

	// ControlAddr is the address advertised at registration, recorded for
	// operators
	ControlAddr string

	// Capacity caps concurrent workflow instances and sizes the shared
	// executor slot pool
	Capacity int

	// FetchInterval overrides the idle fetch poll. Default 500ms.
	FetchInterval time.Duration

	// RegisterAttempts overrides how many registration tries are made
	// before giving up. Default 5.
	RegisterAttempts int

	// Clock drives the heartbeat ticker and fetch sleeps
	Clock clockwork.Clock

	// Logger is the structured logger
	Logger *slog.Logger
}

// Supervisor is the agent's main loop: it registers with the principal,
// keeps the registration alive with heartbeats, and fetches queued workflow
// instances whenever it has spare capacity, spawning a TaskManager per
// assignment.
type Supervisor struct {
	control       ControlPlane
	publisher     FramePublisher
	executor      executor.Executor
	controlAddr   string
	capacity      int
	fetchInterval time.Duration
	registerTries int
	clock         clockwork.Clock
	logger        *slog.Logger

	// slots is the executor pool every task manager draws from.
	slots chan struct{}

	mu       sync.Mutex
	agentID  string
	inflight int

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor. Run starts it.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = defaultFetchInterval
	}
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = defaultRegisterAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Supervisor{
		control:       cfg.Control,
		publisher:     cfg.Publisher,
		executor:      cfg.Executor,
		controlAddr:   cfg.ControlAddr,
		capacity:      cfg.Capacity,
		fetchInterval: cfg.FetchInterval,
		registerTries: cfg.RegisterAttempts,
		clock:         cfg.Clock,
		logger:        cfg.Logger.With("component", "supervisor"),
		slots:         make(chan struct{}, cfg.Capacity),
	}
}

// AgentID returns the identity the principal assigned, or "" before
// registration.
func (s *Supervisor) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// Inflight returns the number of workflow instances currently running.
func (s *Supervisor) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Run registers and serves until ctx is canceled or the principal becomes
// unreachable. Either way it drains in-flight instances before returning:
// heartbeats keep flowing during the drain so the monitor does not reclaim
// work the agent is still finishing.
func (s *Supervisor) Run(ctx context.Context) error {
	agentID, err := s.register(ctx)
	if err != nil {
		return err
	}
	s.setAgentID(agentID)

	hbCtx, stopHeartbeats := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeatLoop(hbCtx)
	}()

	fetchErr := s.fetchLoop(ctx)
	if fetchErr != nil && s.Inflight() > 0 {
		s.logger.Warn("principal lost with tasks still running, draining before exit",
			"inflight", s.Inflight(),
		)
	}

	s.wg.Wait()
	stopHeartbeats()
	<-hbDone
	return fetchErr
}

// register obtains an agent id, retrying under exponential backoff.
// Non-retryable replies abort immediately.
func (s *Supervisor) register(ctx context.Context) (string, error) {
	var agentID string
	op := func() error {
		id, err := s.control.RegisterAgent(ctx, s.controlAddr, s.capacity)
		if err != nil {
			if !cdktrerrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("registration failed, retrying", "error", err)
			return err
		}
		agentID = id
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.registerTries-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}

	s.logger.Info("registered with principal",
		"agent_id", agentID,
		"capacity", s.capacity,
	)
	return agentID, nil
}

// heartbeatLoop reports liveness and load until its context is canceled.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.control.Heartbeat(ctx, s.AgentID(), s.Inflight()); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// fetchLoop polls for work while capacity is free. It returns nil on
// shutdown and an error when the principal stays unreachable past the
// client's retry budget.
func (s *Supervisor) fetchLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.Inflight() >= s.capacity {
			if !s.sleep(ctx, s.fetchInterval) {
				return nil
			}
			continue
		}

		res, err := s.control.FetchWorkflow(ctx, s.AgentID())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if cdktrerrors.IsNotFound(err) {
				// The registration vanished, which means the principal
				// restarted. Register again under the same backoff policy.
				s.logger.Warn("registration lost, re-registering")
				agentID, rerr := s.register(ctx)
				if rerr != nil {
					return rerr
				}
				s.setAgentID(agentID)
				continue
			}
			s.logger.Error("workflow fetch failed", "error", err)
			return err
		}

		if !res.Assigned {
			if !s.sleep(ctx, s.fetchInterval) {
				return nil
			}
			continue
		}

		s.spawnManager(ctx, res)
	}
}

// spawnManager runs one fetched assignment in its own goroutine.
func (s *Supervisor) spawnManager(ctx context.Context, res *protocol.FetchWorkflowResult) {
	mgr := NewTaskManager(TaskManagerConfig{
		Definition:         res.Definition,
		WorkflowInstanceID: res.WorkflowInstanceID,
		Slots:              s.slots,
		Executor:           s.executor,
		Reporter:           s.control,
		Publisher:          s.publisher,
		Clock:              s.clock,
		Logger:             s.logger,
	})

	s.addInflight(1)
	s.wg.Add(1)
	s.logger.Info("workflow instance accepted",
		"workflow_id", res.Definition.ID,
		"workflow_instance_id", res.WorkflowInstanceID,
		"trigger_origin", res.TriggerOrigin,
	)

	go func() {
		defer s.wg.Done()
		defer s.addInflight(-1)
		if err := mgr.Run(ctx); err != nil {
			s.logger.Error("workflow instance could not run",
				"workflow_instance_id", res.WorkflowInstanceID,
				"error", err,
			)
		}
	}()
}

func (s *Supervisor) setAgentID(id string) {
	s.mu.Lock()
	s.agentID = id
	s.mu.Unlock()
}

func (s *Supervisor) addInflight(n int) {
	s.mu.Lock()
	s.inflight += n
	setInflight(s.inflight)
	s.mu.Unlock()
}

// sleep waits d on the supervisor clock. It returns false when ctx ends
// first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

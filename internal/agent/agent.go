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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/logstream"
	"github.com/tombee/cdktr/pkg/executor"
	"github.com/tombee/cdktr/pkg/protocol"
)

// publisherDrainPoll is how often Shutdown re-checks the log publisher's
// buffer while waiting for it to empty.
const publisherDrainPoll = 50 * time.Millisecond

// Agent assembles the worker daemon: a control-plane client, a log frame
// publisher, and the supervisor that does the actual work.
type Agent struct {
	cfg    config.Config
	logger *slog.Logger

	client    *protocol.Client
	publisher *logstream.Publisher
	sup       *Supervisor

	mu        sync.Mutex
	started   bool
	supCancel context.CancelFunc
	supDone   chan struct{}
	supErr    error
	pubCancel context.CancelFunc
	pubDone   chan struct{}
}

// New wires an agent from configuration. Start brings it up.
func New(cfg config.Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "agent"))

	client := protocol.NewClient(cfg.ControlURL(),
		protocol.WithTimeout(cfg.DefaultTimeout),
		protocol.WithRetryAttempts(cfg.RetryAttempts),
		protocol.WithLogger(logger),
	)

	publisher := logstream.NewPublisher(logstream.PublisherConfig{
		URL:    cfg.LogIngestURL(),
		Logger: logger,
	})

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	sup := NewSupervisor(SupervisorConfig{
		Control:     client,
		Publisher:   publisher,
		Executor:    &executor.ProcessExecutor{},
		ControlAddr: hostname,
		Capacity:    cfg.AgentMaxConcurrency,
		Logger:      logger,
	})

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		publisher: publisher,
		sup:       sup,
	}
}

// Start launches the publisher and the supervisor and blocks until ctx is
// cancelled or the supervisor gives up on the principal. The caller is
// expected to follow up with Shutdown.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("agent already started")
	}
	a.started = true

	// Both workers outlive ctx: Shutdown stops them once in-flight tasks
	// and buffered log frames have drained.
	pubCtx, pubCancel := context.WithCancel(context.Background())
	a.pubCancel = pubCancel
	a.pubDone = make(chan struct{})

	supCtx, supCancel := context.WithCancel(context.Background())
	a.supCancel = supCancel
	a.supDone = make(chan struct{})
	a.mu.Unlock()

	go func() {
		defer close(a.pubDone)
		a.publisher.Run(pubCtx)
	}()

	go func() {
		defer close(a.supDone)
		err := a.sup.Run(supCtx)
		a.mu.Lock()
		a.supErr = err
		a.mu.Unlock()
	}()

	a.logger.Info("agent started",
		"principal", a.cfg.ControlURL(),
		"capacity", a.cfg.AgentMaxConcurrency)

	select {
	case <-ctx.Done():
		return nil
	case <-a.supDone:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.supErr
	}
}

// Shutdown drains the agent: the supervisor stops fetching and finishes its
// in-flight instances, the publisher flushes buffered frames, then the
// control connection closes. ctx bounds the whole drain.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	supCancel := a.supCancel
	supDone := a.supDone
	pubCancel := a.pubCancel
	pubDone := a.pubDone
	a.mu.Unlock()

	a.logger.Info("graceful shutdown initiated", "inflight", a.sup.Inflight())

	supCancel()
	select {
	case <-supDone:
	case <-ctx.Done():
		a.logger.Warn("shutdown deadline exceeded with tasks still running",
			"inflight", a.sup.Inflight())
	}

	a.drainPublisher(ctx)
	pubCancel()
	<-pubDone

	if err := a.client.Close(); err != nil {
		a.logger.Error("control client close error", "error", err)
	}

	a.mu.Lock()
	a.started = false
	a.mu.Unlock()

	a.logger.Info("agent stopped")
	return nil
}

// drainPublisher waits for the log buffer to empty so terminal task output
// is not lost on a clean stop.
func (a *Agent) drainPublisher(ctx context.Context) {
	for a.publisher.Len() > 0 {
		select {
		case <-ctx.Done():
			a.logger.Warn("log frames still buffered at shutdown",
				"frames", a.publisher.Len())
			return
		case <-time.After(publisherDrainPoll):
		}
	}
}

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

package logstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// WorkflowStatusRow is one append-only workflow_run_status record.
type WorkflowStatusRow struct {
	WorkflowID         string
	WorkflowInstanceID string
	Status             workflow.RunStatus
	TimestampMS        int64
}

// TaskStatusRow is one append-only task_run_status record.
type TaskStatusRow struct {
	TaskID             string
	TaskInstanceID     string
	WorkflowInstanceID string
	Status             workflow.RunStatus
	TimestampMS        int64
}

// Storage is the durable sink the persister flushes into. Implementations
// must insert each batch in slice order.
type Storage interface {
	InsertLogFrames(ctx context.Context, frames []protocol.LogFrame) error
	InsertWorkflowStatuses(ctx context.Context, rows []WorkflowStatusRow) error
	InsertTaskStatuses(ctx context.Context, rows []TaskStatusRow) error
}

// Defaults for PersisterConfig.
const (
	defaultFlushInterval = 30 * time.Second
	defaultBufferCeiling = 10000
)

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	// Storage receives the bulk inserts.
	Storage Storage

	// Bus is the frame source.
	Bus *Bus

	// FlushInterval is how often buffers are written out. Default 30s.
	FlushInterval time.Duration

	// BufferCeiling caps buffered frames; the oldest are dropped beyond it.
	// Default 10000. Status rows are never dropped.
	BufferCeiling int

	// FlushRetry builds the retry policy for a failed write within one
	// flush. Nil means a capped exponential that gives up after ten seconds
	// and leaves the buffer for the next tick.
	FlushRetry func() backoff.BackOff

	// Clock drives the flush ticker.
	Clock clockwork.Clock

	// Logger is the structured logger.
	Logger *slog.Logger
}

// Persister accumulates log frames from the bus plus status rows reported
// through the control server, and bulk-inserts them on a fixed cadence.
// A failed insert keeps its buffer for the next tick; only the frame buffer
// has a ceiling, and crossing it turns the discarded frames into one ERROR
// notice in the next batch.
type Persister struct {
	storage  Storage
	bus      *Bus
	interval time.Duration
	ceiling  int
	newRetry func() backoff.BackOff
	clock    clockwork.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	frames      []protocol.LogFrame
	wfRows      []WorkflowStatusRow
	taskRows    []TaskStatusRow
	dropped     int
	lastDropped protocol.LogFrame
}

// NewPersister creates a persister. Run must be started for bus frames and
// periodic flushes; the Record methods work immediately.
func NewPersister(cfg PersisterConfig) *Persister {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BufferCeiling <= 0 {
		cfg.BufferCeiling = defaultBufferCeiling
	}
	if cfg.FlushRetry == nil {
		cfg.FlushRetry = defaultFlushRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Persister{
		storage:  cfg.Storage,
		bus:      cfg.Bus,
		interval: cfg.FlushInterval,
		ceiling:  cfg.BufferCeiling,
		newRetry: cfg.FlushRetry,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "persister"),
	}
}

func defaultFlushRetry() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}

// Run consumes the bus and flushes on each tick until ctx is canceled, then
// makes one final flush so a clean shutdown loses nothing.
func (p *Persister) Run(ctx context.Context) error {
	frames, err := p.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finalFlush()
			return nil
		case frame, ok := <-frames:
			if !ok {
				p.finalFlush()
				return nil
			}
			p.bufferFrame(*frame)
		case <-ticker.Chan():
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn("flush failed, buffers retained for next tick", "error", err)
			}
		}
	}
}

func (p *Persister) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Error("final flush failed, buffered telemetry lost", "error", err)
	}
}

// bufferFrame appends a frame, displacing the oldest when the ceiling is
// reached. Drops are folded into a single notice at flush time.
func (p *Persister) bufferFrame(frame protocol.LogFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) >= p.ceiling {
		p.lastDropped = p.frames[0]
		p.frames = p.frames[1:]
		p.dropped++
		recordPersistDrops(1)
	}
	p.frames = append(p.frames, frame)
}

// RecordWorkflowStatus queues one workflow_run_status row. The control
// server calls this on every workflow-level ReportStatus, and the heartbeat
// monitor on reclamation.
func (p *Persister) RecordWorkflowStatus(workflowID, instanceID string, status workflow.RunStatus, timestampMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wfRows = append(p.wfRows, WorkflowStatusRow{
		WorkflowID:         workflowID,
		WorkflowInstanceID: instanceID,
		Status:             status,
		TimestampMS:        timestampMS,
	})
}

// RecordTaskStatus queues one task_run_status row.
func (p *Persister) RecordTaskStatus(taskID, taskInstanceID, instanceID string, status workflow.RunStatus, timestampMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taskRows = append(p.taskRows, TaskStatusRow{
		TaskID:             taskID,
		TaskInstanceID:     taskInstanceID,
		WorkflowInstanceID: instanceID,
		Status:             status,
		TimestampMS:        timestampMS,
	})
}

// Flush writes every non-empty buffer. Each table is attempted
// independently; a failed batch goes back to the head of its buffer and the
// others still land.
func (p *Persister) Flush(ctx context.Context) error {
	frames, wfRows, taskRows := p.takeBuffers()

	var errs []error

	if len(frames) > 0 {
		err := p.insert(ctx, func() error {
			return p.storage.InsertLogFrames(ctx, frames)
		})
		if err != nil {
			p.restoreFrames(frames)
			errs = append(errs, &cdktrerrors.PersistenceError{Op: "logstore insert", Cause: err})
		}
	}

	if len(wfRows) > 0 {
		err := p.insert(ctx, func() error {
			return p.storage.InsertWorkflowStatuses(ctx, wfRows)
		})
		if err != nil {
			p.mu.Lock()
			p.wfRows = append(wfRows, p.wfRows...)
			p.mu.Unlock()
			errs = append(errs, &cdktrerrors.PersistenceError{Op: "workflow_run_status insert", Cause: err})
		}
	}

	if len(taskRows) > 0 {
		err := p.insert(ctx, func() error {
			return p.storage.InsertTaskStatuses(ctx, taskRows)
		})
		if err != nil {
			p.mu.Lock()
			p.taskRows = append(taskRows, p.taskRows...)
			p.mu.Unlock()
			errs = append(errs, &cdktrerrors.PersistenceError{Op: "task_run_status insert", Cause: err})
		}
	}

	recordFlush(len(errs) == 0)
	return errors.Join(errs...)
}

// insert runs one bulk write under the configured retry policy.
func (p *Persister) insert(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(p.newRetry(), ctx))
}

// takeBuffers claims every buffer, converting any accumulated drops into a
// trailing ERROR frame stamped at flush time.
func (p *Persister) takeBuffers() ([]protocol.LogFrame, []WorkflowStatusRow, []TaskStatusRow) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frames := p.frames
	if p.dropped > 0 {
		frames = append(frames, dropNotice(p.lastDropped, p.dropped, protocol.LevelError, p.clock.Now().UnixMilli()))
		p.dropped = 0
	}
	p.frames = nil

	wfRows := p.wfRows
	p.wfRows = nil
	taskRows := p.taskRows
	p.taskRows = nil

	return frames, wfRows, taskRows
}

// restoreFrames puts an unwritten batch back at the head, re-applying the
// ceiling against frames that arrived during the attempt.
func (p *Persister) restoreFrames(frames []protocol.LogFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(frames, p.frames...)
	for len(p.frames) > p.ceiling {
		p.lastDropped = p.frames[0]
		p.frames = p.frames[1:]
		p.dropped++
		recordPersistDrops(1)
	}
}

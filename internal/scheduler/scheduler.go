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

// Package scheduler fires cron-scheduled workflows onto the principal's
// workflow queue.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/tombee/cdktr/internal/log"
	"github.com/tombee/cdktr/internal/queue"
	"github.com/tombee/cdktr/pkg/workflow"
)

// cronParser accepts six-field expressions with seconds precision, e.g.
// "0 * * * * *" fires at second zero of every minute.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseSchedule parses a six-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// DefinitionSource provides the current workflow set. The store satisfies
// it.
type DefinitionSource interface {
	Definitions() map[string]*workflow.Definition
}

// entry is one scheduled workflow in the fire-order heap.
type entry struct {
	workflowID string
	cronExpr   string
	schedule   cron.Schedule
	next       time.Time
}

// entryHeap orders entries by next fire time, earliest first.
type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Config contains scheduler configuration.
type Config struct {
	// Source provides workflow definitions; only those with a cron
	// expression are scheduled.
	Source DefinitionSource

	// Queue receives fired workflow instances.
	Queue *queue.Queue

	// PollInterval caps how long the loop sleeps between wake-ups.
	PollInterval time.Duration

	// ReconcileInterval is how often the fire heap is rebuilt from the
	// source, picking up added, changed and removed workflows.
	ReconcileInterval time.Duration

	// Clock drives all timers; nil uses the wall clock.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// Scheduler keeps a min-heap of next fire times and enqueues one workflow
// instance per fire. Fires that find the queue full are dropped with a
// WARN; the missed slot is never retried.
type Scheduler struct {
	source            DefinitionSource
	queue             *queue.Queue
	pollInterval      time.Duration
	reconcileInterval time.Duration
	clock             clockwork.Clock
	logger            *slog.Logger

	mu   sync.Mutex
	heap entryHeap
}

// New creates a scheduler. It fires nothing until Run is called.
func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:            cfg.Source,
		queue:             cfg.Queue,
		pollInterval:      cfg.PollInterval,
		reconcileInterval: cfg.ReconcileInterval,
		clock:             clock,
		logger:            logger.With(slog.String("component", "scheduler")),
	}
}

// Run fires due workflows until ctx is cancelled. The loop sleeps until the
// earliest next fire, bounded by PollInterval so reconciles and shutdowns
// are never starved by a distant schedule.
func (s *Scheduler) Run(ctx context.Context) {
	s.Reconcile()

	reconcile := s.clock.NewTicker(s.reconcileInterval)
	defer reconcile.Stop()

	for {
		timer := s.clock.NewTimer(s.sleepFor())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-reconcile.Chan():
			timer.Stop()
			s.Reconcile()
		case <-timer.Chan():
			s.fireDue()
		}
	}
}

// sleepFor returns the duration until the earliest next fire, capped at the
// poll interval.
func (s *Scheduler) sleepFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.pollInterval
	if len(s.heap) > 0 {
		if until := s.heap[0].next.Sub(s.clock.Now()); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// fireDue pops and fires every entry whose next fire is not in the future.
// The next fire is recomputed from now, so slots missed while asleep
// collapse into the single fire that just happened.
func (s *Scheduler) fireDue() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.heap) > 0 && !s.heap[0].next.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		s.fire(e.workflowID)
		e.next = e.schedule.Next(now)
		heap.Push(&s.heap, e)
	}
}

// fire enqueues one instance of workflowID with a fresh instance id.
func (s *Scheduler) fire(workflowID string) {
	item := queue.Item{
		WorkflowID:         workflowID,
		WorkflowInstanceID: uuid.NewString(),
		TriggerOrigin:      workflow.TriggerScheduler,
	}
	if err := s.queue.Enqueue(item); err != nil {
		recordFire("dropped")
		s.logger.Warn("dropping scheduled fire",
			slog.String(log.WorkflowIDKey, workflowID),
			log.Error(err))
		return
	}

	recordFire("enqueued")
	s.logger.Info("scheduled workflow fired",
		slog.String(log.WorkflowIDKey, workflowID),
		slog.String(log.InstanceIDKey, item.WorkflowInstanceID))
}

// Reconcile rebuilds the fire heap from the source: new scheduled workflows
// are added, changed cron expressions are recomputed, vanished workflows are
// dropped. Entries whose expression is unchanged keep their pending fire.
func (s *Scheduler) Reconcile() {
	defs := s.source.Definitions()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]*entry, len(s.heap))
	for _, e := range s.heap {
		known[e.workflowID] = e
	}

	rebuilt := make(entryHeap, 0, len(defs))
	for id, def := range defs {
		if def.Cron == "" {
			continue
		}

		if e, ok := known[id]; ok && e.cronExpr == def.Cron {
			rebuilt = append(rebuilt, e)
			continue
		}

		schedule, err := ParseSchedule(def.Cron)
		if err != nil {
			s.logger.Warn("skipping workflow with invalid cron expression",
				"workflow_id", id,
				"cron", def.Cron,
				"error", err)
			continue
		}

		// First fire is computed from the later of now and the
		// workflow's start time.
		from := now
		if def.StartTime != "" {
			st, err := time.Parse(time.RFC3339, def.StartTime)
			if err != nil {
				s.logger.Warn("skipping workflow with invalid start time",
					"workflow_id", id,
					"start_time", def.StartTime,
					"error", err)
				continue
			}
			if st.After(from) {
				from = st
			}
		}

		rebuilt = append(rebuilt, &entry{
			workflowID: id,
			cronExpr:   def.Cron,
			schedule:   schedule,
			next:       schedule.Next(from),
		})
	}

	heap.Init(&rebuilt)
	s.heap = rebuilt
	setScheduledCount(len(rebuilt))

	s.logger.Debug("schedule reconciled", "scheduled_workflows", len(rebuilt))
}

// NextFire returns the earliest pending fire time, if any workflow is
// scheduled.
func (s *Scheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].next, true
}

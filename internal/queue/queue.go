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

// Package queue provides the principal's bounded queue of runnable
// workflow instances.
package queue

import (
	"sync"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/workflow"
)

// Item is one runnable workflow instance waiting to be fetched by an agent.
type Item struct {
	WorkflowID         string                 `json:"workflow_id"`
	WorkflowInstanceID string                 `json:"workflow_instance_id"`
	TriggerOrigin      workflow.TriggerOrigin `json:"trigger_origin"`
}

// ErrClosed is returned when items are enqueued on a closed queue.
var ErrClosed = cdktrerrors.New("workflow queue is closed")

// Queue is a bounded FIFO of workflow instances awaiting dispatch.
//
// Producers are the cron scheduler and the control server (external and
// manual triggers). The only consumer is the control server's fetch
// handler, which polls rather than blocks, so the queue carries a version
// counter instead of a wakeup channel: the snapshotter uses it to skip
// writes while nothing has changed.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	version  uint64
	closed   bool
}

// New creates a queue bounded at capacity items.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]Item, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends item in FIFO order. It returns QueueFullError when the
// queue is at capacity; callers decide whether to drop or surface it.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		recordRejection()
		return &cdktrerrors.QueueFullError{Capacity: q.capacity}
	}

	q.items = append(q.items, item)
	q.version++
	setDepth(len(q.items))
	return nil
}

// Take pops the head of the queue. It never blocks: ok is false when the
// queue is empty or closed. A taken item is never returned to the queue;
// reclaiming abandoned work is the heartbeat monitor's job.
func (q *Queue) Take() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return Item{}, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.version++
	setDepth(len(q.items))
	return item, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Contents returns a copy of the queued items in FIFO order together with
// the queue version at the time of the copy.
func (q *Queue) Contents() ([]Item, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Item, len(q.items))
	copy(items, q.items)
	return items, q.version
}

// Restore replaces the queue contents with items, preserving their order.
// Items beyond capacity are dropped from the tail; the dropped count is
// returned so the caller can log it.
func (q *Queue) Restore(items []Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	if len(items) > q.capacity {
		dropped = len(items) - q.capacity
		items = items[:q.capacity]
	}

	q.items = make([]Item, len(items))
	copy(q.items, items)
	q.version++
	setDepth(len(q.items))
	return dropped
}

// Close stops the queue. Enqueues fail with ErrClosed and takes report an
// empty queue; queued items stay in place for the final snapshot.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
